package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9090
mysql:
  host: 127.0.0.1
  port: 3306
  user: root
  database: chat
feed:
  driver: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "utf8mb4", cfg.MySQL.Charset)
	assert.Equal(t, FeedDriverMemory, cfg.Feed.Driver)
	assert.Equal(t, 50, cfg.Chat.PageSize)
	assert.Equal(t, 30*time.Minute, cfg.Chat.EditWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.Feed.BackoffInitial)
	assert.Equal(t, "* * * * *", cfg.Chat.ScheduledCron)
	assert.Same(t, cfg, GlobalConfig)
	assert.Contains(t, cfg.MySQL.DSN(), "tcp(127.0.0.1:3306)/chat")
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
feed:
  driver: nats
  nats_servers: ["nats://localhost:4222"]
  backoff_initial: 1s
  backoff_max: 1m
chat:
  edit_window: 15m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Feed.BackoffInitial)
	assert.Equal(t, time.Minute, cfg.Feed.BackoffMax)
	assert.Equal(t, 15*time.Minute, cfg.Chat.EditWindow)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown driver":  "feed:\n  driver: kafka\n",
		"nats no servers": "feed:\n  driver: nats\n",
		"ws no url":       "feed:\n  driver: websocket\n",
		"bad cron":        "feed:\n  driver: memory\nchat:\n  scheduled_cron: \"not a cron\"\n",
		"backoff order":   "feed:\n  driver: memory\n  backoff_initial: 10s\n  backoff_max: 1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
