package config

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

// Feed drivers
const (
	FeedDriverMemory    = "memory"
	FeedDriverRedis     = "redis"
	FeedDriverNats      = "nats"
	FeedDriverWebSocket = "websocket"
)

// Config holds all configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Staging   StagingConfig   `mapstructure:"staging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort       int      `mapstructure:"http_port"`
	Mode           string   `mapstructure:"mode"`
	MachineId      uint16   `mapstructure:"machine_id"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Charset      string `mapstructure:"charset"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN returns the MySQL data source name
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	MaxConnNum       int64         `mapstructure:"max_conn_num"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	PushChannelSize  int           `mapstructure:"push_channel_size"`
	PushWorkerNum    int           `mapstructure:"push_worker_num"`
	WriteChannelSize int           `mapstructure:"write_channel_size"`
}

// FeedConfig holds change feed configuration
type FeedConfig struct {
	Driver           string        `mapstructure:"driver"`
	NatsServers      []string      `mapstructure:"nats_servers"`
	NatsName         string        `mapstructure:"nats_name"`
	WebSocketURL     string        `mapstructure:"websocket_url"`
	WebSocketAPIKey  string        `mapstructure:"websocket_api_key"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
}

// ChatConfig holds chat behavior configuration
type ChatConfig struct {
	PageSize         int           `mapstructure:"page_size"`
	EditWindow       time.Duration `mapstructure:"edit_window"`
	MaxTrackedUnread int           `mapstructure:"max_tracked_unread"`
	ScheduledCron    string        `mapstructure:"scheduled_cron"`
	NotificationPage int           `mapstructure:"notification_page"`
	TypingTTL        time.Duration `mapstructure:"typing_ttl"`
	TypingInterval   time.Duration `mapstructure:"typing_interval"`
}

// StagingConfig holds attachment staging configuration
type StagingConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Global config instance
var GlobalConfig *Config

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

// SetDefaults fills zero values with defaults
func (cfg *Config) SetDefaults() {
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Server.MachineId == 0 {
		cfg.Server.MachineId = 1
	}
	if cfg.MySQL.Charset == "" {
		cfg.MySQL.Charset = "utf8mb4"
	}
	if cfg.MySQL.MaxOpenConns == 0 {
		cfg.MySQL.MaxOpenConns = 100
	}
	if cfg.MySQL.MaxIdleConns == 0 {
		cfg.MySQL.MaxIdleConns = 10
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "chatsync:"
	}
	if cfg.JWT.ExpireHours == 0 {
		cfg.JWT.ExpireHours = 168 // 7 days
	}
	if cfg.WebSocket.MaxConnNum == 0 {
		cfg.WebSocket.MaxConnNum = 10000
	}
	if cfg.WebSocket.MaxMessageSize == 0 {
		cfg.WebSocket.MaxMessageSize = 4 << 20
	}
	if cfg.WebSocket.WriteWait == 0 {
		cfg.WebSocket.WriteWait = 10 * time.Second
	}
	if cfg.WebSocket.PongWait == 0 {
		cfg.WebSocket.PongWait = 30 * time.Second
	}
	if cfg.WebSocket.PingPeriod == 0 {
		cfg.WebSocket.PingPeriod = 27 * time.Second
	}
	if cfg.WebSocket.PushChannelSize == 0 {
		cfg.WebSocket.PushChannelSize = 10000
	}
	if cfg.WebSocket.PushWorkerNum == 0 {
		cfg.WebSocket.PushWorkerNum = 10
	}
	if cfg.WebSocket.WriteChannelSize == 0 {
		cfg.WebSocket.WriteChannelSize = 256
	}
	if cfg.Feed.Driver == "" {
		cfg.Feed.Driver = FeedDriverRedis
	}
	if cfg.Feed.NatsName == "" {
		cfg.Feed.NatsName = "chatsync"
	}
	if cfg.Feed.SubscriberBuffer == 0 {
		cfg.Feed.SubscriberBuffer = 1024
	}
	if cfg.Feed.BackoffInitial == 0 {
		cfg.Feed.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.Feed.BackoffMax == 0 {
		cfg.Feed.BackoffMax = 30 * time.Second
	}
	if cfg.Feed.FetchTimeout == 0 {
		cfg.Feed.FetchTimeout = 5 * time.Second
	}
	if cfg.Chat.PageSize == 0 {
		cfg.Chat.PageSize = 50
	}
	if cfg.Chat.EditWindow == 0 {
		cfg.Chat.EditWindow = 30 * time.Minute
	}
	if cfg.Chat.MaxTrackedUnread == 0 {
		cfg.Chat.MaxTrackedUnread = 1000
	}
	if cfg.Chat.ScheduledCron == "" {
		cfg.Chat.ScheduledCron = "* * * * *"
	}
	if cfg.Chat.NotificationPage == 0 {
		cfg.Chat.NotificationPage = 20
	}
	if cfg.Chat.TypingTTL == 0 {
		cfg.Chat.TypingTTL = 3 * time.Second
	}
	if cfg.Chat.TypingInterval == 0 {
		cfg.Chat.TypingInterval = time.Second
	}
	if cfg.Staging.Dir == "" {
		cfg.Staging.Dir = "data/staging"
	}
	if cfg.Staging.MaxBytes == 0 {
		cfg.Staging.MaxBytes = 25 << 20 // 25 MiB
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks values that defaults cannot repair
func (cfg *Config) Validate() error {
	switch cfg.Feed.Driver {
	case FeedDriverMemory, FeedDriverRedis:
	case FeedDriverNats:
		if len(cfg.Feed.NatsServers) == 0 {
			return fmt.Errorf("feed.nats_servers is required for driver %q", cfg.Feed.Driver)
		}
	case FeedDriverWebSocket:
		if cfg.Feed.WebSocketURL == "" {
			return fmt.Errorf("feed.websocket_url is required for driver %q", cfg.Feed.Driver)
		}
	default:
		return fmt.Errorf("unknown feed driver %q", cfg.Feed.Driver)
	}
	if cfg.Feed.BackoffMax < cfg.Feed.BackoffInitial {
		return fmt.Errorf("feed.backoff_max (%s) is below feed.backoff_initial (%s)", cfg.Feed.BackoffMax, cfg.Feed.BackoffInitial)
	}
	if !gronx.IsValid(cfg.Chat.ScheduledCron) {
		return fmt.Errorf("invalid chat.scheduled_cron expression: %s", cfg.Chat.ScheduledCron)
	}
	return nil
}
