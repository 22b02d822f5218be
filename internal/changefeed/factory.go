package changefeed

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/chatsync/internal/config"
)

// New builds the bus selected by feed.driver
func New(cfg *config.FeedConfig, rdb *redis.Client) (Bus, error) {
	switch cfg.Driver {
	case config.FeedDriverMemory:
		return NewMemoryBus(cfg.SubscriberBuffer), nil
	case config.FeedDriverRedis:
		return NewRedisBus(rdb), nil
	case config.FeedDriverNats:
		return NewNatsBus(NatsConfig{Servers: cfg.NatsServers, Name: cfg.NatsName})
	case config.FeedDriverWebSocket:
		return NewWebSocketBus(WebSocketConfig{URL: cfg.WebSocketURL, APIKey: cfg.WebSocketAPIKey}), nil
	default:
		return nil, fmt.Errorf("unknown feed driver %q", cfg.Driver)
	}
}
