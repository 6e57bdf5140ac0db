package dedup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options selects and sizes a Store.
type Options struct {
	Backend  string
	Capacity int
	TTL      time.Duration
	Prefix   string
	Redis    redis.UniversalClient
}

// New builds the store named by opts.Backend: "memory", "redis" or "none".
func New(opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Backend {
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("dedup backend redis requires a redis client")
		}
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		logger.Info("dedup: using redis backend", "ttl", ttl)
		return NewRedisStore(WrapGoRedis(opts.Redis), opts.Prefix+":dedup:", ttl), nil
	case "memory", "":
		logger.Info("dedup: using in-memory LRU backend", "capacity", opts.Capacity)
		return NewLRUStore(opts.Capacity), nil
	case "none":
		logger.Info("dedup: deduplication disabled")
		return NoopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", opts.Backend)
	}
}
