package callrecord

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Backend names a KV implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendSQLite Backend = "sqlite"
)

// Config selects and configures the record backend.
type Config struct {
	Backend    Backend
	Redis      RedisConfig
	SQLitePath string
	TTL        time.Duration
}

// Open builds a Store over the configured backend. An empty backend is memory.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	var (
		kv  KV
		err error
	)
	switch cfg.Backend {
	case "", BackendMemory:
		kv = NewMemoryKV()
	case BackendRedis:
		kv, err = NewRedisKV(cfg.Redis, logger)
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite_path is required for the sqlite backend")
		}
		kv, err = OpenSQLiteKV(cfg.SQLitePath, 0)
	default:
		return nil, fmt.Errorf("unsupported call record backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(kv, cfg.TTL, logger), nil
}
