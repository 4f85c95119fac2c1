package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/confio/sponsor-gateway/internal/config"
)

// Open returns the configured record store. The Redis backend shares rdb with
// the sponsor journal; the Postgres backend opens its own pool and migrates.
func Open(ctx context.Context, cfg config.StoreConfig, rdb *redis.Client, log *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "redis":
		log.Info("record store: redis")
		return NewRedisStore(rdb), nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("record store: postgres")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
