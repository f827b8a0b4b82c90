package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/genai-studio/config"
	"github.com/vnmchuo/genai-studio/internal/auth"
	"github.com/vnmchuo/genai-studio/internal/quota"
	"github.com/vnmchuo/genai-studio/pkg/ratelimit"
)

func main() {
	if err := newRootCmd(connect).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "quotactl: %v\n", err)
		os.Exit(1)
	}
}

// connect opens the same stores the gateway uses for the configured backend.
func connect(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{sessionSecret: cfg.SessionSecret}
	var closers []func()
	a.close = func() {
		for _, c := range closers {
			c()
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	closers = append(closers, func() { _ = rdb.Close() })
	a.limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitRPM)

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)

		keys := auth.NewPostgresStore(pool)
		usage := quota.NewPostgresStore(pool)
		a.keys = keys
		a.migrate = func(ctx context.Context) error {
			if err := usage.EnsureSchema(ctx); err != nil {
				return err
			}
			return keys.EnsureSchema(ctx)
		}
	}

	switch cfg.QuotaBackend {
	case config.QuotaBackendPostgres:
		store := quota.NewPostgresStore(pool)
		a.gate = quota.NewGate(store, cfg.MaxFreeCount)
		a.resetter = store
	case config.QuotaBackendRedis:
		store := quota.NewRedisStore(rdb)
		a.gate = quota.NewGate(store, cfg.MaxFreeCount)
		a.resetter = store
	default:
		a.close()
		return nil, fmt.Errorf("quota backend %q is process-local and cannot be administered", cfg.QuotaBackend)
	}

	return a, nil
}
