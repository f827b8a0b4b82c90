package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/genai-studio/config"
	"github.com/vnmchuo/genai-studio/internal/auth"
	"github.com/vnmchuo/genai-studio/internal/logging"
	"github.com/vnmchuo/genai-studio/internal/provider"
	"github.com/vnmchuo/genai-studio/internal/provider/openai"
	"github.com/vnmchuo/genai-studio/internal/provider/replicate"
	"github.com/vnmchuo/genai-studio/internal/proxy"
	"github.com/vnmchuo/genai-studio/internal/quota"
	"github.com/vnmchuo/genai-studio/internal/seeder"
	"github.com/vnmchuo/genai-studio/internal/telemetry"
	"github.com/vnmchuo/genai-studio/pkg/ratelimit"
)

const serviceName = "genai-studio"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init logger
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Infow("config loaded", "config", cfg.String())

	// 3. Init telemetry
	ctx := context.Background()
	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg, log)
	if err != nil {
		log.Fatalw("failed to init tracer", "error", err)
	}
	defer shutdownTracer()

	// 4. Connect PostgreSQL when configured
	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalw("failed to connect postgres", "error", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalw("failed to ping postgres", "error", err)
		}
		log.Infow("PostgreSQL connected")
	}

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalw("failed to ping redis", "error", err)
	}
	log.Infow("Redis connected")

	// 6. Init auth
	var authStore auth.Store = sessionOnlyStore{}
	if pool != nil {
		pgAuth := auth.NewPostgresStore(pool)
		if err := pgAuth.EnsureSchema(ctx); err != nil {
			log.Fatalw("failed to prepare api key store", "error", err)
		}
		authStore = pgAuth
	} else {
		log.Warnw("POSTGRES_DSN not set, api keys disabled; only session tokens are accepted")
	}
	authMiddleware := auth.NewMiddleware(authStore, rdb, cfg.SessionSecret, log)

	// 7. Init quota
	store, err := newQuotaStore(ctx, cfg, pool, rdb)
	if err != nil {
		log.Fatalw("failed to init quota store", "backend", cfg.QuotaBackend, "error", err)
	}
	gate := quota.NewGate(store, cfg.MaxFreeCount)
	log.Infow("quota gate ready", "backend", cfg.QuotaBackend, "max_free", cfg.MaxFreeCount)

	// 8. Init rate limiter
	limiter := ratelimit.NewRedisLimiter(rdb, cfg.RateLimitRPM)

	// 9. Init providers and dispatcher
	dispatcher := proxy.NewDispatcher(newProviders(cfg, log), map[provider.Capability]string{
		provider.CapabilityChat: cfg.Providers.Chat.SystemPrompt,
		provider.CapabilityCode: cfg.Providers.Chat.CodeSystemPrompt,
	})

	// 10. Init handler
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	handler := proxy.NewHandler(dispatcher, gate, limiter, tracer, log)

	// 11. Seed dev API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" && pool != nil {
		seeder.SeedDevAPIKey(ctx, authStore, log)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"genai-studio"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/message", handler.HandleGenerate(provider.CapabilityChat))
		r.Post("/code", handler.HandleGenerate(provider.CapabilityCode))
		r.Post("/image", handler.HandleGenerate(provider.CapabilityImage))
		r.Post("/music", handler.HandleGenerate(provider.CapabilityAudio))
		r.Post("/video", handler.HandleGenerate(provider.CapabilityVideo))
		r.Get("/getApiUsage", handler.HandleUsage)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// video predictions can run for minutes
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infow("GenAI Studio starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	}()

	<-quit
	log.Infow("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("forced shutdown", "error", err)
		return
	}
	log.Infow("Server stopped")
}

func newQuotaStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client) (quota.Store, error) {
	switch cfg.QuotaBackend {
	case config.QuotaBackendPostgres:
		store := quota.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.QuotaBackendRedis:
		return quota.NewRedisStore(rdb), nil
	case config.QuotaBackendMemory:
		return quota.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown quota backend %q", cfg.QuotaBackend)
}

// newProviders leaves a capability unconfigured when its credential is
// missing; requests for it are answered with 501.
func newProviders(cfg *config.Config, log *zap.SugaredLogger) proxy.Providers {
	var providers proxy.Providers

	if cfg.OpenAIAPIKey != "" {
		oa := openai.New(cfg.OpenAIAPIKey, cfg.Providers.Chat.Model, cfg.Providers.Image.Size)
		providers.Chat = oa
		providers.Image = oa
	} else {
		log.Warnw("OPENAI_API_KEY not set, chat, code and image disabled")
	}

	if cfg.ReplicateAPIToken != "" {
		rp := replicate.New(cfg.ReplicateAPIToken, cfg.Providers.Audio, cfg.Providers.Video)
		providers.Audio = rp
		providers.Video = rp
	} else {
		log.Warnw("REPLICATE_API_TOKEN not set, music and video disabled")
	}

	return providers
}

// sessionOnlyStore rejects every API key. It stands in for the Postgres
// key store when no database is configured.
type sessionOnlyStore struct{}

func (sessionOnlyStore) GetByKey(ctx context.Context, key string) (*auth.APIKey, error) {
	return nil, auth.ErrKeyNotFound
}

func (sessionOnlyStore) Create(ctx context.Context, apiKey *auth.APIKey) error {
	return fmt.Errorf("api keys require POSTGRES_DSN")
}

func (sessionOnlyStore) Revoke(ctx context.Context, keyID string) error {
	return auth.ErrKeyNotFound
}
