package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	QuotaBackendPostgres = "postgres"
	QuotaBackendRedis    = "redis"
	QuotaBackendMemory   = "memory"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Quota
	QuotaBackend string // "postgres", "redis" or "memory"
	MaxFreeCount int    // default: 5

	// Providers
	OpenAIAPIKey      string
	ReplicateAPIToken string
	ProvidersFile     string
	Providers         *Providers

	// Identity
	SessionSecret string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string
	LogFormat            string // "json" or "console"

	// Rate Limiting
	RateLimitRPM int64 // requests per minute per user, default: 60
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		QuotaBackend:         getEnv("QUOTA_BACKEND", QuotaBackendPostgres),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		ReplicateAPIToken:    os.Getenv("REPLICATE_API_TOKEN"),
		ProvidersFile:        os.Getenv("PROVIDERS_FILE"),
		SessionSecret:        os.Getenv("SESSION_SECRET"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}

	maxFree, err := strconv.Atoi(getEnv("MAX_FREE_COUNTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_FREE_COUNTS: %w", err)
	}
	if maxFree < 0 {
		return nil, fmt.Errorf("MAX_FREE_COUNTS must not be negative, got %d", maxFree)
	}
	cfg.MaxFreeCount = maxFree

	rpm, err := strconv.ParseInt(getEnv("RATE_LIMIT_RPM", "60"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPM: %w", err)
	}
	cfg.RateLimitRPM = rpm

	providers, err := LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.QuotaBackend {
	case QuotaBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for quota backend %q", c.QuotaBackend)
		}
	case QuotaBackendRedis, QuotaBackendMemory:
	default:
		return fmt.Errorf("unknown QUOTA_BACKEND %q", c.QuotaBackend)
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive, got %d", c.RateLimitRPM)
	}
	return nil
}

// String renders the config with provider credentials masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"port=%s quota_backend=%s max_free=%d openai_key=%s replicate_token=%s session_secret=%s otel=%s rate_limit_rpm=%d",
		c.Port, c.QuotaBackend, c.MaxFreeCount,
		mask(c.OpenAIAPIKey), mask(c.ReplicateAPIToken), mask(c.SessionSecret),
		c.OTELExporterType, c.RateLimitRPM,
	)
}

func mask(secret string) string {
	if secret == "" {
		return "<unset>"
	}
	return "<redacted>"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
