package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the immutable snapshot of gateway configuration. Reload
// swaps the whole value rather than mutating fields in place, so
// readers never observe a half-applied config.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	DefaultStrategy     string // default routing.Strategy name
	DefaultMaxBudgetUSD float64
	DefaultMaxLatencyMs int

	RoutingWeightCost    float64 // smart strategy weight, cost term
	RoutingWeightLatency float64 // smart strategy weight, latency term
	RoutingWeightQuality float64 // smart strategy weight, quality term
	ExperimentalArmRate  float64 // probability the experimental strategy picks an experimental model

	ProviderTimeoutSecs int

	// Rate limiting (per API key, §4.5).
	RateLimitCapacity   int // token bucket capacity per key
	RateLimitRefill     int // tokens added per refill period
	RateLimitPeriodSecs int
	RateLimitQueueLimit int // max waiters queued once bucket is empty

	// Security & hardening.
	AdminToken  string   // required for /admin/v1 access
	JWTSecret   string   // read from VGATE_JWT_SECRET; no middleware validates JWTs with it
	CORSOrigins []string // allowed CORS origins; empty = ["*"]

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// Temporal workflow engine — runs the optional chat orchestration
	// workflows; background sync does not use it.
	TemporalEnabled      bool
	TemporalHostPort     string
	TemporalNamespace    string
	TemporalTaskQueue    string
	FineTuneSyncInterval int // seconds between fine-tuning job polls, default 300

	// External credentials file for provider API keys.
	CredentialsFile string

	// Content filter (§4.6).
	ContentFilterEnabled bool
	ContentFilterMode    string // "permissive" or "keyword"

	// Pricing refresh (LiteLLM-style feed).
	PricingRefreshURL      string
	PricingRefreshInterval int // seconds, default 3600

	LogRetentionDays int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("VGATE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("VGATE_LOG_LEVEL", "info"),
		DBDSN:      getEnv("VGATE_DB_DSN", "file:/data/gateway.sqlite"),

		VaultEnabled:  getEnvBool("VGATE_VAULT_ENABLED", true),
		VaultPassword: getEnv("VGATE_VAULT_PASSWORD", ""),

		DefaultStrategy:     getEnv("VGATE_DEFAULT_STRATEGY", "smart"),
		DefaultMaxBudgetUSD: getEnvFloat("VGATE_DEFAULT_MAX_BUDGET_USD", 0.05),
		DefaultMaxLatencyMs: getEnvInt("VGATE_DEFAULT_MAX_LATENCY_MS", 20000),

		RoutingWeightCost:    getEnvFloat("VGATE_ROUTING_WEIGHT_COST", 0.4),
		RoutingWeightLatency: getEnvFloat("VGATE_ROUTING_WEIGHT_LATENCY", 0.4),
		RoutingWeightQuality: getEnvFloat("VGATE_ROUTING_WEIGHT_QUALITY", 0.2),
		ExperimentalArmRate:  getEnvFloat("VGATE_EXPERIMENTAL_ARM_RATE", 0.1),

		ProviderTimeoutSecs: getEnvInt("VGATE_PROVIDER_TIMEOUT_SECS", 30),

		RateLimitCapacity:   getEnvInt("VGATE_RATE_LIMIT_CAPACITY", 60),
		RateLimitRefill:     getEnvInt("VGATE_RATE_LIMIT_REFILL", 60),
		RateLimitPeriodSecs: getEnvInt("VGATE_RATE_LIMIT_PERIOD_SECS", 60),
		RateLimitQueueLimit: getEnvInt("VGATE_RATE_LIMIT_QUEUE_LIMIT", 32),

		AdminToken:  getEnv("VGATE_ADMIN_TOKEN", ""),
		JWTSecret:   getEnv("VGATE_JWT_SECRET", ""),
		CORSOrigins: getEnvStringSlice("VGATE_CORS_ORIGINS", nil),

		OTelEnabled:     getEnvBool("VGATE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("VGATE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("VGATE_OTEL_SERVICE_NAME", "vectorgate"),

		TemporalEnabled:      getEnvBool("VGATE_TEMPORAL_ENABLED", false),
		TemporalHostPort:     getEnv("VGATE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace:    getEnv("VGATE_TEMPORAL_NAMESPACE", "vectorgate"),
		TemporalTaskQueue:    getEnv("VGATE_TEMPORAL_TASK_QUEUE", "vectorgate-backgroundsync"),
		FineTuneSyncInterval: getEnvInt("VGATE_FINETUNE_SYNC_INTERVAL_SECS", 300),

		CredentialsFile: getEnv("VGATE_CREDENTIALS_FILE", defaultCredentialsPath()),

		ContentFilterEnabled: getEnvBool("VGATE_CONTENT_FILTER_ENABLED", true),
		ContentFilterMode:    getEnv("VGATE_CONTENT_FILTER_MODE", "keyword"),

		PricingRefreshURL:      getEnv("VGATE_PRICING_REFRESH_URL", "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"),
		PricingRefreshInterval: getEnvInt("VGATE_PRICING_REFRESH_INTERVAL_SECS", 3600),

		LogRetentionDays: getEnvInt("VGATE_LOG_RETENTION_DAYS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitCapacity <= 0 {
		return fmt.Errorf("VGATE_RATE_LIMIT_CAPACITY must be > 0, got %d", c.RateLimitCapacity)
	}
	if c.RateLimitRefill <= 0 {
		return fmt.Errorf("VGATE_RATE_LIMIT_REFILL must be > 0, got %d", c.RateLimitRefill)
	}
	if c.RateLimitPeriodSecs <= 0 {
		return fmt.Errorf("VGATE_RATE_LIMIT_PERIOD_SECS must be > 0, got %d", c.RateLimitPeriodSecs)
	}
	if c.RateLimitQueueLimit < 0 {
		return fmt.Errorf("VGATE_RATE_LIMIT_QUEUE_LIMIT must be >= 0, got %d", c.RateLimitQueueLimit)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("VGATE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.DefaultMaxBudgetUSD < 0 {
		return fmt.Errorf("VGATE_DEFAULT_MAX_BUDGET_USD must be >= 0, got %f", c.DefaultMaxBudgetUSD)
	}
	if c.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("VGATE_DEFAULT_MAX_LATENCY_MS must be > 0, got %d", c.DefaultMaxLatencyMs)
	}
	sumW := c.RoutingWeightCost + c.RoutingWeightLatency + c.RoutingWeightQuality
	if sumW <= 0 {
		return fmt.Errorf("routing weights must sum to a positive value, got %f", sumW)
	}
	if c.FineTuneSyncInterval <= 0 {
		return fmt.Errorf("VGATE_FINETUNE_SYNC_INTERVAL_SECS must be > 0, got %d", c.FineTuneSyncInterval)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".vectorgate", "credentials")
	}
	return ""
}
