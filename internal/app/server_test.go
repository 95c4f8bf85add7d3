package app

import (
	"os"
	"testing"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"VGATE_LISTEN_ADDR",
		"VGATE_LOG_LEVEL",
		"VGATE_DB_DSN",
		"VGATE_VAULT_ENABLED",
		"VGATE_DEFAULT_STRATEGY",
		"VGATE_DEFAULT_MAX_BUDGET_USD",
		"VGATE_DEFAULT_MAX_LATENCY_MS",
		"VGATE_PROVIDER_TIMEOUT_SECS",
		"VGATE_RATE_LIMIT_CAPACITY",
		"VGATE_RATE_LIMIT_REFILL",
		"VGATE_RATE_LIMIT_PERIOD_SECS",
		"VGATE_RATE_LIMIT_QUEUE_LIMIT",
		"VGATE_FINETUNE_SYNC_INTERVAL_SECS",
	}
	for _, key := range envVars {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBDSN != "file:/data/gateway.sqlite" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file:/data/gateway.sqlite")
	}
	if cfg.VaultEnabled != true {
		t.Errorf("VaultEnabled = %v, want true", cfg.VaultEnabled)
	}
	if cfg.DefaultStrategy != "smart" {
		t.Errorf("DefaultStrategy = %q, want %q", cfg.DefaultStrategy, "smart")
	}
	if cfg.DefaultMaxBudgetUSD != 0.05 {
		t.Errorf("DefaultMaxBudgetUSD = %f, want 0.05", cfg.DefaultMaxBudgetUSD)
	}
	if cfg.DefaultMaxLatencyMs != 20000 {
		t.Errorf("DefaultMaxLatencyMs = %d, want 20000", cfg.DefaultMaxLatencyMs)
	}
	if cfg.ProviderTimeoutSecs != 30 {
		t.Errorf("ProviderTimeoutSecs = %d, want 30", cfg.ProviderTimeoutSecs)
	}
	if cfg.FineTuneSyncInterval != 300 {
		t.Errorf("FineTuneSyncInterval = %d, want 300", cfg.FineTuneSyncInterval)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VGATE_LISTEN_ADDR", ":9090")
	t.Setenv("VGATE_LOG_LEVEL", "debug")
	t.Setenv("VGATE_DB_DSN", "file::memory:")
	t.Setenv("VGATE_VAULT_ENABLED", "false")
	t.Setenv("VGATE_DEFAULT_STRATEGY", "cost-optimized")
	t.Setenv("VGATE_DEFAULT_MAX_BUDGET_USD", "1.5")
	t.Setenv("VGATE_DEFAULT_MAX_LATENCY_MS", "5000")
	t.Setenv("VGATE_PROVIDER_TIMEOUT_SECS", "60")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.DBDSN != "file::memory:" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file::memory:")
	}
	if cfg.VaultEnabled != false {
		t.Errorf("VaultEnabled = %v, want false", cfg.VaultEnabled)
	}
	if cfg.DefaultStrategy != "cost-optimized" {
		t.Errorf("DefaultStrategy = %q, want %q", cfg.DefaultStrategy, "cost-optimized")
	}
	if cfg.DefaultMaxBudgetUSD != 1.5 {
		t.Errorf("DefaultMaxBudgetUSD = %f, want 1.5", cfg.DefaultMaxBudgetUSD)
	}
	if cfg.DefaultMaxLatencyMs != 5000 {
		t.Errorf("DefaultMaxLatencyMs = %d, want 5000", cfg.DefaultMaxLatencyMs)
	}
	if cfg.ProviderTimeoutSecs != 60 {
		t.Errorf("ProviderTimeoutSecs = %d, want 60", cfg.ProviderTimeoutSecs)
	}
}

func TestLoadConfigInvalidEnvFallsBackToDefaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VGATE_VAULT_ENABLED", "notabool")
	t.Setenv("VGATE_DEFAULT_MAX_LATENCY_MS", "notanint")
	t.Setenv("VGATE_DEFAULT_MAX_BUDGET_USD", "notafloat")
	t.Setenv("VGATE_PROVIDER_TIMEOUT_SECS", "notanint")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.VaultEnabled != true {
		t.Errorf("VaultEnabled = %v, want true (default on invalid input)", cfg.VaultEnabled)
	}
	if cfg.DefaultMaxLatencyMs != 20000 {
		t.Errorf("DefaultMaxLatencyMs = %d, want 20000 (default on invalid input)", cfg.DefaultMaxLatencyMs)
	}
	if cfg.DefaultMaxBudgetUSD != 0.05 {
		t.Errorf("DefaultMaxBudgetUSD = %f, want 0.05 (default on invalid input)", cfg.DefaultMaxBudgetUSD)
	}
	if cfg.ProviderTimeoutSecs != 30 {
		t.Errorf("ProviderTimeoutSecs = %d, want 30 (default on invalid input)", cfg.ProviderTimeoutSecs)
	}
}

func TestConfigValidateRejectsZeroRateLimitCapacity(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimitCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero RateLimitCapacity, got nil")
	}
}

func TestConfigValidateRejectsAllZeroRoutingWeights(t *testing.T) {
	cfg := newTestConfig()
	cfg.RoutingWeightCost = 0
	cfg.RoutingWeightLatency = 0
	cfg.RoutingWeightQuality = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for all-zero routing weights, got nil")
	}
}

func newTestConfig() Config {
	return Config{
		ListenAddr:             ":0",
		LogLevel:               "error",
		DBDSN:                  ":memory:",
		VaultEnabled:           false,
		DefaultStrategy:        "smart",
		DefaultMaxBudgetUSD:    0.05,
		DefaultMaxLatencyMs:    20000,
		RoutingWeightCost:      0.4,
		RoutingWeightLatency:   0.4,
		RoutingWeightQuality:   0.2,
		ProviderTimeoutSecs:    30,
		RateLimitCapacity:      60,
		RateLimitRefill:        60,
		RateLimitPeriodSecs:    60,
		RateLimitQueueLimit:    32,
		FineTuneSyncInterval:   300,
		PricingRefreshInterval: 0, // disable the background refresh loop in tests
		ContentFilterMode:      "permissive",
	}
}

func TestNewServer(t *testing.T) {
	cfg := newTestConfig()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv == nil {
		t.Fatal("expected non-nil server")
	}
}

func TestNewServerHasRouter(t *testing.T) {
	cfg := newTestConfig()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.Router() == nil {
		t.Fatal("expected non-nil Router()")
	}
}

func TestServerClose(t *testing.T) {
	cfg := newTestConfig()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestServerReload(t *testing.T) {
	cfg := newTestConfig()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.cfg.RateLimitRefill != 60 {
		t.Fatalf("initial RateLimitRefill = %d, want 60", srv.cfg.RateLimitRefill)
	}
	if srv.cfg.DefaultStrategy != "smart" {
		t.Fatalf("initial DefaultStrategy = %q, want %q", srv.cfg.DefaultStrategy, "smart")
	}

	newCfg := cfg
	newCfg.RateLimitRefill = 100
	newCfg.RateLimitCapacity = 200
	newCfg.DefaultStrategy = "cost-optimized"
	newCfg.DefaultMaxBudgetUSD = 1.0
	newCfg.DefaultMaxLatencyMs = 5000
	newCfg.LogLevel = "debug"

	srv.Reload(newCfg)

	if srv.cfg.RateLimitRefill != 100 {
		t.Errorf("after Reload RateLimitRefill = %d, want 100", srv.cfg.RateLimitRefill)
	}
	if srv.cfg.RateLimitCapacity != 200 {
		t.Errorf("after Reload RateLimitCapacity = %d, want 200", srv.cfg.RateLimitCapacity)
	}
	if srv.cfg.DefaultStrategy != "cost-optimized" {
		t.Errorf("after Reload DefaultStrategy = %q, want %q", srv.cfg.DefaultStrategy, "cost-optimized")
	}
	if srv.cfg.DefaultMaxBudgetUSD != 1.0 {
		t.Errorf("after Reload DefaultMaxBudgetUSD = %f, want 1.0", srv.cfg.DefaultMaxBudgetUSD)
	}
	if srv.cfg.DefaultMaxLatencyMs != 5000 {
		t.Errorf("after Reload DefaultMaxLatencyMs = %d, want 5000", srv.cfg.DefaultMaxLatencyMs)
	}
	if srv.cfg.LogLevel != "debug" {
		t.Errorf("after Reload LogLevel = %q, want %q", srv.cfg.LogLevel, "debug")
	}
}
