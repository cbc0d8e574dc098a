package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg == nil {
		t.Fatal("Config should not be nil")
	}

	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.GRPCPort != 0 {
		t.Errorf("Expected gRPC endpoint disabled by default, got port %d", cfg.GRPCPort)
	}
	if cfg.StorageDriver != "memory" {
		t.Errorf("Expected default storage driver 'memory', got %s", cfg.StorageDriver)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("Expected default allowed origins ['*'], got %v", cfg.AllowedOrigins)
	}
	if cfg.MaxConcurrentActivations != 16 {
		t.Errorf("Expected default activation cap 16, got %d", cfg.MaxConcurrentActivations)
	}
	if cfg.ActivationTimeoutSec != 300 {
		t.Errorf("Expected default activation timeout 300s, got %d", cfg.ActivationTimeoutSec)
	}
	if cfg.ResolutionCacheSize != 1024 {
		t.Errorf("Expected default resolution cache size 1024, got %d", cfg.ResolutionCacheSize)
	}
	if cfg.NamespaceMaxDepth != 16 {
		t.Errorf("Expected default namespace depth cap 16, got %d", cfg.NamespaceMaxDepth)
	}
	if cfg.RateLimitPerSec != 0 || cfg.RateLimitBurst != 0 {
		t.Errorf("Expected rate limiting disabled by default, got %v/%d", cfg.RateLimitPerSec, cfg.RateLimitBurst)
	}
	if !cfg.CatalogAutoReload {
		t.Error("Expected catalog auto reload enabled by default")
	}
	if cfg.TracingEndpoint != "" {
		t.Errorf("Expected tracing disabled by default, got endpoint %s", cfg.TracingEndpoint)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("MODULEPLANE_PORT", "9000")
	os.Setenv("MODULEPLANE_STORAGE_DRIVER", "sqlite")
	os.Setenv("MODULEPLANE_DATABASE_PATH", "/tmp/test.db")
	os.Setenv("MODULEPLANE_LOG_LEVEL", "debug")
	os.Setenv("MODULEPLANE_RATE_LIMIT_PER_SEC", "25")
	defer func() {
		os.Unsetenv("MODULEPLANE_PORT")
		os.Unsetenv("MODULEPLANE_STORAGE_DRIVER")
		os.Unsetenv("MODULEPLANE_DATABASE_PATH")
		os.Unsetenv("MODULEPLANE_LOG_LEVEL")
		os.Unsetenv("MODULEPLANE_RATE_LIMIT_PER_SEC")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Expected port 9000 from env, got %d", cfg.Port)
	}
	if cfg.StorageDriver != "sqlite" {
		t.Errorf("Expected storage driver 'sqlite' from env, got %s", cfg.StorageDriver)
	}
	if cfg.DatabasePath != "/tmp/test.db" {
		t.Errorf("Expected database path '/tmp/test.db' from env, got %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug' from env, got %s", cfg.LogLevel)
	}
	if cfg.RateLimitPerSec != 25 {
		t.Errorf("Expected rate limit 25/s from env, got %v", cfg.RateLimitPerSec)
	}
}

func TestLoad_AllowedOriginsCommaSeparated(t *testing.T) {
	os.Setenv("MODULEPLANE_ALLOWED_ORIGINS", "http://localhost:3000,https://example.com")
	defer os.Unsetenv("MODULEPLANE_ALLOWED_ORIGINS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("Expected 2 allowed origins, got %d: %v", len(cfg.AllowedOrigins), cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[0] != "http://localhost:3000" || cfg.AllowedOrigins[1] != "https://example.com" {
		t.Errorf("Unexpected allowed origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load should not error when config file is missing: %v", err)
	}
	if cfg == nil {
		t.Fatal("Config should not be nil even without config file")
	}
}
