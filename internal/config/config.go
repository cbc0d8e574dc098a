package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int      `mapstructure:"port"`
	GRPCPort       int      `mapstructure:"grpc_port"`      // gRPC health endpoint; 0 = disabled
	StorageDriver  string   `mapstructure:"storage_driver"` // memory | sqlite | postgres
	DatabasePath   string   `mapstructure:"database_path"`  // sqlite file path
	DatabaseURL    string   `mapstructure:"database_url"`   // postgres DSN
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	CatalogDir        string `mapstructure:"catalog_dir"`         // manifest directory; "" = no file catalog
	CatalogAutoReload bool   `mapstructure:"catalog_auto_reload"` // watch CatalogDir and hot-reload manifests

	RequestTimeoutSec  int `mapstructure:"request_timeout_sec"`  // HTTP read/write; 0 = use server default
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"` // Graceful shutdown wait

	MaxConcurrentActivations int `mapstructure:"max_concurrent_activations"` // Global cap; excess waits FIFO or is rejected
	ActivationTimeoutSec     int `mapstructure:"activation_timeout_sec"`     // Default end-to-end budget per activation
	StepTimeoutSec           int `mapstructure:"step_timeout_sec"`           // Default per-step budget
	ActivationQueueSec       int `mapstructure:"activation_queue_sec"`       // Max FIFO wait for a concurrency slot

	ResolutionTimeoutSec int `mapstructure:"resolution_timeout_sec"` // Dependency resolution budget
	ResolutionCacheTTL   int `mapstructure:"resolution_cache_ttl"`   // Seconds; 0 = cache disabled
	ResolutionCacheSize  int `mapstructure:"resolution_cache_size"`  // Max cached resolutions

	NamespaceMaxDepth  int    `mapstructure:"namespace_max_depth"`  // Default tree depth cap
	ExportHMACKey      string `mapstructure:"export_hmac_key"`      // Base64 key for export checksums; "" = derive from master key
	MasterKey          string `mapstructure:"master_key"`           // Base64 32-byte root key for config encryption
	AuditRetainEntries int    `mapstructure:"audit_retain_entries"` // Per-namespace audit ring size; 0 = unbounded

	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"` // Token bucket rate per client IP; 0 = no limit
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`   // Token bucket burst per client IP; 0 = no limit

	MaxManifestBytes int `mapstructure:"max_manifest_bytes"` // Max manifest body size for module registration; 0 = default 512KB

	TracingEndpoint     string  `mapstructure:"tracing_endpoint"`      // OTLP endpoint; "" = tracing disabled
	TracingSamplingRate float64 `mapstructure:"tracing_sampling_rate"` // 0..1
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/moduleplane/")
	viper.AddConfigPath("$HOME/.moduleplane")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("grpc_port", 0)
	viper.SetDefault("storage_driver", "memory")
	viper.SetDefault("database_path", "./moduleplane.db")
	viper.SetDefault("database_url", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("catalog_dir", "")
	viper.SetDefault("catalog_auto_reload", true)
	viper.SetDefault("request_timeout_sec", 30)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("max_concurrent_activations", 16)
	viper.SetDefault("activation_timeout_sec", 300)
	viper.SetDefault("step_timeout_sec", 60)
	viper.SetDefault("activation_queue_sec", 120)
	viper.SetDefault("resolution_timeout_sec", 30)
	viper.SetDefault("resolution_cache_ttl", 300)
	viper.SetDefault("resolution_cache_size", 1024)
	viper.SetDefault("namespace_max_depth", 16)
	viper.SetDefault("export_hmac_key", "")
	viper.SetDefault("master_key", "")
	viper.SetDefault("audit_retain_entries", 10000)
	viper.SetDefault("rate_limit_per_sec", 0) // 0 = disabled
	viper.SetDefault("rate_limit_burst", 0)
	viper.SetDefault("max_manifest_bytes", 512*1024)
	viper.SetDefault("tracing_endpoint", "")
	viper.SetDefault("tracing_sampling_rate", 1.0)

	// Environment variables
	viper.SetEnvPrefix("MODULEPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
