package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "KURA"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "kura.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "app_session"
	defaultIssuer       = "tauth"

	SearchBackendMemory   = "memory"
	SearchBackendWeaviate = "weaviate"
	SearchBackendDisabled = "disabled"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	TAuthSigningKey string
	TAuthIssuer     string
	TAuthCookieName string
	TAuthClockSkew  time.Duration
	DatabasePath    string
	LogLevel        string

	SearchBackend       string
	WeaviateURL         string
	WeaviateClassPrefix string
	SearchPageSize      int
	SearchMaxHits       int

	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxRetryAttempts int
	OutboxRetention     time.Duration

	JobsStorePath string
	JobsWorkers   int
	JobsHandleTTL time.Duration

	ExportItemInterval time.Duration
	ExportBucket       string
	ExportGCSEndpoint  string
	ExportLocalPath    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("tauth.clock_skew", 30*time.Second)

	configViper.SetDefault("search.backend", SearchBackendMemory)
	configViper.SetDefault("search.weaviate_url", "http://localhost:8081")
	configViper.SetDefault("search.weaviate_class_prefix", "Kura")
	configViper.SetDefault("search.page_size", 25)
	configViper.SetDefault("search.max_hits", 1000)

	configViper.SetDefault("outbox.poll_interval", 5*time.Second)
	configViper.SetDefault("outbox.batch_size", 100)
	configViper.SetDefault("outbox.max_attempts", 10)
	configViper.SetDefault("outbox.retry_attempts", 3)
	configViper.SetDefault("outbox.retention", 7*24*time.Hour)

	configViper.SetDefault("jobs.store_path", "")
	configViper.SetDefault("jobs.workers", 4)
	configViper.SetDefault("jobs.handle_ttl", 24*time.Hour)

	configViper.SetDefault("exports.item_interval", time.Second)
	configViper.SetDefault("exports.bucket", "")
	configViper.SetDefault("exports.gcs_endpoint", "")
	configViper.SetDefault("exports.local_path", "exports")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthClockSkew:  configViper.GetDuration("tauth.clock_skew"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),

		SearchBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("search.backend"))),
		WeaviateURL:         configViper.GetString("search.weaviate_url"),
		WeaviateClassPrefix: configViper.GetString("search.weaviate_class_prefix"),
		SearchPageSize:      configViper.GetInt("search.page_size"),
		SearchMaxHits:       configViper.GetInt("search.max_hits"),

		OutboxPollInterval:  configViper.GetDuration("outbox.poll_interval"),
		OutboxBatchSize:     configViper.GetInt("outbox.batch_size"),
		OutboxMaxAttempts:   configViper.GetInt("outbox.max_attempts"),
		OutboxRetryAttempts: configViper.GetInt("outbox.retry_attempts"),
		OutboxRetention:     configViper.GetDuration("outbox.retention"),

		JobsStorePath: configViper.GetString("jobs.store_path"),
		JobsWorkers:   configViper.GetInt("jobs.workers"),
		JobsHandleTTL: configViper.GetDuration("jobs.handle_ttl"),

		ExportItemInterval: configViper.GetDuration("exports.item_interval"),
		ExportBucket:       configViper.GetString("exports.bucket"),
		ExportGCSEndpoint:  configViper.GetString("exports.gcs_endpoint"),
		ExportLocalPath:    configViper.GetString("exports.local_path"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("tauth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.TAuthClockSkew < 0 {
		return fmt.Errorf("tauth.clock_skew must not be negative")
	}
	switch c.SearchBackend {
	case SearchBackendMemory, SearchBackendDisabled:
	case SearchBackendWeaviate:
		if strings.TrimSpace(c.WeaviateURL) == "" {
			return fmt.Errorf("search.weaviate_url is required for the weaviate backend")
		}
	default:
		return fmt.Errorf("search.backend %q is not one of memory, weaviate, disabled", c.SearchBackend)
	}
	if c.SearchPageSize < 1 {
		return fmt.Errorf("search.page_size must be positive")
	}
	if c.SearchMaxHits < 1 {
		return fmt.Errorf("search.max_hits must be positive")
	}
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be positive")
	}
	if c.OutboxBatchSize < 1 || c.OutboxMaxAttempts < 1 || c.OutboxRetryAttempts < 1 {
		return fmt.Errorf("outbox batch size and attempt limits must be positive")
	}
	if c.JobsWorkers < 1 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	if c.JobsHandleTTL <= 0 {
		return fmt.Errorf("jobs.handle_ttl must be positive")
	}
	if c.ExportItemInterval < 0 {
		return fmt.Errorf("exports.item_interval must not be negative")
	}
	if strings.TrimSpace(c.ExportBucket) == "" && strings.TrimSpace(c.ExportLocalPath) == "" {
		return fmt.Errorf("exports.bucket or exports.local_path is required")
	}
	return nil
}
