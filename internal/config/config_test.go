package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SearchBackend != SearchBackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.SearchBackend)
	}
	if cfg.SearchPageSize != 25 || cfg.SearchMaxHits != 1000 {
		t.Fatalf("unexpected search defaults: %+v", cfg)
	}
	if cfg.OutboxPollInterval != 5*time.Second || cfg.JobsHandleTTL != 24*time.Hour {
		t.Fatalf("unexpected durations: %s %s", cfg.OutboxPollInterval, cfg.JobsHandleTTL)
	}
	if cfg.JobsStorePath != "" {
		t.Fatalf("expected in-memory job store by default, got %q", cfg.JobsStorePath)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("KURA_TAUTH_SIGNING_SECRET", "from-env")
	t.Setenv("KURA_SEARCH_BACKEND", "Weaviate")
	t.Setenv("KURA_OUTBOX_POLL_INTERVAL", "750ms")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TAuthSigningKey != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.TAuthSigningKey)
	}
	if cfg.SearchBackend != SearchBackendWeaviate {
		t.Fatalf("expected weaviate backend, got %q", cfg.SearchBackend)
	}
	if cfg.OutboxPollInterval != 750*time.Millisecond {
		t.Fatalf("expected 750ms poll interval, got %s", cfg.OutboxPollInterval)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{name: "missing secret", key: "tauth.signing_secret", value: "", message: "tauth.signing_secret"},
		{name: "unknown backend", key: "search.backend", value: "solr", message: "search.backend"},
		{name: "negative clock skew", key: "tauth.clock_skew", value: "-1s", message: "tauth.clock_skew"},
		{name: "zero workers", key: "jobs.workers", value: 0, message: "jobs.workers"},
		{name: "zero page size", key: "search.page_size", value: 0, message: "search.page_size"},
		{name: "no export target", key: "exports.local_path", value: "", message: "exports.bucket"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("tauth.signing_secret", "secret")
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
