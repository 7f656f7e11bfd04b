package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("http address = %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "gigboard.db" {
		t.Fatalf("database path = %q", cfg.DatabasePath)
	}
	if cfg.SessionCookie != "gigboard_session" {
		t.Fatalf("cookie = %q", cfg.SessionCookie)
	}
	if cfg.SessionTTL != 12*time.Hour {
		t.Fatalf("session ttl = %v", cfg.SessionTTL)
	}
	if cfg.GitHubAPIBase != "https://api.github.com" {
		t.Fatalf("github api base = %q", cfg.GitHubAPIBase)
	}
	if cfg.StorageDirectory != "uploads" || cfg.StorageBaseURL != "/files" {
		t.Fatalf("storage = %q/%q", cfg.StorageDirectory, cfg.StorageBaseURL)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatal("expected error without signing secret")
	}
}

func TestLoadOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("http.address", "127.0.0.1:9999")
	configViper.Set("session.ttl_minutes", 30)
	configViper.Set("analytics.api_key", "phk_test")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("http address = %q", cfg.HTTPAddress)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("session ttl = %v", cfg.SessionTTL)
	}
	if cfg.AnalyticsAPIKey != "phk_test" {
		t.Fatalf("analytics key = %q", cfg.AnalyticsAPIKey)
	}
}

func TestLoadRejectsNonPositiveTTL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("session.ttl_minutes", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestEnvironmentBinding(t *testing.T) {
	t.Setenv("GIGBOARD_SESSION_SIGNING_SECRET", "env-secret")
	t.Setenv("GIGBOARD_HTTP_ADDRESS", "0.0.0.0:7070")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionSecret != "env-secret" {
		t.Fatalf("secret = %q", cfg.SessionSecret)
	}
	if cfg.HTTPAddress != "0.0.0.0:7070" {
		t.Fatalf("http address = %q", cfg.HTTPAddress)
	}
}
