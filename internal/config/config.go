package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "GIGBOARD"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "gigboard.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "gigboard_session"
	defaultGitHubAPIBase  = "https://api.github.com"
	defaultAnalyticsHost  = "https://app.posthog.com"
	defaultStorageDir     = "uploads"
	defaultStorageBaseURL = "/files"
	defaultSessionTTL     = 12 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	SessionSecret    string
	SessionCookie    string
	SessionTTL       time.Duration
	DatabasePath     string
	LogLevel         string
	GitHubAPIBase    string
	AnalyticsAPIKey  string
	AnalyticsHost    string
	AnalyticsEnv     string
	StorageDirectory string
	StorageBaseURL   string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_minutes", int(defaultSessionTTL.Minutes()))
	configViper.SetDefault("github.api_base", defaultGitHubAPIBase)
	configViper.SetDefault("analytics.host", defaultAnalyticsHost)
	configViper.SetDefault("analytics.env", "")
	configViper.SetDefault("storage.directory", defaultStorageDir)
	configViper.SetDefault("storage.base_url", defaultStorageBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		SessionSecret:    configViper.GetString("session.signing_secret"),
		SessionCookie:    configViper.GetString("session.cookie_name"),
		SessionTTL:       time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		GitHubAPIBase:    configViper.GetString("github.api_base"),
		AnalyticsAPIKey:  configViper.GetString("analytics.api_key"),
		AnalyticsHost:    configViper.GetString("analytics.host"),
		AnalyticsEnv:     configViper.GetString("analytics.env"),
		StorageDirectory: configViper.GetString("storage.directory"),
		StorageBaseURL:   configViper.GetString("storage.base_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	return nil
}
