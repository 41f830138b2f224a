package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "SCRIBE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "scribe.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "scribe_session"
	defaultRemoteAPIURL = "https://api.github.com"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	CapabilitySecret  string
	RemoteAPIURL      string
	RemoteAPIToken    string
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
	configViper.SetDefault("session.issuer", "scribe-auth")
	configViper.SetDefault("remote.api_url", defaultRemoteAPIURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		CapabilitySecret:  configViper.GetString("capability.signing_secret"),
		RemoteAPIURL:      configViper.GetString("remote.api_url"),
		RemoteAPIToken:    configViper.GetString("remote.api_token"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.CapabilitySecret) == "" {
		return fmt.Errorf("capability.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.RemoteAPIURL) == "" {
		return fmt.Errorf("remote.api_url is required")
	}
	return nil
}
