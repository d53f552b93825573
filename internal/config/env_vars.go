package config

import (
	"strings"
	"time"
)

const (
	DefaultAPIBaseURL = "https://example.com"
	DefaultAPITimeout = 10 * time.Second
	DefaultStorageKey = "supabase.auth.token"
)

// EnvVars holds every setting sourced from the environment.
type EnvVars struct {
	AppName  string `env:"APP_NAME" envDefault:"Invoicer"`
	Env      string `env:"ENV" envDefault:"DEV"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ProviderURL         string        `env:"SUPABASE_URL"`
	ProviderKey         string        `env:"SUPABASE_ANON_KEY"`
	StorageKey          string        `env:"AUTH_STORAGE_KEY" envDefault:"supabase.auth.token"`
	RefreshMargin       time.Duration `env:"AUTH_REFRESH_MARGIN" envDefault:"30s"`
	AutoRefreshInterval time.Duration `env:"AUTH_AUTO_REFRESH_INTERVAL" envDefault:"0s"`

	APIBaseURL string        `env:"API_URL" envDefault:"https://example.com"`
	APITimeout time.Duration `env:"API_TIMEOUT" envDefault:"10s"`

	StorageBackend    StorageBackend `env:"AUTH_STORAGE" envDefault:"file"`
	StorageFile       string         `env:"AUTH_STORAGE_FILE" envDefault:"./data/session.json"`
	StoragePassphrase string         `env:"AUTH_STORAGE_PASSPHRASE"`
	RedisAddr         string         `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix       string         `env:"REDIS_PREFIX" envDefault:"invoicer:"`
}

var _ EnvConfig = EnvVars{}
var _ ProviderConfig = EnvVars{}
var _ APIConfig = EnvVars{}
var _ StorageConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return orDefault(e.AppName, "Invoicer")
}

func (e EnvVars) GetEnv() string {
	return strings.ToUpper(orDefault(e.Env, "DEV"))
}

func (e EnvVars) GetLogLevel() string {
	return orDefault(e.LogLevel, "info")
}

func (e EnvVars) GetProviderURL() string {
	return strings.TrimRight(strings.TrimSpace(e.ProviderURL), "/")
}

func (e EnvVars) GetProviderKey() string {
	return strings.TrimSpace(e.ProviderKey)
}

// IsProviderConfigured reports whether both the provider URL and public key are present.
func (e EnvVars) IsProviderConfigured() bool {
	return e.GetProviderURL() != "" && e.GetProviderKey() != ""
}

func (e EnvVars) GetStorageKey() string {
	return orDefault(e.StorageKey, DefaultStorageKey)
}

func (e EnvVars) GetRefreshMargin() time.Duration {
	if e.RefreshMargin <= 0 {
		return 30 * time.Second
	}
	return e.RefreshMargin
}

// GetAutoRefreshInterval returns zero when background refresh is disabled.
func (e EnvVars) GetAutoRefreshInterval() time.Duration {
	if e.AutoRefreshInterval < 0 {
		return 0
	}
	return e.AutoRefreshInterval
}

func (e EnvVars) GetAPIBaseURL() string {
	return orDefault(strings.TrimSpace(e.APIBaseURL), DefaultAPIBaseURL)
}

func (e EnvVars) GetAPITimeout() time.Duration {
	if e.APITimeout <= 0 {
		return DefaultAPITimeout
	}
	return e.APITimeout
}

func (e EnvVars) GetStorageBackend() StorageBackend {
	if e.StorageBackend == "" {
		return StorageFile
	}
	return StorageBackend(strings.ToLower(string(e.StorageBackend)))
}

func (e EnvVars) GetStorageFile() string {
	return orDefault(e.StorageFile, "./data/session.json")
}

func (e EnvVars) GetStoragePassphrase() string {
	return e.StoragePassphrase
}

func (e EnvVars) GetRedisAddr() string {
	return orDefault(e.RedisAddr, "localhost:6379")
}

func (e EnvVars) GetRedisPrefix() string {
	return e.RedisPrefix
}

func orDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
