package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config is the full application configuration.
type Config interface {
	EnvConfig
	ProviderConfig
	APIConfig
	StorageConfig
}

// EnvConfig identifies the running application and its logging.
type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

// ProviderConfig locates the identity provider and controls session handling.
type ProviderConfig interface {
	GetProviderURL() string
	GetProviderKey() string
	GetStorageKey() string
	GetRefreshMargin() time.Duration
	GetAutoRefreshInterval() time.Duration
	IsProviderConfigured() bool
}

// APIConfig locates the backend API.
type APIConfig interface {
	GetAPIBaseURL() string
	GetAPITimeout() time.Duration
}

// StorageConfig selects and configures the session storage backend.
type StorageConfig interface {
	GetStorageBackend() StorageBackend
	GetStorageFile() string
	GetStoragePassphrase() string
	GetRedisAddr() string
	GetRedisPrefix() string
}

type mainConfig struct {
	EnvVars
}

// New reads the configuration from the environment. Missing provider credentials are
// not an error here; they are reported by the session client on first use.
func New() (Config, error) {
	var vars EnvVars
	if err := env.Parse(&vars); err != nil {
		return nil, errors.Wrap(err, "[config.New] parse env")
	}
	if err := ValidateStorage(vars); err != nil {
		return nil, errors.Wrap(err, "[config.New]")
	}
	return mainConfig{EnvVars: vars}, nil
}
