// Package config loads client settings from the environment. Consumers
// depend on the narrow interfaces rather than the backing struct.
package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

type Config interface {
	EnvConfig
	BackendConfig
	StorageConfig
	SessionConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type BackendConfig interface {
	GetBaseURL() string
	GetTimeout() time.Duration
	GetUserAgent() string
}

type StorageConfig interface {
	GetDataFolder() string
	GetStorageDriver() string
	GetEncryptionKeyFile() string
}

type SessionConfig interface {
	GetExpiryBuffer() time.Duration
	GetRefreshInterval() time.Duration
}

type settings struct {
	AppName  string `env:"STRIDE_APP_NAME" env-default:"stride-client"`
	Env      string `env:"STRIDE_ENV" env-default:"development"`
	LogLevel string `env:"STRIDE_LOG_LEVEL" env-default:"info"`

	BaseURL   string        `env:"STRIDE_BASE_URL" env-default:"https://api.stride.app"`
	Timeout   time.Duration `env:"STRIDE_TIMEOUT" env-default:"30s"`
	UserAgent string        `env:"STRIDE_USER_AGENT" env-default:"go-stride-client"`

	DataFolder        string `env:"STRIDE_DATA_FOLDER" env-default:".stride"`
	StorageDriver     string `env:"STRIDE_STORAGE_DRIVER" env-default:"file"`
	EncryptionKeyFile string `env:"STRIDE_ENCRYPTION_KEY_FILE" env-default:""`

	ExpiryBuffer    time.Duration `env:"STRIDE_EXPIRY_BUFFER" env-default:"5m"`
	RefreshInterval time.Duration `env:"STRIDE_REFRESH_INTERVAL" env-default:"1m"`
}

type mainConfig struct {
	settings
}

var _ Config = mainConfig{}

func New() (Config, error) {
	var s settings
	if err := cleanenv.ReadEnv(&s); err != nil {
		return nil, errors.Wrap(err, "[config.New] read environment")
	}
	return mainConfig{settings: s}, nil
}

func (c mainConfig) GetAppName() string  { return c.AppName }
func (c mainConfig) GetEnv() string      { return c.Env }
func (c mainConfig) GetLogLevel() string { return c.LogLevel }

func (c mainConfig) GetBaseURL() string        { return c.BaseURL }
func (c mainConfig) GetTimeout() time.Duration { return c.Timeout }
func (c mainConfig) GetUserAgent() string      { return c.UserAgent }

func (c mainConfig) GetDataFolder() string        { return c.DataFolder }
func (c mainConfig) GetStorageDriver() string     { return c.StorageDriver }
func (c mainConfig) GetEncryptionKeyFile() string { return c.EncryptionKeyFile }

func (c mainConfig) GetExpiryBuffer() time.Duration    { return c.ExpiryBuffer }
func (c mainConfig) GetRefreshInterval() time.Duration { return c.RefreshInterval }
