package live

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultApiUrl = "http://localhost:8000"
const DefaultWsUrl = "ws://localhost:8000/ws"

// Config sources in increasing precedence: defaults, yaml file, environment.
// A `.env` file only fills in variables that are not already set.
type Config struct {
	ApiUrl string `yaml:"api_url" env:"QALIVE_API_URL"`
	// when empty, derived from `ApiUrl`
	WsUrl string `yaml:"ws_url" env:"QALIVE_WS_URL"`
	// admin bearer for status updates
	Token             string        `yaml:"token" env:"QALIVE_TOKEN"`
	ReconnectTimeout  time.Duration `yaml:"reconnect_timeout" env:"QALIVE_RECONNECT_TIMEOUT"`
	SnapshotTimeout   time.Duration `yaml:"snapshot_timeout" env:"QALIVE_SNAPSHOT_TIMEOUT"`
	ResyncOnReconnect bool          `yaml:"resync_on_reconnect" env:"QALIVE_RESYNC_ON_RECONNECT"`
}

func DefaultConfig() *Config {
	connectionSettings := DefaultConnectionSettings()
	synchronizerSettings := DefaultSynchronizerSettings()
	return &Config{
		ApiUrl:            DefaultApiUrl,
		ReconnectTimeout:  connectionSettings.ReconnectTimeout,
		SnapshotTimeout:   synchronizerSettings.SnapshotTimeout,
		ResyncOnReconnect: synchronizerSettings.ResyncOnReconnect,
	}
}

// `configPath` may be empty. With no `envPaths`, `.env` in the working directory is used if present.
func LoadConfig(configPath string, envPaths ...string) (*Config, error) {
	if len(envPaths) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("Could not load .env: %w", err)
		}
	} else if err := godotenv.Load(envPaths...); err != nil {
		return nil, fmt.Errorf("Could not load %v: %w", envPaths, err)
	}

	config := DefaultConfig()

	if configPath != "" {
		configBytes, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			return nil, fmt.Errorf("Could not parse %s: %w", configPath, err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, err
	}

	if err := config.Normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) Normalize() error {
	apiUrl, err := url.Parse(self.ApiUrl)
	if err != nil {
		return fmt.Errorf("Invalid api url %q: %w", self.ApiUrl, err)
	}
	switch apiUrl.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("Invalid api url %q: scheme must be http or https", self.ApiUrl)
	}

	if self.WsUrl == "" {
		self.WsUrl = WsUrlFromApiUrl(apiUrl)
	}
	wsUrl, err := url.Parse(self.WsUrl)
	if err != nil {
		return fmt.Errorf("Invalid ws url %q: %w", self.WsUrl, err)
	}
	switch wsUrl.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("Invalid ws url %q: scheme must be ws or wss", self.WsUrl)
	}

	if self.ReconnectTimeout <= 0 {
		return fmt.Errorf("Reconnect timeout must be positive (%s).", self.ReconnectTimeout)
	}
	return nil
}

// http://host:port/prefix -> ws://host:port/ws
func WsUrlFromApiUrl(apiUrl *url.URL) string {
	wsUrl := &url.URL{
		Scheme: "ws",
		Host:   apiUrl.Host,
		Path:   "/ws",
	}
	if apiUrl.Scheme == "https" {
		wsUrl.Scheme = "wss"
	}
	return wsUrl.String()
}

func (self *Config) SynchronizerSettings() *SynchronizerSettings {
	settings := DefaultSynchronizerSettings()
	settings.ConnectionSettings.ReconnectTimeout = self.ReconnectTimeout
	settings.SnapshotTimeout = self.SnapshotTimeout
	settings.ResyncOnReconnect = self.ResyncOnReconnect
	return settings
}
