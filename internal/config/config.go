package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultDataRoot          = "data"
	DefaultImplName          = "all4one"
	DefaultOneBotVersion     = "12"
	DefaultRoutePrefix       = "/all4one"
	DefaultEventBufferSize   = 16
	DefaultWebhookTimeout    = 4 * time.Second
	DefaultReconnectInterval = 4 * time.Second
	DefaultMaxBlobBytes      = 64 << 20
	DefaultDownloadTimeout   = 30 * time.Second
	DefaultRefreshInterval   = 30 * time.Second
	EnvPrefix                = "ALL4ONE_"
)

// Binding types accepted in [[connections]].
const (
	BindingHTTP         = "http"
	BindingHTTPWebhook  = "http_webhook"
	BindingWebSocket    = "websocket"
	BindingWebSocketRev = "websocket_rev"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

type Config struct {
	Log         LogConfig          `toml:"log" yaml:"log" envPrefix:"LOG_"`
	Server      ServerConfig       `toml:"server" yaml:"server" envPrefix:"SERVER_"`
	Impl        ImplConfig         `toml:"impl" yaml:"impl" envPrefix:"IMPL_"`
	Blob        BlobConfig         `toml:"blob" yaml:"blob" envPrefix:"BLOB_"`
	Refresh     RefreshConfig      `toml:"refresh" yaml:"refresh" envPrefix:"REFRESH_"`
	Middlewares []string           `toml:"middlewares" yaml:"middlewares" env:"MIDDLEWARES"`
	Connections []ConnectionConfig `toml:"connections" yaml:"connections" envPrefix:"CONNECTIONS_" validate:"dive"`
	Accounts    []AccountConfig    `toml:"accounts" yaml:"accounts" envPrefix:"ACCOUNTS_" validate:"dive"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" yaml:"format" env:"FORMAT" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr" env:"ADDR"`
}

// ImplConfig describes this implementation in connect meta events and outbound headers.
type ImplConfig struct {
	Name          string `toml:"name" yaml:"name" env:"NAME"`
	OneBotVersion string `toml:"onebot_version" yaml:"onebot_version" env:"ONEBOT_VERSION"`
	RoutePrefix   string `toml:"route_prefix" yaml:"route_prefix" env:"ROUTE_PREFIX" validate:"omitempty,startswith=/"`
}

type BlobConfig struct {
	DataRoot        string        `toml:"data_root" yaml:"data_root" env:"DATA_ROOT"`
	MaxBytes        int64         `toml:"max_bytes" yaml:"max_bytes" env:"MAX_BYTES" validate:"gte=0"`
	DownloadTimeout time.Duration `toml:"download_timeout" yaml:"download_timeout" env:"DOWNLOAD_TIMEOUT"`
}

type RefreshConfig struct {
	Interval time.Duration `toml:"interval" yaml:"interval" env:"INTERVAL"`
}

// ConnectionConfig is one transport binding.
type ConnectionConfig struct {
	Type              string        `toml:"type" yaml:"type" env:"TYPE" validate:"required,oneof=http http_webhook websocket websocket_rev"`
	AccessToken       string        `toml:"access_token" yaml:"access_token" env:"ACCESS_TOKEN"`
	UseMsgpack        bool          `toml:"use_msgpack" yaml:"use_msgpack" env:"USE_MSGPACK"`
	EventEnabled      bool          `toml:"event_enabled" yaml:"event_enabled" env:"EVENT_ENABLED"`
	EventBufferSize   int           `toml:"event_buffer_size" yaml:"event_buffer_size" env:"EVENT_BUFFER_SIZE" validate:"gte=0"`
	URL               string        `toml:"url" yaml:"url" env:"URL" validate:"required_if=Type http_webhook,required_if=Type websocket_rev"`
	Timeout           time.Duration `toml:"timeout" yaml:"timeout" env:"TIMEOUT"`
	ReconnectInterval time.Duration `toml:"reconnect_interval" yaml:"reconnect_interval" env:"RECONNECT_INTERVAL"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	PerAccount        bool          `toml:"per_account" yaml:"per_account" env:"PER_ACCOUNT"`
	// Path overrides the route of http and websocket bindings; empty means
	// the impl route prefix.
	Path string `toml:"path" yaml:"path" env:"PATH" validate:"omitempty,startswith=/"`
}

// AccountConfig is one platform account started through the adapter registry.
type AccountConfig struct {
	ID          string            `toml:"id" yaml:"id" env:"ID" validate:"required"`
	Type        string            `toml:"type" yaml:"type" env:"TYPE" validate:"required"`
	Disabled    bool              `toml:"disabled" yaml:"disabled" env:"DISABLED"`
	Credentials map[string]string `toml:"credentials" yaml:"credentials" env:"CREDENTIALS"`
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Impl: ImplConfig{
			Name:          DefaultImplName,
			OneBotVersion: DefaultOneBotVersion,
			RoutePrefix:   DefaultRoutePrefix,
		},
		Blob: BlobConfig{
			DataRoot:        DefaultDataRoot,
			MaxBytes:        DefaultMaxBlobBytes,
			DownloadTimeout: DefaultDownloadTimeout,
		},
		Refresh: RefreshConfig{
			Interval: DefaultRefreshInterval,
		},
	}
}

// Load reads path (TOML or YAML by extension), applies ALL4ONE_* environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment; nil means os.Environ.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", "":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Impl.Name == "" {
		c.Impl.Name = DefaultImplName
	}
	if c.Impl.OneBotVersion == "" {
		c.Impl.OneBotVersion = DefaultOneBotVersion
	}
	if c.Impl.RoutePrefix == "" {
		c.Impl.RoutePrefix = DefaultRoutePrefix
	}
	c.Impl.RoutePrefix = strings.TrimSuffix(c.Impl.RoutePrefix, "/")
	if c.Blob.DownloadTimeout <= 0 {
		c.Blob.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.Refresh.Interval <= 0 {
		c.Refresh.Interval = DefaultRefreshInterval
	}
	for i := range c.Connections {
		conn := &c.Connections[i]
		conn.Type = strings.ToLower(strings.TrimSpace(conn.Type))
		if conn.EventBufferSize <= 0 {
			conn.EventBufferSize = DefaultEventBufferSize
		}
		if conn.Timeout <= 0 {
			conn.Timeout = DefaultWebhookTimeout
		}
		if conn.ReconnectInterval <= 0 {
			conn.ReconnectInterval = DefaultReconnectInterval
		}
		if conn.Path == "" {
			conn.Path = c.Impl.RoutePrefix
		}
		conn.Path = strings.TrimSuffix(conn.Path, "/")
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, acc := range c.Accounts {
		if _, ok := seen[acc.ID]; ok {
			return fmt.Errorf("invalid config: duplicate account id %q", acc.ID)
		}
		seen[acc.ID] = struct{}{}
	}
	return nil
}

// MiddlewareEnabled reports whether adapter type t is enabled. An empty list enables all.
func (c Config) MiddlewareEnabled(t string) bool {
	if len(c.Middlewares) == 0 {
		return true
	}
	for _, m := range c.Middlewares {
		if strings.EqualFold(strings.TrimSpace(m), t) {
			return true
		}
	}
	return false
}
