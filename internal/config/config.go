package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds node configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Network  NetworkConfig  `mapstructure:"network"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// HTTPConfig holds the tab API listener settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig selects the backend of the shared origin store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite
	Path   string `mapstructure:"path"`
	Buffer int    `mapstructure:"buffer"` // per-subscriber notification buffer
}

// ProtocolConfig holds the wire-level key namespace.
type ProtocolConfig struct {
	RequestPrefix  string        `mapstructure:"request_prefix"`
	AckPrefix      string        `mapstructure:"ack_prefix"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// NetworkConfig configures the libp2p bridge between node processes.
type NetworkConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	ListenAddrs     []string `mapstructure:"listen_addrs"`
	Bootstrap       []string `mapstructure:"bootstrap"`
	Rendezvous      string   `mapstructure:"rendezvous"`
	MDNS            bool     `mapstructure:"mdns"`
	IdentityKeyFile string   `mapstructure:"identity_key_file"`
	Topic           string   `mapstructure:"topic"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file path
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

var (
	ErrUnknownDriver  = errors.New("unknown store driver")
	ErrInvalidPrefix  = errors.New("invalid message prefix")
	ErrInvalidBuffer  = errors.New("store buffer must be positive")
	ErrInvalidLogging = errors.New("invalid logging configuration")
)

// DefaultLoggingConfig returns the logging defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.path", "tabcomm.db")
	v.SetDefault("store.buffer", 256)
	v.SetDefault("protocol.request_prefix", "tpxStorageMessage")
	v.SetDefault("protocol.ack_prefix", "tpxStorageMessageResponse")
	v.SetDefault("protocol.default_timeout", "5s")
	v.SetDefault("network.enabled", false)
	v.SetDefault("network.listen_addrs", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("network.bootstrap", []string{})
	v.SetDefault("network.rendezvous", "tabcomm")
	v.SetDefault("network.mdns", true)
	v.SetDefault("network.identity_key_file", "")
	v.SetDefault("network.topic", "tabcomm.area")
	d := DefaultLoggingConfig()
	v.SetDefault("logging.level", d.Level)
	v.SetDefault("logging.format", d.Format)
	v.SetDefault("logging.output", d.Output)
	v.SetDefault("metrics.namespace", "tabcomm")
}

// Default returns the configuration with every default applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

// Load reads configuration from path (optional) and env. Env var overrides use
// prefix TABCOMM_; when path is empty TABCOMM_CONFIG is consulted, then
// ./tabcomm.{toml,yaml,json} and ~/.config/tabcomm/config.*.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("TABCOMM_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tabcomm")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "tabcomm"))
	}

	v.SetEnvPrefix("TABCOMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit path that cannot be read is an error; a missing
		// default file is not.
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for values the node cannot run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
	if c.Store.Buffer <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBuffer, c.Store.Buffer)
	}
	if err := validatePrefix(c.Protocol.RequestPrefix); err != nil {
		return err
	}
	if err := validatePrefix(c.Protocol.AckPrefix); err != nil {
		return err
	}
	if c.Protocol.RequestPrefix == c.Protocol.AckPrefix {
		return fmt.Errorf("%w: request and ack prefixes are both %q", ErrInvalidPrefix, c.Protocol.AckPrefix)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: level %q", ErrInvalidLogging, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: format %q", ErrInvalidLogging, c.Logging.Format)
	}
	return nil
}

func validatePrefix(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPrefix)
	}
	if strings.Contains(p, ":") {
		return fmt.Errorf("%w: %q contains ':'", ErrInvalidPrefix, p)
	}
	return nil
}
