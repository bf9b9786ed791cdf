// Package config loads the CLI configuration from a file, JSRF_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/jsrf/internal/ack"
	"github.com/1ureka/jsrf/internal/endpoint"
	"github.com/1ureka/jsrf/internal/protocol"
)

// Role represents the endpoint role (server or client).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Transport names the link a client dials.
type Transport string

const (
	TransportWS     Transport = "ws"
	TransportWebRTC Transport = "webrtc"
)

// Config stores every setting of one jsrf process.
type Config struct {
	Role       Role      `mapstructure:"role"`
	Listen     string    `mapstructure:"listen"`    // Server: address to listen on
	URL        string    `mapstructure:"url"`       // Client: ws:// URL of the server
	Transport  Transport `mapstructure:"transport"` // Client: ws or webrtc
	ICEServers []string  `mapstructure:"ice_servers"`

	Format             string        `mapstructure:"format"`
	AckDelay           time.Duration `mapstructure:"ack_delay"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	NegotiationRetries int           `mapstructure:"negotiation_retries"`
	PoolSize           int           `mapstructure:"pool_size"`

	MetricsAddr   string        `mapstructure:"metrics_addr"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	LogLevel      string        `mapstructure:"log_level"`
	Debug         bool          `mapstructure:"debug"`
}

var defaults = map[string]any{
	"role":                string(RoleServer),
	"listen":              "127.0.0.1:8700",
	"url":                 "ws://127.0.0.1:8700/ws",
	"transport":           string(TransportWS),
	"ice_servers":         []string{"stun:stun.l.google.com:19302"},
	"format":              protocol.FormatJSON,
	"ack_delay":           ack.DefaultDelay,
	"negotiation_timeout": 5 * time.Second,
	"negotiation_retries": 2,
	"pool_size":           1024,
	"metrics_addr":        "",
	"stats_interval":      10 * time.Second,
	"log_level":           "info",
	"debug":               false,
}

var usage = map[string]string{
	"listen":              "address the server listens on",
	"url":                 "server URL the client dials",
	"transport":           "client transport: ws or webrtc",
	"ice_servers":         "STUN/TURN URLs for WebRTC",
	"format":              "payload format: json, cbor, msgpack, optionally with +zstd",
	"ack_delay":           "how long an inbound packet waits for a piggybacked ack",
	"negotiation_timeout": "per-attempt DIG_CHANNEL timeout (0 waits forever)",
	"negotiation_retries": "DIG_CHANNEL resends after a timeout",
	"pool_size":           "maximum concurrent server connections",
	"metrics_addr":        "serve Prometheus metrics on this address",
	"stats_interval":      "print traffic stats at this interval (0 disables)",
	"log_level":           "log level: debug, info, warn, error or off",
	"debug":               "enable debug logging (same as --log-level debug)",
}

// FlagName returns the command-line spelling of a config key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// AddFlags registers one flag per config key (except role) on fs.
func AddFlags(fs *pflag.FlagSet) {
	for key, help := range usage {
		name := FlagName(key)
		switch v := defaults[key].(type) {
		case string:
			fs.String(name, v, help)
		case []string:
			fs.StringSlice(name, v, help)
		case time.Duration:
			fs.Duration(name, v, help)
		case int:
			fs.Int(name, v, help)
		case bool:
			fs.Bool(name, v, help)
		}
	}
}

// Load reads the configuration. path names a config file; when empty,
// ./jsrf.{yaml,json,toml} is used if present. Flags that were set on fs
// override the file and the environment.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path, fs)
}

// LoadFS is Load reading config files from fsys.
func LoadFS(fsys afero.Fs, path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetFs(fsys)
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("JSRF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for key := range defaults {
			if f := fs.Lookup(FlagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", f.Name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jsrf")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings relevant to the configured role.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleServer:
		if c.Listen == "" {
			return errors.New("listen address is required")
		}
		if c.PoolSize <= 0 {
			return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
		}
	case RoleClient:
		if c.URL == "" {
			return errors.New("server url is required")
		}
		if c.Transport != TransportWS && c.Transport != TransportWebRTC {
			return fmt.Errorf("unknown transport %q", c.Transport)
		}
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}

	if _, err := protocol.LookupCodec(c.Format); err != nil {
		return err
	}
	if c.AckDelay < 0 || c.NegotiationTimeout < 0 || c.StatsInterval < 0 {
		return errors.New("durations must not be negative")
	}
	if c.NegotiationRetries < 0 {
		return fmt.Errorf("negotiation_retries must not be negative, got %d", c.NegotiationRetries)
	}
	return nil
}

// EndpointOptions maps the protocol settings onto endpoint.Options.
func (c *Config) EndpointOptions() endpoint.Options {
	return endpoint.Options{
		Format:             c.Format,
		AckDelay:           c.AckDelay,
		NegotiationTimeout: c.NegotiationTimeout,
		NegotiationRetries: c.NegotiationRetries,
		PoolSize:           c.PoolSize,
	}
}
