// Package config provides Viper-based configuration loading for the
// comms daemon.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the client transport listener settings (WebSocket
// and server-push streams share one HTTP listener).
type ServerConfig struct {
	// Host is the bind address for the transport listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the transport listener.
	Port int `mapstructure:"port"`
	// WriteTimeout is the per-frame write deadline on socket transports.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PongTimeout is how long a socket may go without a pong before it
	// is considered dead.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	// AllowedOrigins restricts browser WebSocket upgrades to these Origin
	// values. Empty allows any origin, for deployments where the gateway
	// in front of this listener owns admission.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OpsConfig holds the operational HTTP API listener settings.
type OpsConfig struct {
	// Host is the bind address for the ops listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the ops listener.
	Port int `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (o OpsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// BrokerConfig holds the optional upstream message broker settings.
type BrokerConfig struct {
	// URL is the broker connection string. Empty disables the bridge;
	// delivery then stays in-process.
	URL string `mapstructure:"url"`
	// RetryPerSec paces degraded-mode republishes.
	RetryPerSec float64 `mapstructure:"retry_per_sec"`
	// RetryBurst is the republish burst allowance.
	RetryBurst int `mapstructure:"retry_burst"`
	// RetryQueueCap bounds the degraded-mode retry queue.
	RetryQueueCap int `mapstructure:"retry_queue_cap"`
}

// Enabled reports whether a broker upstream is configured.
func (b BrokerConfig) Enabled() bool { return b.URL != "" }

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// CommsConfig holds the core delivery settings.
type CommsConfig struct {
	// OutboxSize is the per-connection outbox capacity.
	OutboxSize int `mapstructure:"outbox_size"`
	// MaxPending bounds each identity's pending message queue.
	MaxPending int `mapstructure:"max_pending"`
	// ReconnectWindow is how long after a disconnect an identity is
	// still considered briefly reachable for pending buffering.
	ReconnectWindow time.Duration `mapstructure:"reconnect_window"`
	// ChannelsDir is the channel policy catalog directory. Empty uses
	// the built-in defaults.
	ChannelsDir string `mapstructure:"channels_dir"`
}

// JanitorConfig holds the background sweep settings.
type JanitorConfig struct {
	// Interval between periodic sweeps.
	Interval time.Duration `mapstructure:"interval"`
	// MaxConnAge evicts connections older than this (0 disables).
	MaxConnAge time.Duration `mapstructure:"max_conn_age"`
	// IdleCutoff evicts connections idle longer than this (0 disables).
	IdleCutoff time.Duration `mapstructure:"idle_cutoff"`
	// OfflineRetention forgets identities offline longer than this.
	OfflineRetention time.Duration `mapstructure:"offline_retention"`
	// HeapThresholdBytes triggers a pressure sweep above this heap usage
	// (0 disables).
	HeapThresholdBytes uint64 `mapstructure:"heap_threshold_bytes"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Ops     OpsConfig     `mapstructure:"ops"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Logging LoggingConfig `mapstructure:"logging"`
	Comms   CommsConfig   `mapstructure:"comms"`
	Janitor JanitorConfig `mapstructure:"janitor"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error
// describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateOps(c.Ops); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateBroker(c.Broker); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateComms(c.Comms); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateJanitor(c.Janitor); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout must not be negative")
	}
	if s.PongTimeout < 0 {
		errs = append(errs, "server.pong_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateOps(o OpsConfig) error {
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("ops.port must be 1-65535, got %d", o.Port)
	}
	return nil
}

func validateBroker(b BrokerConfig) error {
	if !b.Enabled() {
		return nil
	}
	var errs []string
	if b.RetryPerSec <= 0 {
		errs = append(errs, fmt.Sprintf("broker.retry_per_sec must be > 0, got %g", b.RetryPerSec))
	}
	if b.RetryBurst < 1 {
		errs = append(errs, fmt.Sprintf("broker.retry_burst must be >= 1, got %d", b.RetryBurst))
	}
	if b.RetryQueueCap < 1 {
		errs = append(errs, fmt.Sprintf("broker.retry_queue_cap must be >= 1, got %d", b.RetryQueueCap))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateComms(c CommsConfig) error {
	var errs []string
	if c.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("comms.outbox_size must be >= 1, got %d", c.OutboxSize))
	}
	if c.MaxPending < 1 {
		errs = append(errs, fmt.Sprintf("comms.max_pending must be >= 1, got %d", c.MaxPending))
	}
	if c.ReconnectWindow < 0 {
		errs = append(errs, "comms.reconnect_window must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateJanitor(j JanitorConfig) error {
	var errs []string
	if j.Interval <= 0 {
		errs = append(errs, "janitor.interval must be > 0")
	}
	if j.MaxConnAge < 0 {
		errs = append(errs, "janitor.max_conn_age must not be negative")
	}
	if j.IdleCutoff < 0 {
		errs = append(errs, "janitor.idle_cutoff must not be negative")
	}
	if j.OfflineRetention <= 0 {
		errs = append(errs, "janitor.offline_retention must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads, unmarshals, and validates configuration from path.
// Environment variables with the COMMS_ prefix override file values.
//
// Precondition: path must point to a readable config file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("COMMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, errors.New("viper instance must be non-nil")
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7100)
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.pong_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("ops.host", "127.0.0.1")
	v.SetDefault("ops.port", 7101)

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.retry_per_sec", 10.0)
	v.SetDefault("broker.retry_burst", 10)
	v.SetDefault("broker.retry_queue_cap", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("comms.outbox_size", 64)
	v.SetDefault("comms.max_pending", 20)
	v.SetDefault("comms.reconnect_window", "2m")
	v.SetDefault("comms.channels_dir", "")

	v.SetDefault("janitor.interval", "3m")
	v.SetDefault("janitor.max_conn_age", "12h")
	v.SetDefault("janitor.idle_cutoff", "30m")
	v.SetDefault("janitor.offline_retention", "10m")
	v.SetDefault("janitor.heap_threshold_bytes", 0)
}
