// Package config loads and validates the static DittoDDS
// configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (DITTODDS_*, for keys the file sets)
//  2. Configuration file (YAML, located with the --config flag)
//  3. Default values (lowest priority)
//
// No CLI flag overrides an individual key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the DittoDDS daemon configuration.
//
// Only static aspects live here: domain membership, network binding,
// protocol timing, logging, telemetry, metrics and the introspection
// API. Everything per-endpoint (QoS) is decided by the application at
// entity-creation time.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Domain selects the DDS domain this daemon participates in.
	Domain DomainConfig `mapstructure:"domain" yaml:"domain"`

	// Network configures the UDP binding and discovery addressing.
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// Protocol tunes the RTPS timing knobs.
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`

	// Metrics contains the Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains the introspection HTTP API configuration.
	API APIConfig `mapstructure:"api" yaml:"api"`

	// ShutdownTimeout is the maximum time to wait for graceful
	// shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects the log output format.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output selects the destination: stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// ServiceName tags exported spans.
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// DomainConfig selects the DDS domain.
type DomainConfig struct {
	// Id is the domain id (0-232).
	Id uint32 `mapstructure:"id" validate:"max=232" yaml:"id"`

	// Tag further partitions the domain: participants only discover
	// peers with the same tag.
	Tag string `mapstructure:"tag" yaml:"tag"`
}

// NetworkConfig configures UDP binding.
type NetworkConfig struct {
	// Interface is the local IP address to bind.
	Interface string `mapstructure:"interface" validate:"required,ip" yaml:"interface"`

	// PortBase is the RTPS port mapping base (PB), default 7400.
	PortBase uint16 `mapstructure:"port_base" validate:"required" yaml:"port_base"`

	// MulticastGroup is the SPDP discovery multicast address.
	MulticastGroup string `mapstructure:"multicast_group" validate:"required,ip" yaml:"multicast_group"`
}

// ProtocolConfig tunes RTPS timing.
type ProtocolConfig struct {
	// HeartbeatPeriod paces writer heartbeats.
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period" validate:"required,gt=0" yaml:"heartbeat_period"`

	// HeartbeatResponseDelay postpones acknack replies.
	HeartbeatResponseDelay time.Duration `mapstructure:"heartbeat_response_delay" yaml:"heartbeat_response_delay"`

	// SpdpResendPeriod paces participant announcements.
	SpdpResendPeriod time.Duration `mapstructure:"spdp_resend_period" validate:"required,gt=0" yaml:"spdp_resend_period"`

	// LeaseDuration is announced to remote participants.
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"required,gt=0" yaml:"lease_duration"`

	// TickInterval paces the protocol timer loop.
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"required,gt=0" yaml:"tick_interval"`

	// DataMaxSizeSerialized bounds unfragmented payloads.
	DataMaxSizeSerialized int `mapstructure:"data_max_size_serialized" validate:"required,gt=0" yaml:"data_max_size_serialized"`

	// FragmentSize is the DataFrag payload size.
	FragmentSize uint16 `mapstructure:"fragment_size" validate:"required,gt=0" yaml:"fragment_size"`
}

// MetricsConfig contains the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true" yaml:"address"`
}

// APIConfig contains the introspection API configuration.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true" yaml:"address"`
}

// ============================================================================
// Loading
// ============================================================================

// envPrefix is the environment variable prefix: DITTODDS_LOGGING_LEVEL
// overrides logging.level.
const envPrefix = "DITTODDS"

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dittodds", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "dittodds", "config.yaml")
}

// Load reads, defaults and validates the configuration. A missing file
// is not an error: the defaults apply. Environment variables override
// only keys that the configuration file sets; viper does not consult
// them for keys it has not seen.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(DefaultPath())
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// WriteSample writes the default configuration as YAML under a short
// comment header.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	cfg := &Config{}
	ApplyDefaults(cfg)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}
	header := "# DittoDDS configuration.\n# Every key can be overridden with DITTODDS_<SECTION>_<KEY> environment variables.\n"
	return os.WriteFile(path, append([]byte(header), out...), 0o644)
}
