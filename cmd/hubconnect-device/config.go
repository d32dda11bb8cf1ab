package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/hubconnect/hubconnect-go/pkg/retry"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

// DeviceType selects the simulated telemetry.
type DeviceType string

const (
	DeviceTypeEVSE     DeviceType = "evse"
	DeviceTypeInverter DeviceType = "inverter"
	DeviceTypeBattery  DeviceType = "battery"
)

// RetryConfig configures the reconnection policy. Zero fields keep the
// SDK defaults.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"HUBCONNECT_RETRY_MAX_ATTEMPTS"`
	MaxDuration time.Duration `yaml:"max_duration" env:"HUBCONNECT_RETRY_MAX_DURATION"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"HUBCONNECT_RETRY_BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"HUBCONNECT_RETRY_MAX_DELAY"`
	Disabled    bool          `yaml:"disabled" env:"HUBCONNECT_RETRY_DISABLED"`
}

// Config holds the device configuration. Sources apply in the order
// defaults, config file, environment, command-line flags.
type Config struct {
	// ConnectionStrings lists one or more device connection strings.
	// Several strings over AMQP share one multiplexed connection.
	ConnectionStrings []string `yaml:"connection_strings"`

	// ConnectionString is a single connection string, added to
	// ConnectionStrings.
	ConnectionString string `yaml:"connection_string" env:"HUBCONNECT_CONNECTION_STRING"`

	Protocol    string        `yaml:"protocol" env:"HUBCONNECT_PROTOCOL"`
	Type        DeviceType    `yaml:"type" env:"HUBCONNECT_DEVICE_TYPE"`
	Interval    time.Duration `yaml:"interval" env:"HUBCONNECT_INTERVAL"`
	LogLevel    string        `yaml:"log_level" env:"HUBCONNECT_LOG_LEVEL"`
	ProtocolLog string        `yaml:"protocol_log" env:"HUBCONNECT_PROTOCOL_LOG"`
	Simulate    bool          `yaml:"simulate" env:"HUBCONNECT_SIMULATE"`

	// ProtocolLogMaxMB rotates the protocol log at this size. 0 disables
	// rotation.
	ProtocolLogMaxMB int `yaml:"protocol_log_max_mb" env:"HUBCONNECT_PROTOCOL_LOG_MAX_MB"`

	Interactive bool `yaml:"interactive" env:"HUBCONNECT_INTERACTIVE"`

	// CACert is a PEM bundle of trusted roots replacing the system pool.
	CACert string `yaml:"ca_cert" env:"HUBCONNECT_CA_CERT"`

	// CertFile and KeyFile are the client certificate for x509=true
	// connection strings.
	CertFile string `yaml:"cert_file" env:"HUBCONNECT_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"HUBCONNECT_KEY_FILE"`

	Retry RetryConfig `yaml:"retry"`

	// GenCert writes a self-signed certificate to CertFile and KeyFile
	// and exits.
	GenCert bool `yaml:"-"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Protocol: transport.MQTT.String(),
		Type:     DeviceTypeEVSE,
		Interval: 5 * time.Second,
		LogLevel: "info",
		Simulate: true,
	}
}

// LoadFile merges a YAML config file into cfg.
func (cfg *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnv merges HUBCONNECT_* environment variables into cfg.
func (cfg *Config) LoadEnv() error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Connections returns every configured connection string.
func (cfg *Config) Connections() []string {
	out := make([]string, 0, len(cfg.ConnectionStrings)+1)
	if s := strings.TrimSpace(cfg.ConnectionString); s != "" {
		out = append(out, s)
	}
	for _, s := range cfg.ConnectionStrings {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if len(cfg.Connections()) == 0 {
		return errors.New("no connection string configured")
	}
	if _, err := transport.ParseProtocol(cfg.Protocol); err != nil {
		return err
	}
	switch cfg.Type {
	case DeviceTypeEVSE, DeviceTypeInverter, DeviceTypeBattery:
	default:
		return fmt.Errorf("unknown device type: %s", cfg.Type)
	}
	if cfg.ProtocolLogMaxMB < 0 {
		return fmt.Errorf("protocol_log_max_mb must not be negative, got %d", cfg.ProtocolLogMaxMB)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if cfg.GenCert && (cfg.CertFile == "" || len(cfg.Connections()) != 1) {
		return errors.New("gen-cert needs cert_file, key_file and exactly one connection string")
	}
	return nil
}

// Multiplexed reports whether the devices share one connection.
func (cfg *Config) Multiplexed() bool {
	p, err := transport.ParseProtocol(cfg.Protocol)
	return err == nil && p.SupportsMultiplexing() && len(cfg.Connections()) > 1
}

// RetryPolicy builds the reconnection policy.
func (cfg *Config) RetryPolicy() retry.Policy {
	if cfg.Retry.Disabled {
		return retry.NoRetry{}
	}
	p := retry.DefaultExponentialBackoff()
	if cfg.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.MaxDuration > 0 {
		p.MaxDuration = cfg.Retry.MaxDuration
	}
	if cfg.Retry.BaseDelay > 0 {
		p.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		p.MaxDelay = cfg.Retry.MaxDelay
	}
	return p
}
