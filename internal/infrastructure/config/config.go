package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for PulseLink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Database DatabaseConfig `yaml:"database"`
	Relay    RelayConfig    `yaml:"relay"`
	BLE      BLEConfig      `yaml:"ble"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HubConfig contains hub instance information.
type HubConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// RelayConfig contains the WebSocket relay/binding server settings.
type RelayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Path is the WebSocket endpoint path clients connect to.
	Path string `yaml:"path"`

	// HeartbeatSeconds is the interval between heartbeat frames pushed
	// to every connected socket. Default: 60.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`

	// BindMagic is the message body a client must present in its bind
	// request. The companion app and the hub must agree on this value.
	BindMagic string `yaml:"bind_magic"`

	MaxMessageSize int `yaml:"max_message_size"`
}

// BLEConfig contains Bluetooth Low Energy transport settings.
type BLEConfig struct {
	// ScanTimeoutSeconds bounds a discovery scan. An expired scan returns
	// the peripherals found so far rather than an error. Default: 10.
	ScanTimeoutSeconds int `yaml:"scan_timeout_seconds"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// BatteryPollSeconds is the interval between battery level queries
	// while a device is connected. Default: 60.
	BatteryPollSeconds int `yaml:"battery_poll_seconds"`
}

// ReconnectConfig bounds adapter-initiated reconnection.
type ReconnectConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	DelaySeconds int `yaml:"delay_seconds"`
}

// MQTTConfig contains MQTT broker connection settings for the mod-event bridge.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains telemetry history recording settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DispatchConfig contains event dispatch engine settings.
type DispatchConfig struct {
	// GlobalScalePercent scales every dispatched strength value
	// (0-100, default 100). Persisted settings may override it at runtime.
	GlobalScalePercent int `yaml:"global_scale_percent"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PULSELINK_SECTION_KEY
// For example: PULSELINK_DATABASE_PATH, PULSELINK_RELAY_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			ID:   "hub-001",
			Name: "PulseLink",
		},
		Database: DatabaseConfig{
			Path:        "./data/pulselink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Relay: RelayConfig{
			Host:             "0.0.0.0",
			Port:             9449,
			Path:             "/ws",
			HeartbeatSeconds: 60,
			BindMagic:        "DGLAB",
			MaxMessageSize:   8192,
		},
		BLE: BLEConfig{
			ScanTimeoutSeconds: 10,
			Reconnect: ReconnectConfig{
				MaxAttempts:  5,
				DelaySeconds: 3,
			},
			BatteryPollSeconds: 60,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pulselink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Dispatch: DispatchConfig{
			GlobalScalePercent: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PULSELINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSELINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("PULSELINK_RELAY_HOST"); v != "" {
		cfg.Relay.Host = v
	}
	if v := os.Getenv("PULSELINK_RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Relay.Port = port
		}
	}

	if v := os.Getenv("PULSELINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PULSELINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PULSELINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("PULSELINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Hub.ID == "" {
		errs = append(errs, "hub.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		errs = append(errs, "relay.port must be between 1 and 65535")
	}
	if c.Relay.HeartbeatSeconds < 1 {
		errs = append(errs, "relay.heartbeat_seconds must be positive")
	}
	if c.Relay.BindMagic == "" {
		errs = append(errs, "relay.bind_magic is required")
	}

	if c.BLE.ScanTimeoutSeconds < 1 {
		errs = append(errs, "ble.scan_timeout_seconds must be positive")
	}
	if c.BLE.Reconnect.MaxAttempts < 1 {
		errs = append(errs, "ble.reconnect.max_attempts must be positive")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Dispatch.GlobalScalePercent < 0 || c.Dispatch.GlobalScalePercent > 100 {
		errs = append(errs, "dispatch.global_scale_percent must be between 0 and 100")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ScanTimeout returns the BLE scan timeout as a Duration.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.BLE.ScanTimeoutSeconds) * time.Second
}

// ReconnectDelay returns the BLE reconnect delay as a Duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.BLE.Reconnect.DelaySeconds) * time.Second
}

// BatteryPollInterval returns the battery poll interval as a Duration.
func (c *Config) BatteryPollInterval() time.Duration {
	return time.Duration(c.BLE.BatteryPollSeconds) * time.Second
}

// HeartbeatInterval returns the relay heartbeat interval as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Relay.HeartbeatSeconds) * time.Second
}
