package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	// An empty file keeps every default.
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Port != 9449 {
		t.Errorf("relay.port = %d, want 9449", cfg.Relay.Port)
	}
	if cfg.Relay.BindMagic != "DGLAB" {
		t.Errorf("relay.bind_magic = %q, want DGLAB", cfg.Relay.BindMagic)
	}
	if cfg.Relay.Path != "/ws" {
		t.Errorf("relay.path = %q, want /ws", cfg.Relay.Path)
	}
	if cfg.Database.Path != "./data/pulselink.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if !cfg.Database.WALMode {
		t.Error("database.wal_mode should default to true")
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt should default to disabled")
	}
	if cfg.InfluxDB.Enabled {
		t.Error("influxdb should default to disabled")
	}
	if cfg.Dispatch.GlobalScalePercent != 100 {
		t.Errorf("dispatch.global_scale_percent = %d, want 100", cfg.Dispatch.GlobalScalePercent)
	}
	if cfg.BLE.Reconnect.MaxAttempts != 5 {
		t.Errorf("ble.reconnect.max_attempts = %d, want 5", cfg.BLE.Reconnect.MaxAttempts)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
relay:
  port: 8080
  bind_magic: SECRET
ble:
  scan_timeout_seconds: 30
dispatch:
  global_scale_percent: 40
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Port != 8080 {
		t.Errorf("relay.port = %d, want 8080", cfg.Relay.Port)
	}
	if cfg.Relay.BindMagic != "SECRET" {
		t.Errorf("relay.bind_magic = %q, want SECRET", cfg.Relay.BindMagic)
	}
	if cfg.BLE.ScanTimeoutSeconds != 30 {
		t.Errorf("ble.scan_timeout_seconds = %d, want 30", cfg.BLE.ScanTimeoutSeconds)
	}
	if cfg.Dispatch.GlobalScalePercent != 40 {
		t.Errorf("dispatch.global_scale_percent = %d, want 40", cfg.Dispatch.GlobalScalePercent)
	}
	// Untouched sections keep their defaults.
	if cfg.Relay.HeartbeatSeconds != 60 {
		t.Errorf("relay.heartbeat_seconds = %d, want 60", cfg.Relay.HeartbeatSeconds)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("PULSELINK_RELAY_PORT", "7000")
	t.Setenv("PULSELINK_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("PULSELINK_MQTT_PASSWORD", "hunter2")

	cfg, err := Load(writeConfig(t, `
relay:
  port: 8080
database:
  path: /tmp/file.db
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Port != 7000 {
		t.Errorf("relay.port = %d, want 7000 (env wins)", cfg.Relay.Port)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("database.path = %q, want /tmp/env.db", cfg.Database.Path)
	}
	if cfg.MQTT.Auth.Password != "hunter2" {
		t.Errorf("mqtt.auth.password = %q, want hunter2", cfg.MQTT.Auth.Password)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "relay: [not a mapping")); err == nil {
		t.Error("Load() should fail for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "missing hub id", mutate: func(c *Config) { c.Hub.ID = "" }},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }},
		{name: "relay port too low", mutate: func(c *Config) { c.Relay.Port = 0 }},
		{name: "relay port too high", mutate: func(c *Config) { c.Relay.Port = 70000 }},
		{name: "zero heartbeat", mutate: func(c *Config) { c.Relay.HeartbeatSeconds = 0 }},
		{name: "missing bind magic", mutate: func(c *Config) { c.Relay.BindMagic = "" }},
		{name: "zero scan timeout", mutate: func(c *Config) { c.BLE.ScanTimeoutSeconds = 0 }},
		{name: "bad qos", mutate: func(c *Config) { c.MQTT.QoS = 3 }},
		{name: "scale over 100", mutate: func(c *Config) { c.Dispatch.GlobalScalePercent = 150 }},
		{name: "negative scale", mutate: func(c *Config) { c.Dispatch.GlobalScalePercent = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}

	if err := defaultConfig().Validate(); err != nil {
		t.Errorf("default config Validate() error = %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.ScanTimeout(); got != 10*time.Second {
		t.Errorf("ScanTimeout() = %v, want 10s", got)
	}
	if got := cfg.ReconnectDelay(); got != 3*time.Second {
		t.Errorf("ReconnectDelay() = %v, want 3s", got)
	}
	if got := cfg.BatteryPollInterval(); got != 60*time.Second {
		t.Errorf("BatteryPollInterval() = %v, want 60s", got)
	}
	if got := cfg.HeartbeatInterval(); got != 60*time.Second {
		t.Errorf("HeartbeatInterval() = %v, want 60s", got)
	}
}
