package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a temporary config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
mbus:
  port: /dev/ttyUSB0
mqtt:
  broker:
    host: broker.local
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.MBus.Baudrate != 9600 {
		t.Errorf("default baudrate = %d, want 9600", cfg.MBus.Baudrate)
	}
	if cfg.MBus.MaxRetries != 3 {
		t.Errorf("default max_retries = %d, want 3", cfg.MBus.MaxRetries)
	}
	if cfg.HomeAssistant.DiscoveryPrefix != "homeassistant" {
		t.Errorf("default discovery_prefix = %q", cfg.HomeAssistant.DiscoveryPrefix)
	}
	if cfg.Database.QueueDrainBatch != 100 {
		t.Errorf("default queue_drain_batch = %d, want 100", cfg.Database.QueueDrainBatch)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("broker host = %q, want broker.local", cfg.MQTT.Broker.Host)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
mbus:
  port: /dev/ttyAMA0
  baudrate: 2400
  read_interval: 60
  devices:
    - address: "12345678"
      name: Heat Meter
      read_interval: 300
homeassistant:
  expire_after: 600
  heartbeat_interval: 120
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.MBus.Port != "/dev/ttyAMA0" {
		t.Errorf("port = %q", cfg.MBus.Port)
	}
	if cfg.MBus.Baudrate != 2400 {
		t.Errorf("baudrate = %d, want 2400", cfg.MBus.Baudrate)
	}
	if len(cfg.MBus.Devices) != 1 || cfg.MBus.Devices[0].Name != "Heat Meter" {
		t.Errorf("devices = %+v", cfg.MBus.Devices)
	}
	if cfg.ReadInterval() != 60*time.Second {
		t.Errorf("ReadInterval() = %v, want 60s", cfg.ReadInterval())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MBUSGW_MQTT_HOST", "env-broker")
	t.Setenv("MBUSGW_MQTT_PASSWORD", "hunter2")
	t.Setenv("MBUSGW_DATABASE_PATH", "/tmp/override.db")

	path := writeConfig(t, `
mbus:
  port: /dev/ttyUSB0
mqtt:
  broker:
    host: file-broker
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.MQTT.Broker.Host != "env-broker" {
		t.Errorf("host = %q, want env override", cfg.MQTT.Broker.Host)
	}
	if cfg.MQTT.Auth.Password != "hunter2" {
		t.Errorf("password not applied from environment")
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() should fail for missing file")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.MBus.Port = "" },
			wantSub: "mbus.port",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantSub: "mqtt.qos",
		},
		{
			name:    "heartbeat not below expiry",
			mutate:  func(c *Config) { c.HomeAssistant.HeartbeatInterval = c.HomeAssistant.ExpireAfter },
			wantSub: "heartbeat_interval",
		},
		{
			name:    "inverted primary range",
			mutate:  func(c *Config) { c.MBus.PrimaryScanMin = 20; c.MBus.PrimaryScanMax = 10 },
			wantSub: "primary scan range",
		},
		{
			name:    "device without address",
			mutate:  func(c *Config) { c.MBus.Devices = []DeviceConfig{{Name: "nameless"}} },
			wantSub: "address",
		},
		{
			name:    "zero metrics interval",
			mutate:  func(c *Config) { c.Gateway.MetricsInterval = 0 },
			wantSub: "metrics_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestBusTimeout_Fractional(t *testing.T) {
	cfg := defaultConfig()
	cfg.MBus.Timeout = 0.5

	if got := cfg.BusTimeout(); got != 500*time.Millisecond {
		t.Errorf("BusTimeout() = %v, want 500ms", got)
	}
}
