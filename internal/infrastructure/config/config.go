package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the M-Bus gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway       GatewayConfig       `yaml:"gateway"`
	MBus          MBusConfig          `yaml:"mbus"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Database      DatabaseConfig      `yaml:"database"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
	Advanced      AdvancedConfig      `yaml:"advanced"`
}

// GatewayConfig contains gateway identity published in discovery messages.
type GatewayConfig struct {
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`

	// MetricsInterval is how often gateway self-metrics (uptime, address)
	// are recomputed and published (seconds).
	MetricsInterval int `yaml:"metrics_interval"`
}

// MBusConfig contains serial bus settings and polling intervals.
type MBusConfig struct {
	// Port is the serial device path (e.g. "/dev/ttyUSB0").
	Port string `yaml:"port"`

	// Baudrate for the M-Bus level converter. M-Bus meters commonly
	// use 2400 or 9600 baud with 8E1 framing.
	Baudrate int `yaml:"baudrate"`

	// Timeout is the per-exchange reply timeout (seconds, fractional allowed).
	Timeout float64 `yaml:"timeout"`

	// ScanInterval is how often the secondary-address scan runs (seconds).
	ScanInterval int `yaml:"scan_interval"`

	// ReadInterval is the default per-device poll interval (seconds).
	ReadInterval int `yaml:"read_interval"`

	// MaxRetries is the number of consecutive read failures before a
	// device is marked offline.
	MaxRetries int `yaml:"max_retries"`

	// PrimaryScanMin/Max bound the primary-address probe range.
	PrimaryScanMin int `yaml:"primary_scan_min"`
	PrimaryScanMax int `yaml:"primary_scan_max"`

	// CircuitBreaker guards the whole bus against a wedged transceiver.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Devices pre-declares known meters. Scanned devices are merged in;
	// declared devices may override the name and poll interval.
	Devices []DeviceConfig `yaml:"devices"`
}

// CircuitBreakerConfig contains bus failure-guard settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of bus failures before the breaker opens.
	FailureThreshold int `yaml:"failure_threshold"`

	// Timeout is how long the breaker stays open before probing (seconds).
	Timeout int `yaml:"timeout"`
}

// DeviceConfig pre-declares a meter on the bus.
type DeviceConfig struct {
	// Address is a primary address (0-250, decimal) or a 16 hex-digit
	// secondary address.
	Address string `yaml:"address"`

	// Name overrides the generated device name.
	Name string `yaml:"name"`

	// ReadInterval overrides mbus.read_interval for this device (seconds).
	ReadInterval int `yaml:"read_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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
}

// HomeAssistantConfig contains discovery-convention settings.
type HomeAssistantConfig struct {
	// DiscoveryPrefix is the root of discovery config topics.
	// Home Assistant's default is "homeassistant".
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// TopicPrefix is the root of per-attribute state topics.
	TopicPrefix string `yaml:"topic_prefix"`

	// BridgeStateTopic carries "online"/"offline" for the whole bridge.
	// Also used as the LWT topic.
	BridgeStateTopic string `yaml:"bridge_state_topic"`

	// ExpireAfter marks entities unavailable when no state update arrives
	// within this window (seconds).
	ExpireAfter int `yaml:"expire_after"`

	// HeartbeatInterval re-publishes the bridge online message (seconds).
	// Must be strictly less than ExpireAfter.
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// StatusTopic is where Home Assistant announces its own lifecycle.
	StatusTopic string `yaml:"status_topic"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryDays bounds the state_history table. 0 disables history.
	HistoryDays int `yaml:"history_days"`

	// CleanupInterval is how often old history is purged (seconds).
	CleanupInterval int `yaml:"cleanup_interval"`

	// QueueDrainBatch is the maximum queued messages delivered per drain pass.
	QueueDrainBatch int `yaml:"queue_drain_batch"`

	// QueueDrainInterval is how often the drain loop runs (seconds).
	QueueDrainInterval int `yaml:"queue_drain_interval"`
}

// InfluxDBConfig contains the optional meter-reading history sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AdvancedConfig contains tuning knobs that rarely need changing.
type AdvancedConfig struct {
	// WorkerPoolSize bounds concurrent blocking bus operations dispatched
	// off the scheduler loop. The bus mutex still serialises exchanges.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// ShutdownTimeout bounds the wait for in-flight operations (seconds).
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MBUSGW_SECTION_KEY
// For example: MBUSGW_DATABASE_PATH, MBUSGW_MQTT_HOST
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
		Gateway: GatewayConfig{
			Name:            "M-Bus Gateway",
			Manufacturer:    "Custom",
			Model:           "M-Bus MQTT Gateway",
			MetricsInterval: 30,
		},
		MBus: MBusConfig{
			Port:           "/dev/ttyUSB0",
			Baudrate:       9600,
			Timeout:        5.0,
			ScanInterval:   3600,
			ReadInterval:   15,
			MaxRetries:     3,
			PrimaryScanMin: 0,
			PrimaryScanMax: 10,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          300,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		HomeAssistant: HomeAssistantConfig{
			DiscoveryPrefix:   "homeassistant",
			TopicPrefix:       "mbus",
			BridgeStateTopic:  "mbus/bridge/state",
			ExpireAfter:       300,
			HeartbeatInterval: 60,
			StatusTopic:       "homeassistant/status",
		},
		Database: DatabaseConfig{
			Path:               "./data/mbus-gateway.db",
			WALMode:            true,
			BusyTimeout:        5,
			HistoryDays:        7,
			CleanupInterval:    86400,
			QueueDrainBatch:    100,
			QueueDrainInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Advanced: AdvancedConfig{
			WorkerPoolSize:  4,
			ShutdownTimeout: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MBUSGW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial bus
	if v := os.Getenv("MBUSGW_MBUS_PORT"); v != "" {
		cfg.MBus.Port = v
	}

	// MQTT
	if v := os.Getenv("MBUSGW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MBUSGW_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("MBUSGW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MBUSGW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("MBUSGW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("MBUSGW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.MBus.Port == "" {
		errs = append(errs, "mbus.port is required")
	}
	if c.MBus.Baudrate < 300 {
		errs = append(errs, "mbus.baudrate must be at least 300")
	}
	if c.MBus.MaxRetries < 1 {
		errs = append(errs, "mbus.max_retries must be at least 1")
	}
	if c.MBus.PrimaryScanMin < 0 || c.MBus.PrimaryScanMax > 250 ||
		c.MBus.PrimaryScanMin > c.MBus.PrimaryScanMax {
		errs = append(errs, "mbus primary scan range must satisfy 0 <= min <= max <= 250")
	}
	if c.MBus.CircuitBreaker.FailureThreshold < 1 {
		errs = append(errs, "mbus.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Gateway.MetricsInterval < 1 {
		errs = append(errs, "gateway.metrics_interval must be at least 1")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// A heartbeat slower than the expiry window would flap every entity
	// to unavailable between beats.
	if c.HomeAssistant.HeartbeatInterval >= c.HomeAssistant.ExpireAfter {
		errs = append(errs, "homeassistant.heartbeat_interval must be less than expire_after")
	}

	if c.Advanced.WorkerPoolSize < 1 {
		errs = append(errs, "advanced.worker_pool_size must be at least 1")
	}

	for _, d := range c.MBus.Devices {
		if d.Address == "" {
			errs = append(errs, "mbus.devices entries require an address")
			break
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BusTimeout returns the per-exchange reply timeout as a Duration.
func (c *Config) BusTimeout() time.Duration {
	return c.MBus.ReplyTimeout()
}

// ReplyTimeout returns the per-exchange reply timeout as a Duration.
func (m MBusConfig) ReplyTimeout() time.Duration {
	return time.Duration(m.Timeout * float64(time.Second))
}

// ScanInterval returns the bus scan interval as a Duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.MBus.ScanInterval) * time.Second
}

// ReadInterval returns the default device poll interval as a Duration.
func (c *Config) ReadInterval() time.Duration {
	return time.Duration(c.MBus.ReadInterval) * time.Second
}

// HeartbeatInterval returns the bridge heartbeat interval as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HomeAssistant.HeartbeatInterval) * time.Second
}

// ShutdownTimeout returns the graceful-shutdown bound as a Duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Advanced.ShutdownTimeout) * time.Second
}
