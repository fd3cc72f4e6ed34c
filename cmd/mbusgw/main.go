// M-Bus MQTT Gateway
//
// Bridges meters on a wired M-Bus (EN 13757) serial segment into Home
// Assistant over MQTT: scans the bus for devices, polls them on
// configurable intervals, publishes discovery configs and readings, and
// keeps durable state in SQLite so restarts and broker outages lose
// nothing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/mbus-gateway/migrations"

	"github.com/nerrad567/mbus-gateway/internal/gateway"
	"github.com/nerrad567/mbus-gateway/internal/infrastructure/config"
	"github.com/nerrad567/mbus-gateway/internal/infrastructure/database"
	"github.com/nerrad567/mbus-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/mbus-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/mbus-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/mbus-gateway/internal/mbus"
	"github.com/nerrad567/mbus-gateway/internal/store"
	"github.com/nerrad567/mbus-gateway/internal/sync"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Components are wired bottom-up and closed in reverse;
// the store's database closes last so nothing loses its persistence
// mid-shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting M-Bus gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database + migrations
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	gatewayStore := store.NewSQLiteStore(db)

	// MQTT broker, with the bridge availability topic as LWT
	mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.HomeAssistant.BridgeStateTopic)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB history sink (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Serial bus
	bus := mbus.NewBus(cfg.MBus)
	defer func() {
		log.Info("closing serial port")
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing serial port", "error", closeErr)
		}
	}()
	bus.SetLogger(log)
	log.Info("bus configured", "port", cfg.MBus.Port, "baudrate", cfg.MBus.Baudrate)

	scanner := mbus.NewScanner(bus, cfg.MBus)
	scanner.SetLogger(log)
	reader := mbus.NewReader(bus)
	reader.SetLogger(log)

	// Sync engine: broker sessions, discovery dedup, durable queue replay
	engine := sync.NewEngine(mqttClient, gatewayStore, sync.Options{
		HomeAssistant:     cfg.HomeAssistant,
		QoS:               byte(cfg.MQTT.QoS),
		DrainBatch:        cfg.Database.QueueDrainBatch,
		DrainInterval:     secondsDuration(cfg.Database.QueueDrainInterval),
		HeartbeatInterval: cfg.HeartbeatInterval(),
	})
	engine.SetLogger(log)
	engine.Start()
	go engine.Run(ctx)

	// Orchestrator
	status := gateway.NewStatusTracker()
	var history gateway.HistorySink
	if influxClient != nil {
		history = influxClient
	}

	orchestrator := gateway.NewOrchestrator(gateway.Options{
		Config:  cfg,
		Scanner: scanner,
		Reader:  reader,
		Engine:  engine,
		Store:   gatewayStore,
		History: history,
		Status:  status,
	})
	orchestrator.SetLogger(log)

	log.Info("gateway running",
		"scan_interval", cfg.ScanInterval().String(),
		"read_interval", cfg.ReadInterval().String(),
		"configured_devices", len(cfg.MBus.Devices),
	)

	if runErr := orchestrator.Run(ctx); runErr != nil {
		return fmt.Errorf("orchestrator: %w", runErr)
	}

	log.Info("shutdown complete")
	return nil
}

// getConfigPath returns the config file path from MBUSGW_CONFIG, or the
// default.
func getConfigPath() string {
	if path := os.Getenv("MBUSGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func secondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
