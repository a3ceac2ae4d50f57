// PulseLink Core - local feedback hub
//
// This is the main entry point for the PulseLink Core application.
// PulseLink bridges real-time gameplay and sensor events to physical
// feedback devices over Bluetooth Low Energy and a WebSocket relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tinygo.org/x/bluetooth"

	_ "github.com/nerrad567/pulselink-core/migrations"

	"github.com/nerrad567/pulselink-core/internal/bus"
	"github.com/nerrad567/pulselink-core/internal/device"
	"github.com/nerrad567/pulselink-core/internal/dispatch"
	"github.com/nerrad567/pulselink-core/internal/infrastructure/config"
	"github.com/nerrad567/pulselink-core/internal/infrastructure/database"
	"github.com/nerrad567/pulselink-core/internal/infrastructure/logging"
	"github.com/nerrad567/pulselink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/pulselink-core/internal/infrastructure/telemetry"
	"github.com/nerrad567/pulselink-core/internal/protocol/ems"
	"github.com/nerrad567/pulselink-core/internal/protocol/socketdev"
	"github.com/nerrad567/pulselink-core/internal/relay"
	"github.com/nerrad567/pulselink-core/internal/transport/ble"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
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

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting PulseLink Core",
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

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and apply migrations
	db, err := database.Open(database.Config{
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

	// Event bus connects stimulus sources to the dispatch engine and
	// telemetry observers.
	events := bus.New()

	// Device manager and protocol adapters
	deviceRepo := device.NewRepository(db)
	manager := device.NewManager(deviceRepo, events, log)
	defer manager.Close()

	manager.RegisterFactory(device.ModeVirtual, device.VirtualFactory())

	relayFactory := socketdev.Factory(
		0, // dial timeout: adapter default
		cfg.ReconnectDelay(),
		cfg.BLE.Reconnect.MaxAttempts,
		log,
	)
	manager.RegisterFactory(device.ModeRelay, relayFactory)
	manager.RegisterFactory(device.ModeIMRelay, relayFactory)

	if central, bleErr := ble.NewCentral(bluetooth.DefaultAdapter); bleErr != nil {
		// A hub without a BLE radio still serves relay and virtual devices.
		log.Warn("BLE unavailable, bluetooth devices disabled", "error", bleErr)
	} else {
		manager.RegisterFactory(device.ModeBLE, ems.Factory(
			central,
			cfg.ScanTimeout(),
			cfg.ReconnectDelay(),
			cfg.BatteryPollInterval(),
			cfg.BLE.Reconnect.MaxAttempts,
			log,
		))
	}

	if loadErr := manager.LoadPersisted(ctx); loadErr != nil {
		return fmt.Errorf("loading devices: %w", loadErr)
	}
	log.Info("device manager initialised", "devices", len(manager.ListDevices("")))

	// Relay/binding server for companion-app pairing
	relayServer := relay.NewServer(cfg.Relay, log)
	if startErr := relayServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting relay server: %w", startErr)
	}

	// Dispatch engine
	ruleRepo := dispatch.NewRepository(db)
	if seedErr := ruleRepo.SeedDefaults(ctx); seedErr != nil {
		return fmt.Errorf("seeding rules: %w", seedErr)
	}

	scale := deviceRepo.GlobalScalePercent(ctx, cfg.Dispatch.GlobalScalePercent)
	engine := dispatch.NewEngine(manager, ruleRepo, events, scale, log)
	if runErr := engine.Run(ctx); runErr != nil {
		return fmt.Errorf("starting dispatch engine: %w", runErr)
	}
	defer engine.Close()
	log.Info("dispatch engine running", "global_scale_percent", scale)

	// Mod-event bridge (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)

		bridge := mqtt.NewBridge(mqttClient, events, byte(cfg.MQTT.QoS))
		if bridgeErr := bridge.Start(); bridgeErr != nil {
			return fmt.Errorf("starting mod-event bridge: %w", bridgeErr)
		}
		log.Info("mod-event bridge running",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Telemetry history (optional)
	recorder, telErr := telemetry.Connect(cfg.InfluxDB, events, log)
	switch {
	case errors.Is(telErr, telemetry.ErrDisabled):
		log.Info("telemetry recording disabled")
	case telErr != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", telErr)
	default:
		recorder.Start()
		defer func() {
			log.Info("closing telemetry recorder")
			if closeErr := recorder.Close(); closeErr != nil {
				log.Error("error closing telemetry recorder", "error", closeErr)
			}
		}()
		log.Info("telemetry recording to InfluxDB", "url", cfg.InfluxDB.URL)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PULSELINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PULSELINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
