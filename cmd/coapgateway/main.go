// Command coapgateway exposes a single CoAP sensor board over HTTP.
//
// The gateway translates dashboard and REST calls into CoAP exchanges with
// the device (LED state and control, temperature, tempVar counter) and
// optionally mirrors readings to MQTT, SQLite history and InfluxDB.
//
// Configuration is read from configs/config.yaml, or the file named by
// COAPGW_CONFIG, and can be overridden by environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/coap-gateway/migrations"

	"github.com/nerrad567/coap-gateway/internal/api"
	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
	"github.com/nerrad567/coap-gateway/internal/history"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/config"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/database"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/coap-gateway/internal/panel"
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

// configPathEnv names the environment variable that overrides defaultConfigPath.
const configPathEnv = "COAPGW_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default(logging.ServiceGateway)
	log.Info("starting CoAP gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath, configPath == defaultConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, logging.ServiceGateway, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Reading history (optional)
	var db *database.DB
	var historyRepo history.Repository
	if cfg.Database.Enabled {
		db, err = openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database ready", "path", cfg.Database.Path)
		historyRepo = history.NewSQLiteRepository(db.DB)
	} else {
		log.Info("reading history disabled")
	}

	// MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device stack: endpoint, transport, dispatcher, gateway
	endpoint, err := coap.NewEndpoint(cfg.Device.Host, cfg.Device.Port)
	if err != nil {
		return fmt.Errorf("device endpoint: %w", err)
	}

	transport, err := coap.NewTransport(coap.TransportConfig{
		Policy:      coap.TransportPolicy(cfg.Device.Transport.Policy),
		Address:     endpoint.Address(),
		MaxInFlight: cfg.Device.Transport.MaxInFlight,
		Logger:      log.Component("transport"),
	})
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	defer func() {
		log.Info("closing device transport")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing transport", "error", closeErr)
		}
	}()

	dispatcher, err := coap.NewDispatcher(coap.DispatcherOptions{
		Endpoint:   endpoint,
		Transport:  transport,
		Timeout:    cfg.Device.Timeout,
		Retry:      retryPolicy(cfg.Device.Retry),
		OnExchange: exchangeRecorder(influxClient),
		Logger:     log.Component("dispatcher"),
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	notifier := coap.NewNotifier(1, log.Component("notifier"))
	defer notifier.Stop()

	gateway, err := coap.NewGateway(coap.GatewayOptions{
		Sender:    dispatcher,
		Publisher: notifier,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	log.Info("device gateway ready",
		"device", endpoint.String(),
		"transport", cfg.Device.Transport.Policy,
		"timeout", cfg.Device.Timeout,
	)

	// Reading observers
	if historyRepo != nil {
		recorder := history.NewRecorder(historyRepo, log.Component("history"))
		notifier.Subscribe(coap.ObserverFunc(func(r coap.Reading) {
			recorder.Save(historyEntry(r))
		}))

		pruner := history.NewPruner(historyRepo, cfg.Telemetry.HistoryRetention, 0, log.Component("history"))
		pruner.Start(ctx)
		defer pruner.Stop()
	}
	if influxClient != nil {
		notifier.Subscribe(coap.ObserverFunc(func(r coap.Reading) {
			influxClient.WriteReading(string(r.Resource), r.Value, r.Source, r.Timestamp)
		}))
	}

	// MQTT bridge
	if mqttClient != nil {
		bridge, bridgeErr := coap.NewBridge(coap.BridgeOptions{
			ID:             cfg.MQTT.Broker.ClientID,
			Version:        version,
			Endpoint:       endpoint,
			Controller:     gateway,
			MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
			Notifier:       notifier,
			Exchanges:      dispatcher,
			Transport:      transport,
			HealthInterval: cfg.MQTT.HealthInterval,
			Logger:         log.Component("bridge"),
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	}

	// Background poller
	var poller *coap.Poller
	if cfg.Telemetry.PollInterval > 0 {
		poller = coap.NewPoller(coap.PollerConfig{
			Reader:   gateway,
			Interval: cfg.Telemetry.PollInterval,
			Logger:   log.Component("poller"),
		})
		poller.Start(ctx)
		defer poller.Stop()
		log.Info("poller started", "interval", cfg.Telemetry.PollInterval)
	}

	// HTTP API and dashboard
	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log.Component("api"),
		Gateway:   gateway,
		Version:   version,
		Panel:     panel.Handler(os.Getenv("COAPGW_PANEL_DIR"), panel.Page{DeviceHost: cfg.DeviceAddress(), Version: version}),
		Exchanges: dispatcher,
		Transport: transport,
		Readings:  notifier,
	}
	// Assigned conditionally so the interfaces stay nil, not typed-nil.
	if historyRepo != nil {
		deps.History = historyRepo
	}
	if poller != nil {
		deps.Poller = poller
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if db != nil {
		deps.DB = db
	}

	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	notifier.Subscribe(apiServer.Hub())

	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", apiServer.Addr(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, poller, bridge,
	// pruner, notifier, transport, InfluxDB, MQTT, database.

	return nil
}

// getConfigPath returns the configuration file path.
// Uses COAPGW_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv(configPathEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// openDatabase opens SQLite and applies pending migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func retryPolicy(cfg config.DeviceRetryConfig) coap.RetryPolicy {
	return coap.RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
		AddJitter:    cfg.MaxAttempts > 1,
	}
}

// exchangeRecorder returns a dispatcher hook writing exchange timings to
// InfluxDB, or nil when InfluxDB is disabled.
func exchangeRecorder(client *influxdb.Client) func(coap.Exchange) {
	if client == nil {
		return nil
	}
	return func(ex coap.Exchange) {
		client.WriteExchange(string(ex.Resource), string(ex.Verb), exchangeOutcome(ex),
			ex.Duration, ex.Attempts, ex.StartedAt)
	}
}

func exchangeOutcome(ex coap.Exchange) string {
	if ex.Err == nil {
		return "ok"
	}
	return string(ex.Err.Kind)
}

func historyEntry(r coap.Reading) history.Entry {
	return history.Entry{
		Resource:  string(r.Resource),
		Value:     r.Value,
		Text:      r.Text,
		Source:    r.Source,
		CreatedAt: r.Timestamp,
	}
}

// healthCheck verifies the enabled infrastructure connections.
// Nil clients are skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts *mqtt.Client to coap.MQTTClient.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
