package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport policies accepted by device.transport.policy.
const (
	TransportShared      = "shared"
	TransportPerExchange = "per_exchange"
)

// Config is the root configuration structure for the CoAP gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig describes the single CoAP device behind the gateway.
type DeviceConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Timeout bounds each exchange attempt.
	Timeout time.Duration `yaml:"timeout"`

	Transport DeviceTransportConfig `yaml:"transport"`
	Retry     DeviceRetryConfig     `yaml:"retry"`
}

// DeviceTransportConfig selects the connection lifecycle.
type DeviceTransportConfig struct {
	// Policy is "shared" (one long-lived connection) or "per_exchange".
	Policy string `yaml:"policy"`

	// MaxInFlight caps concurrent exchanges on the shared connection.
	// Default: 8. 1 serialises every exchange.
	MaxInFlight int `yaml:"max_in_flight"`
}

// DeviceRetryConfig enables bounded retries of timeouts and transport failures.
// MaxAttempts of 1 disables retrying.
type DeviceRetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// HealthInterval is how often the bridge publishes its health message.
	HealthInterval time.Duration `yaml:"health_interval"`
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DatabaseConfig contains SQLite settings for the reading history.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// TelemetryConfig controls background polling and history retention.
type TelemetryConfig struct {
	// PollInterval is how often the poller reads every resource. Zero disables polling.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HistoryRetention is how long readings are kept. Zero keeps them forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
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
// A missing file is not an error when allowMissing is true; the gateway then
// runs on defaults and environment alone.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case allowMissing && errors.Is(err, fs.ErrNotExist):
		// Defaults plus environment.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Host:    "192.168.1.100",
			Port:    5683,
			Timeout: 5 * time.Second,
			Transport: DeviceTransportConfig{
				Policy:      TransportShared,
				MaxInFlight: 8,
			},
			Retry: DeviceRetryConfig{
				MaxAttempts:  1,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     2 * time.Second,
				Multiplier:   2.0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "coap-gateway",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			HealthInterval: 30 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "coapgw",
			Bucket:        "device",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/coapgw.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Telemetry: TelemetryConfig{
			PollInterval:     3 * time.Second,
			HistoryRetention: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
//
// DEVICE_HOST, COAP_PORT and APP_PORT are honoured for compatibility with
// existing deployments; COAPGW_* variables take precedence over them.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
			}
		}
	}
	setInt := func(dst *int, keys ...string) {
		for _, key := range keys {
			v := os.Getenv(key)
			if v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s must be an integer, got %q", key, v))
				continue
			}
			*dst = n
		}
	}

	// Device
	setString(&cfg.Device.Host, "DEVICE_HOST", "COAPGW_DEVICE_HOST")
	setInt(&cfg.Device.Port, "COAP_PORT", "COAPGW_DEVICE_PORT")

	// API
	setString(&cfg.API.Host, "COAPGW_API_HOST")
	setInt(&cfg.API.Port, "APP_PORT", "COAPGW_API_PORT")

	// MQTT
	setString(&cfg.MQTT.Broker.Host, "COAPGW_MQTT_HOST")
	setString(&cfg.MQTT.Auth.Username, "COAPGW_MQTT_USERNAME")
	setString(&cfg.MQTT.Auth.Password, "COAPGW_MQTT_PASSWORD")

	// InfluxDB
	setString(&cfg.InfluxDB.Token, "COAPGW_INFLUXDB_TOKEN")

	// Database
	setString(&cfg.Database.Path, "COAPGW_DATABASE_PATH")

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors.
//
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	// Device
	if c.Device.Host == "" {
		errs = append(errs, "device.host is required")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		errs = append(errs, "device.port must be between 1 and 65535")
	}
	if c.Device.Timeout <= 0 {
		errs = append(errs, "device.timeout must be positive")
	}
	switch c.Device.Transport.Policy {
	case TransportShared, TransportPerExchange:
	default:
		errs = append(errs, fmt.Sprintf("device.transport.policy must be %q or %q", TransportShared, TransportPerExchange))
	}
	if c.Device.Transport.MaxInFlight < 1 {
		errs = append(errs, "device.transport.max_in_flight must be at least 1")
	}
	if c.Device.Retry.MaxAttempts < 1 {
		errs = append(errs, "device.retry.max_attempts must be at least 1")
	}
	if c.Device.Retry.Multiplier != 0 && c.Device.Retry.Multiplier < 1 {
		errs = append(errs, "device.retry.multiplier must be at least 1")
	}

	// API
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// Database
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	// Telemetry
	if c.Telemetry.PollInterval < 0 {
		errs = append(errs, "telemetry.poll_interval must not be negative")
	}
	if c.Telemetry.HistoryRetention < 0 {
		errs = append(errs, "telemetry.history_retention must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DeviceAddress returns the device host:port.
func (c *Config) DeviceAddress() string {
	return fmt.Sprintf("%s:%d", c.Device.Host, c.Device.Port)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
