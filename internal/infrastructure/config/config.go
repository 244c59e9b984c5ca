package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for regsup.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	NPM        NPMConfig        `yaml:"npm"`
	Registry   RegistryConfig   `yaml:"registry"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SupervisorConfig describes the supervised registry server process.
type SupervisorConfig struct {
	// Name identifies the process in logs and published state.
	Name string `yaml:"name"`

	// Binary is the server executable, resolved through PATH.
	// Default: "verdaccio"
	Binary string `yaml:"binary"`

	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	WorkDir string   `yaml:"work_dir"`

	// VersionArgs are passed to Binary for the one-time tool check.
	// Default: ["--version"]
	VersionArgs []string `yaml:"version_args"`

	// InstallPackage is the global package that provides Binary.
	// Default: "verdaccio"
	InstallPackage string `yaml:"install_package"`

	// IdleTimeout stops the server after this long without activity.
	// Default: 30s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// GracefulTimeout is how long to wait after StopSignal before SIGKILL.
	// Default: 10s
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// StopSignal requests shutdown: SIGINT, SIGTERM, SIGHUP or SIGQUIT.
	// Default: "SIGINT"
	StopSignal string `yaml:"stop_signal"`

	// RetainBytes caps the output kept per stream.
	// Default: 65536
	RetainBytes int `yaml:"retain_bytes"`

	Buffer BufferConfig `yaml:"buffer"`
}

// BufferConfig sizes the output buffers.
type BufferConfig struct {
	Initial     int `yaml:"initial"`
	GrowQuantum int `yaml:"grow_quantum"`
}

// NPMConfig configures package-manager invocations.
type NPMConfig struct {
	Binary    string        `yaml:"binary"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"max_output"`
}

// RegistryConfig configures discovery and queries against the registry.
type RegistryConfig struct {
	// ReadyTimeout bounds the wait for the server to bind its port.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// DiscoverOnStart scrapes the configuration as soon as serve starts.
	DiscoverOnStart bool `yaml:"discover_on_start"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
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

// APIConfig contains HTTP API server settings. The API only runs under
// "regsup serve".
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Panel    PanelConfig      `yaml:"panel"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// PanelConfig controls the status dashboard served next to the API.
type PanelConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir serves the dashboard from disk instead of the embedded copy.
	Dir string `yaml:"dir"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// AccessTokenTTL is the default lifetime of minted tokens in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

const minJWTSecretLength = 32

// stopSignals maps accepted stop_signal values to signals.
var stopSignals = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: REGSUP_SECTION_KEY
// For example: REGSUP_DATABASE_PATH, REGSUP_SUPERVISOR_IDLE_TIMEOUT
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOptional behaves like Load but falls back to defaults (plus
// environment overrides) when the file does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			Name:            "verdaccio",
			Binary:          "verdaccio",
			VersionArgs:     []string{"--version"},
			InstallPackage:  "verdaccio",
			IdleTimeout:     30 * time.Second,
			GracefulTimeout: 10 * time.Second,
			StopSignal:      "SIGINT",
			RetainBytes:     64 * 1024,
			Buffer: BufferConfig{
				Initial:     32,
				GrowQuantum: 16,
			},
		},
		NPM: NPMConfig{
			Binary:    "npm",
			Timeout:   60 * time.Second,
			MaxOutput: 1 << 20,
		},
		Registry: RegistryConfig{
			ReadyTimeout:    30 * time.Second,
			DiscoverOnStart: true,
		},
		Database: DatabaseConfig{
			Path:        "./data/regsup.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "regsup",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			TopicPrefix: "regsup",
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "regsup",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 4874,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 120,
				Idle:  60,
			},
			Panel: PanelConfig{Enabled: true},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: REGSUP_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Supervisor
	if v := os.Getenv("REGSUP_SUPERVISOR_BINARY"); v != "" {
		cfg.Supervisor.Binary = v
	}
	if v := os.Getenv("REGSUP_SUPERVISOR_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing REGSUP_SUPERVISOR_IDLE_TIMEOUT: %w", err)
		}
		cfg.Supervisor.IdleTimeout = d
	}

	// NPM
	if v := os.Getenv("REGSUP_NPM_BINARY"); v != "" {
		cfg.NPM.Binary = v
	}

	// Database
	if v := os.Getenv("REGSUP_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("REGSUP_MQTT_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing REGSUP_MQTT_ENABLED: %w", err)
		}
		cfg.MQTT.Enabled = enabled
	}
	if v := os.Getenv("REGSUP_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("REGSUP_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("REGSUP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("REGSUP_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("REGSUP_API_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing REGSUP_API_ENABLED: %w", err)
		}
		cfg.API.Enabled = enabled
	}
	if v := os.Getenv("REGSUP_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("REGSUP_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing REGSUP_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	// Security - prefer the environment over the file for the JWT secret
	if v := os.Getenv("REGSUP_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	// Logging
	if v := os.Getenv("REGSUP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Supervisor validation
	if c.Supervisor.Binary == "" {
		errs = append(errs, "supervisor.binary is required")
	}
	if c.Supervisor.IdleTimeout == 0 {
		errs = append(errs, "supervisor.idle_timeout must be non-zero (negative disables the idle stop)")
	}
	if c.Supervisor.GracefulTimeout <= 0 {
		errs = append(errs, "supervisor.graceful_timeout must be positive")
	}
	if _, ok := stopSignals[strings.ToUpper(c.Supervisor.StopSignal)]; !ok {
		errs = append(errs, fmt.Sprintf("supervisor.stop_signal %q is not supported", c.Supervisor.StopSignal))
	}
	if c.Supervisor.Buffer.Initial < 0 || c.Supervisor.Buffer.GrowQuantum < 0 {
		errs = append(errs, "supervisor.buffer sizes must not be negative")
	}

	// NPM validation
	if c.NPM.Binary == "" {
		errs = append(errs, "npm.binary is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
			errs = append(errs, "websocket.ping_interval and websocket.pong_timeout must be positive")
		}
	}

	// Security validation - an empty secret leaves the API open, a short one is refused
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("security.jwt.secret must be at least %d characters", minJWTSecretLength))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Signal returns the configured stop signal. Validate must have passed.
func (s SupervisorConfig) Signal() syscall.Signal {
	if sig, ok := stopSignals[strings.ToUpper(s.StopSignal)]; ok {
		return sig
	}
	return syscall.SIGINT
}

// InstallHint returns the command that installs the supervised tool.
func (c *Config) InstallHint() string {
	if c.Supervisor.InstallPackage == "" {
		return ""
	}
	return c.NPM.Binary + " install --global " + c.Supervisor.InstallPackage
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
