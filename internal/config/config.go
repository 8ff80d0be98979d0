package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the namespace for every environment variable read by Load.
const EnvPrefix = "MAILREG"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Ledger    LedgerConfig    `yaml:"ledger" envconfig:"LEDGER"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Export    ExportConfig    `yaml:"export" envconfig:"EXPORT"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// LedgerConfig describes the relational store holding license records
// and domain activation timelines.
type LedgerConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	QueryTimeout    time.Duration `yaml:"query_timeout" envconfig:"QUERY_TIMEOUT"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
}

// LicenseConfig contains the client-side license settings: cache files,
// fingerprint derivation and the activation abuse guard.
type LicenseConfig struct {
	CacheFile       string `yaml:"cache_file" envconfig:"CACHE_FILE"`
	DomainCacheFile string `yaml:"domain_cache_file" envconfig:"DOMAIN_CACHE_FILE"`
	// CacheSecret keys the local cache encryption. It must come from the
	// deployment environment and is never written to disk.
	CacheSecret string `yaml:"-" envconfig:"CACHE_SECRET"`

	FingerprintSalt       string        `yaml:"fingerprint_salt" envconfig:"FINGERPRINT_SALT"`
	FingerprintIterations int           `yaml:"fingerprint_iterations" envconfig:"FINGERPRINT_ITERATIONS"`
	FingerprintTTL        time.Duration `yaml:"fingerprint_ttl" envconfig:"FINGERPRINT_TTL"`

	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`

	MaxFailedAttempts int           `yaml:"max_failed_attempts" envconfig:"MAX_FAILED_ATTEMPTS"`
	AttemptWindow     time.Duration `yaml:"attempt_window" envconfig:"ATTEMPT_WINDOW"`
	BlockDuration     time.Duration `yaml:"block_duration" envconfig:"BLOCK_DURATION"`
	ActivationRPS     float64       `yaml:"activation_rps" envconfig:"ACTIVATION_RPS"`
	ActivationBurst   int           `yaml:"activation_burst" envconfig:"ACTIVATION_BURST"`

	AuditFile string `yaml:"audit_file" envconfig:"AUDIT_FILE"`
}

// AdminConfig guards the administrative HTTP surface.
type AdminConfig struct {
	Token     string `yaml:"-" envconfig:"TOKEN"`
	CreatedBy string `yaml:"created_by" envconfig:"CREATED_BY"`
}

// TelemetryConfig controls OpenTelemetry exporters
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// ExportConfig configures where issued batches can be exported.
type ExportConfig struct {
	Dir             string `yaml:"dir" envconfig:"DIR"`
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	SheetsEndpoint  string `yaml:"sheets_endpoint" envconfig:"SHEETS_ENDPOINT"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom is Load with an explicit YAML file. An empty path skips the file.
func LoadFrom(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields without a matching variable keep their file or default value.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	switch c.Ledger.Driver {
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported ledger driver: %q", c.Ledger.Driver)
	}

	if c.Ledger.QueryTimeout <= 0 {
		return fmt.Errorf("ledger query timeout must be positive")
	}

	if c.License.FingerprintIterations < 100000 {
		return fmt.Errorf("fingerprint iterations must be at least 100000, got %d", c.License.FingerprintIterations)
	}

	if c.License.MaxFailedAttempts <= 0 {
		return fmt.Errorf("max failed attempts must be positive")
	}

	if c.License.KeyPrefix == "" || strings.ContainsAny(c.License.KeyPrefix, "- ") {
		return fmt.Errorf("invalid key prefix: %q", c.License.KeyPrefix)
	}

	switch strings.ToLower(c.Logging.Output) {
	case "console", "stderr", "file":
	default:
		return fmt.Errorf("unsupported log output: %q", c.Logging.Output)
	}

	// JSON is the only log format the logger emits
	c.Logging.Format = "json"

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}

	return nil
}

// HasCacheSecret reports whether the local license cache can be encrypted.
func (c *Config) HasCacheSecret() bool {
	return strings.TrimSpace(c.License.CacheSecret) != ""
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/app.log",
		},
		Ledger: LedgerConfig{
			Driver:          "memory",
			QueryTimeout:    5 * time.Second,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		License: LicenseConfig{
			CacheFile:             "data/license.dat",
			DomainCacheFile:       "data/domain.cache",
			FingerprintSalt:       "mailreg-domain-fingerprint-v1",
			FingerprintIterations: 100000,
			FingerprintTTL:        10 * time.Minute,
			KeyPrefix:             "MR",
			MaxFailedAttempts:     5,
			AttemptWindow:         15 * time.Minute,
			BlockDuration:         30 * time.Minute,
			ActivationRPS:         1,
			ActivationBurst:       5,
			AuditFile:             "logs/license_audit.jsonl",
		},
		Admin: AdminConfig{
			CreatedBy: "admin",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "mailreg-license",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		Export: ExportConfig{
			Dir:       "exports",
			SheetName: "Licenses",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
		},
	}
}
