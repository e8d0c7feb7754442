package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Keys      KeysConfig      `yaml:"keys" envconfig:"KEYS"`
	Guard     GuardConfig     `yaml:"guard" envconfig:"GUARD"`
	Issuer    IssuerConfig    `yaml:"issuer" envconfig:"ISSUER"`
	Ledger    LedgerConfig    `yaml:"ledger" envconfig:"LEDGER"`
	Client    ClientConfig    `yaml:"client" envconfig:"CLIENT"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port              int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout       time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	ValidationTimeout time.Duration `yaml:"validation_timeout" envconfig:"VALIDATION_TIMEOUT"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// KeysConfig locates the issuer certificate and the signing keystore.
// Passphrases are expected from the environment, not the YAML file.
type KeysConfig struct {
	CertificatePath string `yaml:"certificate_path" envconfig:"CERTIFICATE_PATH"`
	KeystorePath    string `yaml:"keystore_path" envconfig:"KEYSTORE_PATH"`
	Alias           string `yaml:"alias" envconfig:"ALIAS"`
	StorePass       string `yaml:"-" envconfig:"STORE_PASS"`
	KeyPass         string `yaml:"-" envconfig:"KEY_PASS"`
}

// GuardConfig configures the clock rollback checkpoint.
type GuardConfig struct {
	RecordPath  string        `yaml:"record_path" envconfig:"RECORD_PATH"`
	Secret      string        `yaml:"-" envconfig:"SECRET"`
	LockTimeout time.Duration `yaml:"lock_timeout" envconfig:"LOCK_TIMEOUT"`
}

// IssuerConfig configures license issuing.
type IssuerConfig struct {
	OutputDir   string `yaml:"output_dir" envconfig:"OUTPUT_DIR"`
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"-" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`
}

// LedgerConfig configures the issue and usage ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	DSN     string `yaml:"dsn" envconfig:"DSN"`
}

// ClientConfig selects the license this host runs under.
type ClientConfig struct {
	LicensePath string        `yaml:"license_path" envconfig:"LICENSE_PATH"`
	CacheTTL    time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Load builds the configuration from defaults, the YAML file at path (or
// the first file found in the usual locations when path is empty) and
// LICENSE_* environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays YAML values from filePath onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// resolvePaths makes relative file paths from a config file relative to
// the file's directory.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.Logging.FilePath,
		&c.Keys.CertificatePath,
		&c.Keys.KeystorePath,
		&c.Guard.RecordPath,
		&c.Issuer.OutputDir,
		&c.Client.LicensePath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
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
	if c.Server.ValidationTimeout <= 0 {
		return fmt.Errorf("validation timeout must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	// Logs are always JSON.
	c.Logging.Format = "json"
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid log output: %q", c.Logging.Output)
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		return fmt.Errorf("log file path is required for output %q", c.Logging.Output)
	}

	if c.Guard.LockTimeout <= 0 {
		return fmt.Errorf("guard lock timeout must be positive")
	}
	if c.Guard.Secret != "" && len(c.Guard.Secret) < MinGuardSecretLen {
		return fmt.Errorf("guard secret must be at least %d bytes", MinGuardSecretLen)
	}

	switch c.Telemetry.TraceExporter {
	case "stdout", "none":
	default:
		return fmt.Errorf("invalid trace exporter: %q", c.Telemetry.TraceExporter)
	}
	switch c.Telemetry.MetricExporter {
	case "prometheus", "none":
	default:
		return fmt.Errorf("invalid metric exporter: %q", c.Telemetry.MetricExporter)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be within [0, 1]")
	}

	if c.Client.CacheTTL < 0 {
		return fmt.Errorf("client cache ttl must not be negative")
	}
	if c.Client.CacheTTL > MaxGateCacheTTL {
		return fmt.Errorf("client cache ttl %s exceeds %s", c.Client.CacheTTL, MaxGateCacheTTL)
	}
	return nil
}

// RequireVerifier checks the settings needed to validate licenses on this
// host. Services call it at startup so that misconfiguration is fatal.
func (c *Config) RequireVerifier() error {
	var errs []error
	if c.Keys.CertificatePath == "" {
		errs = append(errs, errors.New("keys.certificate_path is required"))
	}
	if c.Guard.RecordPath == "" {
		errs = append(errs, errors.New("guard.record_path is required"))
	}
	if len(c.Guard.Secret) < MinGuardSecretLen {
		errs = append(errs, fmt.Errorf("%s_GUARD_SECRET must be at least %d bytes", EnvPrefix, MinGuardSecretLen))
	}
	return errors.Join(errs...)
}

// RequireSigner checks the settings needed to issue licenses.
func (c *Config) RequireSigner() error {
	var errs []error
	if c.Keys.KeystorePath == "" {
		errs = append(errs, errors.New("keys.keystore_path is required"))
	}
	if c.Keys.Alias == "" {
		errs = append(errs, errors.New("keys.alias is required"))
	}
	if c.Keys.StorePass == "" {
		errs = append(errs, fmt.Errorf("%s_KEYS_STORE_PASS is required", EnvPrefix))
	}
	if c.Keys.KeyPass == "" {
		errs = append(errs, fmt.Errorf("%s_KEYS_KEY_PASS is required", EnvPrefix))
	}
	return errors.Join(errs...)
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
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

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			ShutdownTimeout:   30 * time.Second,
			ValidationTimeout: DefaultValidationTimeout,
			MaxBodyBytes:      DefaultMaxBodyBytes,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     DefaultRateLimit,
				Burst:   DefaultBurstSize,
			},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Output:      "console",
			FilePath:    filepath.Join(DefaultLogsDir, "license.log"),
			Development: false,
		},
		Keys: KeysConfig{
			CertificatePath: filepath.Join(DefaultKeysDir, "license.crt"),
			KeystorePath:    filepath.Join(DefaultKeysDir, "license.keystore"),
			Alias:           DefaultKeyAlias,
		},
		Guard: GuardConfig{
			RecordPath:  filepath.Join(DefaultDataDir, CheckpointFileName),
			LockTimeout: DefaultLockTimeout,
		},
		Issuer: IssuerConfig{
			OutputDir:   filepath.Join(DefaultDataDir, "issued"),
			RedisPrefix: DefaultRedisPrefix,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			DSN:     filepath.Join(DefaultDataDir, "ledger.db"),
		},
		Client: ClientConfig{
			LicensePath: LicenseFileName,
			CacheTTL:    DefaultGateCacheTTL,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
