package config

import "time"

// Application constants
const (
	// Application Info
	AppName    = "licensed"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment variable, e.g. LICENSE_SERVER_PORT.
	EnvPrefix = "LICENSE"

	// License files
	LicenseFileName    = "license.lic"
	CheckpointFileName = "checkpoint.dat"
	DefaultKeyAlias    = "license-signer"

	// Matches license.MinGuardSecretLen; config must not import the core.
	MinGuardSecretLen = 16

	// Rate Limiting
	DefaultRateLimit = 20 // requests per second
	DefaultBurstSize = 40

	// Timeouts
	DefaultValidationTimeout = 5 * time.Second
	DefaultLockTimeout       = 2 * time.Second

	// Request limits
	DefaultMaxBodyBytes = 1 << 20

	// Cache Settings
	DefaultGateCacheTTL = 1 * time.Minute
	MaxGateCacheTTL     = 1 * time.Hour

	// Redis
	DefaultRedisPrefix = "license:id"

	// File Paths (relative to the working directory)
	DefaultDataDir = "data"
	DefaultLogsDir = "logs"
	DefaultKeysDir = "keys"
)
