// Package config loads the service configuration once at startup and
// validates it before anything else runs.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// Variables follow the pattern LICENSE_<SECTION>_<FIELD>:
//
//	LICENSE_SERVER_PORT=8080
//	LICENSE_KEYS_CERTIFICATE_PATH=/etc/license/license.crt
//	LICENSE_GUARD_SECRET=...
//	LICENSE_ISSUER_REDIS_ADDR=localhost:6379
//	LICENSE_LOGGING_LEVEL=debug
//
// Secrets (keystore passphrases and the checkpoint HMAC secret) are only read
// from the environment; the YAML file cannot carry them.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.RequireVerifier(); err != nil {
//	    log.Fatal(err)
//	}
package config
