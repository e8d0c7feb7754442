// Package app wires the license service together and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration (defaults, YAML file, LICENSE_* environment)
//	2. Initialize logging and OpenTelemetry
//	3. Load the verification certificate and the rollback guard
//	4. Open the ledger and, on issuing hosts, the keystore and ID sequence
//	5. Build the license gate over the configured license file
//	6. Set up the chi router, middleware and the HTTP server
//
// Hosts without keystore settings run verification only; the issue route
// then answers 503.
//
// # Graceful Shutdown
//
// Run returns after SIGINT, SIGTERM or a server failure. Shutdown drains
// in-flight requests within the configured timeout, then closes the ledger,
// the Redis connection and the telemetry providers. The package never calls
// os.Exit.
package app
