// Package app wires the license service together and runs it.
//
// # Initialization Flow
//
//	1. Load configuration from defaults, config.yaml and DLS_* variables
//	2. Initialize logging
//	3. Load the instance key pair and ensure its certificate chain
//	4. Initialize OpenTelemetry
//	5. Open the lease store selected by the database URL
//	6. Create the handshake, lease and admin services
//	7. Build the router and the HTTP server
//
// Start then runs the HTTP server, the lease event hub and the expiry
// sweeper in one errgroup. A failure of any of them, or cancellation of the
// context, stops all three. Stop closes the store and flushes telemetry.
//
// Initialization errors are returned to the caller. The package never calls
// os.Exit.
package app
