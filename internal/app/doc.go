// Package app wires the license server together and owns its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration (defaults, YAML file, LICENSOR_* environment)
//	2. Initialize logging and OpenTelemetry
//	3. Load the rules engine and ensure the signing keypair exists
//	4. Open license and code storage (file or postgres)
//	5. Open the activation log sink (file, mongo or none)
//	6. Build the license, admin and health services
//	7. Mount middleware and routes, then create the HTTP server
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// Run blocks until SIGINT or SIGTERM, then shuts the server down and
// releases storage, the websocket hub and telemetry providers.
package app
