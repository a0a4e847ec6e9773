// Package services implements the business layer between the HTTP handlers
// and the license core (store, tracker, code registry and rules engine).
//
// # Services
//
//	- LicenseService: public issuance, activation, verification and download
//	- AdminService: policy, license, code and key administration
//	- HealthService: liveness and readiness of storage and key material
//
// Handlers depend on the interfaces; constructors take a Deps struct so the
// application wiring stays explicit:
//
//	svc := services.NewLicenseService(services.LicenseDeps{
//	    Store:   store,
//	    Tracker: tracker,
//	    Codes:   registry,
//	    Rules:   engine,
//	    Signer:  signer,
//	    Keys:    keyManager,
//	    Guard:   guard,
//	    Audit:   sink,
//	    Events:  hub,
//	    Logger:  logger,
//	})
//
// # Error Handling
//
// Services return the sentinel errors of internal/errors, wrapped with %w.
// Handlers map them to RFC 7807 problem details with MapDomainError.
//
// # Events
//
// Successful activations and deactivations are appended to the activation
// log (audit.Sink) and pushed to the EventPublisher. Both are best effort.
package services
