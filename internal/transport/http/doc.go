// Package http implements the HTTP handlers of the license server.
//
// Handlers stay thin: they decode and validate the request, call a
// service, and render the result with chi/render. Every failure goes
// through errors.ErrorHandler so responses are RFC 7807 problem details:
//
//	{
//	    "type": "/errors/limit-reached",
//	    "title": "Activation Limit Reached",
//	    "status": 403,
//	    "error_code": "ACTIVATION_LIMIT_REACHED",
//	    "trace_id": "..."
//	}
//
// Route groups:
//
//	LicenseHandler  public issuance, activation, verification and download
//	AdminHandler    rules, license, code and key administration
//	HealthHandler   liveness and readiness probes
//	EventsHandler   websocket feed of activation events for admins
package http
