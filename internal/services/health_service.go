package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Pinger is any dependency whose reachability gates readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientCounter reports connected websocket clients
type ClientCounter interface {
	ClientCount() int
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	buildTime string
	storage   map[string]Pinger
	keys      KeyMaterial
	hub       ClientCounter
	startTime time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// HealthOption configures a HealthService
type HealthOption func(*HealthService)

// WithStorage adds a named storage dependency to the readiness check
func WithStorage(name string, p Pinger) HealthOption {
	return func(hs *HealthService) { hs.storage[name] = p }
}

// WithKeys makes readiness require signing key material
func WithKeys(k KeyMaterial) HealthOption {
	return func(hs *HealthService) { hs.keys = k }
}

// WithHub reports websocket clients in liveness
func WithHub(h ClientCounter) HealthOption {
	return func(hs *HealthService) { hs.hub = h }
}

// WithBuildTime records the build timestamp
func WithBuildTime(t string) HealthOption {
	return func(hs *HealthService) { hs.buildTime = t }
}

// NewHealthService creates a new health service
func NewHealthService(version string, logger *slog.Logger, opts ...HealthOption) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	hs := &HealthService{
		version:   version,
		storage:   make(map[string]Pinger),
		startTime: time.Now(),
		now:       time.Now,
		logger:    logger.With(slog.String("service", "health")),
	}
	for _, opt := range opts {
		opt(hs)
	}
	return hs
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: hs.now().UTC(),
		Version:   hs.version,
	}
}

// ReadinessCheck pings every storage backend and checks key material.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: hs.now().UTC(),
		Version:   hs.version,
		Services:  make(map[string]ServiceHealth),
	}

	for name, p := range hs.storage {
		status.Services[name] = hs.checkStorage(ctx, name, p)
	}
	status.Services["keys"] = hs.checkKeys()

	for name, sh := range status.Services {
		if sh.Status != "ready" {
			status.Status = "not_ready"
			hs.logger.WarnContext(ctx, "readiness check failed",
				slog.String("dependency", name),
				slog.String("message", sh.Message))
		}
	}
	return status
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	rt := map[string]interface{}{
		"uptime":     time.Since(hs.startTime).Seconds(),
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	}
	if hs.hub != nil {
		rt["websocket_clients"] = hs.hub.ClientCount()
	}
	return HealthStatus{
		Status:    "alive",
		Timestamp: hs.now().UTC(),
		Version:   hs.version,
		Runtime:   rt,
	}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(hs.startTime).Seconds(),
		"start_time": hs.startTime.Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	return result
}

func (hs *HealthService) checkStorage(ctx context.Context, name string, p Pinger) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("%s unreachable: %v", name, err),
		}
	}
	return ServiceHealth{Status: "ready", Uptime: time.Since(hs.startTime).String()}
}

func (hs *HealthService) checkKeys() ServiceHealth {
	if hs.keys == nil || !hs.keys.Exists() {
		return ServiceHealth{Status: "not_ready", Message: "signing key not found"}
	}
	if _, err := hs.keys.Fingerprint(); err != nil {
		return ServiceHealth{Status: "not_ready", Message: fmt.Sprintf("public key unreadable: %v", err)}
	}
	return ServiceHealth{Status: "ready"}
}
