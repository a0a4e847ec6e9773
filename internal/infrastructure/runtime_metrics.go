package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RuntimeStats is a point-in-time view of the process, reported by health endpoints
type RuntimeStats struct {
	Uptime        string `json:"uptime"`
	Goroutines    int    `json:"goroutines"`
	HeapAllocMB   uint64 `json:"heap_alloc_mb"`
	NumGC         uint32 `json:"num_gc"`
	GoVersion     string `json:"go_version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// CollectRuntimeStats reads runtime counters relative to startTime
func CollectRuntimeStats(startTime time.Time) RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	up := time.Since(startTime)
	return RuntimeStats{
		Uptime:        up.Truncate(time.Second).String(),
		UptimeSeconds: int64(up.Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   m.HeapAlloc / 1024 / 1024,
		NumGC:         m.NumGC,
		GoVersion:     runtime.Version(),
	}
}

// RegisterRuntimeGauges exposes goroutine count, heap size and uptime as observable gauges
func RegisterRuntimeGauges(meter metric.Meter, startTime time.Time) error {
	goroutines, err := meter.Int64ObservableGauge(
		"process_goroutines",
		metric.WithDescription("Number of live goroutines"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutines gauge: %w", err)
	}

	heap, err := meter.Int64ObservableGauge(
		"process_heap_alloc_bytes",
		metric.WithDescription("Bytes of allocated heap objects"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create heap gauge: %w", err)
	}

	uptime, err := meter.Float64ObservableGauge(
		"process_uptime_seconds",
		metric.WithDescription("Seconds since the server started"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create uptime gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		o.ObserveInt64(goroutines, int64(runtime.NumGoroutine()))
		o.ObserveInt64(heap, int64(m.HeapAlloc))
		o.ObserveFloat64(uptime, time.Since(startTime).Seconds())
		return nil
	}, goroutines, heap, uptime)
	if err != nil {
		return fmt.Errorf("failed to register runtime callback: %w", err)
	}
	return nil
}
