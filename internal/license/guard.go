package license

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AttemptGuard blocks an identifier (usually a client IP) after too many
// failed attempts inside a window. Success clears the identifier's count.
type AttemptGuard struct {
	mutex         sync.Mutex
	attemptCounts map[string]int
	firstAttempts map[string]time.Time
	blocked       map[string]time.Time

	maxAttempts     int
	blockDuration   time.Duration
	windowDuration  time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
}

// GuardStats is a snapshot of guard state
type GuardStats struct {
	ActiveAttempts int    `json:"active_attempts"`
	Blocked        int    `json:"blocked"`
	MaxAttempts    int    `json:"max_attempts"`
	BlockDuration  string `json:"block_duration"`
	WindowDuration string `json:"window_duration"`
}

// NewAttemptGuard creates a guard and starts its cleanup loop
func NewAttemptGuard(maxAttempts int, blockDuration, windowDuration time.Duration, logger *slog.Logger) *AttemptGuard {
	g := &AttemptGuard{
		attemptCounts:   make(map[string]int),
		firstAttempts:   make(map[string]time.Time),
		blocked:         make(map[string]time.Time),
		maxAttempts:     maxAttempts,
		blockDuration:   blockDuration,
		windowDuration:  windowDuration,
		cleanupInterval: 5 * time.Minute,
		now:             time.Now,
		logger:          logger.With(slog.String("component", "attempt_guard")),
		stopChan:        make(chan struct{}),
	}

	go g.cleanup()

	return g
}

// Blocked reports whether identifier is blocked and for how much longer
func (g *AttemptGuard) Blocked(identifier string) (bool, time.Duration) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	since, exists := g.blocked[identifier]
	if !exists {
		return false, 0
	}
	elapsed := g.now().Sub(since)
	if elapsed < g.blockDuration {
		return true, g.blockDuration - elapsed
	}
	delete(g.blocked, identifier)
	return false, 0
}

// RecordFailure counts a failure and reports whether the identifier is now blocked
func (g *AttemptGuard) RecordFailure(ctx context.Context, identifier string) bool {
	if g.maxAttempts <= 0 {
		return false
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()
	if first, exists := g.firstAttempts[identifier]; !exists || now.Sub(first) > g.windowDuration {
		g.firstAttempts[identifier] = now
		g.attemptCounts[identifier] = 0
	}
	g.attemptCounts[identifier]++

	if g.attemptCounts[identifier] < g.maxAttempts {
		return false
	}

	g.blocked[identifier] = now
	delete(g.attemptCounts, identifier)
	delete(g.firstAttempts, identifier)

	g.logger.WarnContext(ctx, "identifier blocked due to too many failed attempts",
		slog.String("action", "security_violation"),
		slog.String("identifier", identifier),
		slog.Int("max_attempts", g.maxAttempts),
		slog.Duration("block_duration", g.blockDuration))
	return true
}

// RecordSuccess clears the identifier's failure count
func (g *AttemptGuard) RecordSuccess(identifier string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.attemptCounts, identifier)
	delete(g.firstAttempts, identifier)
}

// Stats returns guard statistics
func (g *AttemptGuard) Stats() GuardStats {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return GuardStats{
		ActiveAttempts: len(g.attemptCounts),
		Blocked:        len(g.blocked),
		MaxAttempts:    g.maxAttempts,
		BlockDuration:  g.blockDuration.String(),
		WindowDuration: g.windowDuration.String(),
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (g *AttemptGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}

func (g *AttemptGuard) cleanup() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopChan:
			return
		}
	}
}

func (g *AttemptGuard) sweep() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()
	for id, first := range g.firstAttempts {
		if now.Sub(first) > g.windowDuration {
			delete(g.attemptCounts, id)
			delete(g.firstAttempts, id)
		}
	}
	for id, since := range g.blocked {
		if now.Sub(since) > g.blockDuration {
			delete(g.blocked, id)
		}
	}
}
