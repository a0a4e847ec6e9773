package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apierrors "licensor/internal/errors"
)

// RateLimiter is a process-wide token bucket guarding the whole API
func RateLimiter(rps float64, burst int, logger *slog.Logger) func(next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.WarnContext(r.Context(), "global rate limit exceeded",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", ClientIP(r)))
				w.Header().Set("Retry-After", "1")
				writeProblem(w, r, http.StatusTooManyRequests, apierrors.TypeRateLimit,
					"Too Many Requests", "Server is busy, retry shortly", "RATE_LIMIT_EXCEEDED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ipBucket struct {
	limiter  *rate.Limiter
	perHour  int
	lastSeen time.Time
}

// IPRateLimiter limits each client address to the policy's
// security.rate_limit_per_ip_per_hour. A limit of zero disables it.
// Buckets are rebuilt when the policy value changes.
type IPRateLimiter struct {
	policy PolicySource
	logger *slog.Logger
	now    func() time.Time
	idle   time.Duration

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

// NewIPRateLimiter creates a per-IP limiter driven by the live policy
func NewIPRateLimiter(policy PolicySource, logger *slog.Logger) *IPRateLimiter {
	return &IPRateLimiter{
		policy:  policy,
		logger:  logger.With(slog.String("component", "ip_rate_limiter")),
		now:     time.Now,
		idle:    2 * time.Hour,
		buckets: make(map[string]*ipBucket),
	}
}

// Allow reports whether ip may make a request now. When it may not, the
// returned duration is the wait until the next token.
func (l *IPRateLimiter) Allow(ip string) (bool, time.Duration) {
	perHour := l.policy.Current().Security.RateLimitPerIPPerHour
	if perHour <= 0 {
		return true, 0
	}

	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok || b.perHour != perHour {
		b = &ipBucket{
			limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
			perHour: perHour,
		}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	res := b.limiter.ReserveN(now, 1)
	l.mu.Unlock()

	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

// Handler rejects over-limit callers with a 429 problem
func (l *IPRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if ok, wait := l.Allow(ip); !ok {
			l.logger.WarnContext(r.Context(), "per-ip rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path))
			retry := int(math.Ceil(wait.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeProblem(w, r, http.StatusTooManyRequests, apierrors.TypeRateLimit,
				"Too Many Requests", "Hourly request limit reached for this address", "RATE_LIMIT_EXCEEDED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sweep drops buckets idle for longer than the idle window
func (l *IPRateLimiter) Sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every interval until ctx is cancelled
func (l *IPRateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept idle rate limit buckets", slog.Int("removed", n))
			}
		}
	}
}
