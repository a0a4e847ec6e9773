package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensor/internal/shared/testutil"
	"licensor/pkg/contracts/domain"
)

func newIPLimiter(t *testing.T, perHour int) (*IPRateLimiter, *staticPolicy, *time.Time) {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	policy := newPolicy(func(p *domain.Policy) { p.Security.RateLimitPerIPPerHour = perHour })
	l := NewIPRateLimiter(policy, logger)
	now := testutil.FixedNow
	l.now = func() time.Time { return now }
	return l, policy, &now
}

func TestIPRateLimiter_Allow(t *testing.T) {
	l, _, now := newIPLimiter(t, 2)

	ok, _ := l.Allow("192.0.2.1")
	assert.True(t, ok)
	ok, _ = l.Allow("192.0.2.1")
	assert.True(t, ok)

	ok, wait := l.Allow("192.0.2.1")
	assert.False(t, ok)
	assert.InDelta(t, (30 * time.Minute).Seconds(), wait.Seconds(), 1)

	// Other addresses have their own bucket.
	ok, _ = l.Allow("192.0.2.2")
	assert.True(t, ok)

	*now = now.Add(30 * time.Minute)
	ok, _ = l.Allow("192.0.2.1")
	assert.True(t, ok)
}

func TestIPRateLimiter_FollowsPolicy(t *testing.T) {
	l, policy, _ := newIPLimiter(t, 1)

	ok, _ := l.Allow("192.0.2.1")
	require.True(t, ok)
	ok, _ = l.Allow("192.0.2.1")
	require.False(t, ok)

	policy.p.Security.RateLimitPerIPPerHour = 5
	ok, _ = l.Allow("192.0.2.1")
	assert.True(t, ok, "raised limit rebuilds the bucket")

	policy.p.Security.RateLimitPerIPPerHour = 0
	for i := 0; i < 20; i++ {
		ok, _ = l.Allow("192.0.2.1")
		require.True(t, ok, "zero disables the limit")
	}
}

func TestIPRateLimiter_Handler(t *testing.T) {
	l, _, _ := newIPLimiter(t, 1)
	h := l.Handler(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/activate", nil)
	req.RemoteAddr = "203.0.113.7:4000"

	assert.Equal(t, http.StatusOK, serve(h, req).Code)

	rec := serve(h, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.Contains(t, rec.Body.String(), "/errors/rate-limit")
}

func TestIPRateLimiter_Sweep(t *testing.T) {
	l, _, now := newIPLimiter(t, 10)

	l.Allow("192.0.2.1")
	*now = now.Add(time.Hour)
	l.Allow("192.0.2.2")
	*now = now.Add(90 * time.Minute)

	assert.Equal(t, 1, l.Sweep())
	assert.Len(t, l.buckets, 1)
	assert.Contains(t, l.buckets, "192.0.2.2")
}

func TestRateLimiter_Global(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := RateLimiter(0.001, 1, logger)(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.True(t, logs.ContainsMessage("global rate limit exceeded"))
}
