package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedClients int

func (c fixedClients) ClientCount() int { return int(c) }

func TestHealthCheck(t *testing.T) {
	hs := NewHealthService("1.2.3", slog.New(slog.DiscardHandler))

	status := hs.HealthCheck(context.Background())
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.False(t, status.Timestamp.IsZero())
}

func TestReadinessCheck(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name        string
		storage     Pinger
		ensureKeys  bool
		wantStatus  string
		wantFailing []string
	}{
		{name: "all ready", storage: ok, ensureKeys: true, wantStatus: "ready"},
		{name: "keys missing", storage: ok, wantStatus: "not_ready", wantFailing: []string{"keys"}},
		{name: "storage down", storage: down, ensureKeys: true, wantStatus: "not_ready", wantFailing: []string{"licenses"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.ensureKeys {
				_, err := h.admin.EnsureKeys(context.Background())
				require.NoError(t, err)
			}
			hs := NewHealthService("dev", slog.New(slog.DiscardHandler),
				WithStorage("licenses", tt.storage),
				WithStorage("codes", h.codeDB),
				WithKeys(h.keys))

			status := hs.ReadinessCheck(context.Background())
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, "ready", status.Services["codes"].Status)
			for _, name := range tt.wantFailing {
				assert.Equal(t, "not_ready", status.Services[name].Status, name)
				assert.NotEmpty(t, status.Services[name].Message)
			}
		})
	}
}

func TestLivenessCheck(t *testing.T) {
	hs := NewHealthService("dev", nil, WithHub(fixedClients(4)), WithBuildTime("2026-10-01"))

	status := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", status.Status)
	assert.Equal(t, 4, status.Runtime["websocket_clients"])
	assert.Contains(t, status.Runtime, "goroutines")
	assert.Equal(t, "2026-10-01", hs.Version()["build_time"])
}
