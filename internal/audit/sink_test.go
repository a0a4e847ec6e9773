package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"licensor/internal/shared/testutil"
	"licensor/pkg/contracts/domain"
)

func event(device string, offset time.Duration) domain.ActivationEvent {
	return domain.ActivationEvent{
		Action:     domain.ActionActivate,
		LicenseKey: "MOSTAGARE-AB12-CD34",
		Project:    "MOSTAGARE",
		DeviceID:   device,
		Remaining:  1,
		Timestamp:  testutil.FixedNow.Add(offset),
	}
}

func TestFileSink_AppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activations.log")
	sink := NewFileSink(path)
	ctx := context.Background()

	empty, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for i, dev := range []string{"D1", "D2", "D3"} {
		require.NoError(t, sink.Record(ctx, event(dev, time.Duration(i)*time.Minute)))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"device_id":"D1"`)

	recent, err := sink.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "D3", recent[0].DeviceID)
	assert.Equal(t, "D2", recent[1].DeviceID)

	assert.NoError(t, sink.Close(ctx))
}

func TestFileSink_OmitsEmptyIP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activations.log")
	sink := NewFileSink(path)
	require.NoError(t, sink.Record(context.Background(), event("D1", 0)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ip_address")
}

func TestFileSink_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activations.log")
	sink := NewFileSink(path)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			return sink.Record(ctx, event("D", time.Duration(i)*time.Second))
		})
	}
	require.NoError(t, g.Wait())

	all, err := sink.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 25)
}

type failingSink struct{ Nop }

func (failingSink) Record(context.Context, domain.ActivationEvent) error {
	return errors.New("disk full")
}

func TestLogged_SwallowsErrors(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	sink := Logged{Sink: failingSink{}, Logger: logger}

	assert.NoError(t, sink.Record(context.Background(), event("D1", 0)))
	assert.True(t, logs.ContainsMessage("activation event not recorded"))
}

func TestNop(t *testing.T) {
	var sink Sink = Nop{}
	assert.NoError(t, sink.Record(context.Background(), event("D1", 0)))
	got, err := sink.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
