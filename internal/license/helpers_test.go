package license

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"licensor/internal/keys"
	"licensor/internal/shared/testutil"
	"licensor/internal/signing"
	"licensor/pkg/contracts/domain"
)

type fixedPolicy struct{ p *domain.Policy }

func (f *fixedPolicy) Current() *domain.Policy { return f.p.Clone() }

type harness struct {
	store   *Store
	tracker *Tracker
	signer  *signing.Signer
	repo    *FileRepository
	dir     string
	policy  *domain.Policy
	logs    *testutil.BufferedSlogHandler
	logger  *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	logger, logs := testutil.NewTestLogger(t)

	km := keys.NewManager(filepath.Join(dir, "keys", "private.pem"), filepath.Join(dir, "keys", "public.pem"),
		logger, keys.WithKeySize(1024))
	signer := signing.NewSigner(km, logger)

	repo, err := NewFileRepository(filepath.Join(dir, "licenses.json"), logger)
	require.NoError(t, err)

	clock := testutil.Clock(testutil.FixedNow)
	store := NewStore(repo, NewFileArtifactStore(filepath.Join(dir, "licenses")), signer, logger,
		WithStoreClock(clock))

	policy := testutil.NewPolicy()
	tracker := NewTracker(store, &fixedPolicy{p: policy}, logger, WithTrackerClock(clock))

	return &harness{
		store:   store,
		tracker: tracker,
		signer:  signer,
		repo:    repo,
		dir:     dir,
		policy:  policy,
		logs:    logs,
		logger:  logger,
	}
}

func (h *harness) create(t *testing.T, key string, max int) *domain.License {
	t.Helper()
	l := testutil.NewLicense(key, max)
	_, err := h.store.Create(context.Background(), l)
	require.NoError(t, err)
	return l
}

func (h *harness) setPolicy(mutate func(p *domain.Policy)) {
	mutate(h.policy)
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func slogDiscard() *slog.Logger { return slog.New(slog.DiscardHandler) }
