package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"licensor/internal/audit"
	"licensor/internal/codes"
	"licensor/internal/keys"
	"licensor/internal/license"
	"licensor/internal/rules"
	"licensor/internal/shared/testutil"
	"licensor/internal/signing"
	"licensor/pkg/contracts/domain"
)

// MockEventPublisher is a mock for EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishActivation(ctx context.Context, ev domain.ActivationEvent) {
	m.Called(ctx, ev)
}

type harness struct {
	svc    LicenseService
	admin  AdminService
	store  *license.Store
	codes  *codes.Registry
	codeDB *codes.FileRepository
	rules  *rules.Engine
	keys   *keys.Manager
	signer *signing.Signer
	sink   *audit.FileSink
	events *MockEventPublisher
	guard  *license.AttemptGuard
	logs   *testutil.BufferedSlogHandler
	dir    string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	wrapCodes func(codes.Repository) codes.Repository
}

// withCodeRepo wraps the file backed code repository
func withCodeRepo(wrap func(codes.Repository) codes.Repository) harnessOption {
	return func(c *harnessConfig) { c.wrapCodes = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx := context.Background()
	dir := t.TempDir()
	logger, logs := testutil.NewTestLogger(t)
	clock := testutil.Clock(testutil.FixedNow)

	engine, err := rules.NewEngine(ctx,
		rules.NewFileStore(filepath.Join(dir, "rules.json"), filepath.Join(dir, "rules_history.json")),
		logger, rules.WithClock(clock))
	require.NoError(t, err)
	_, err = engine.Update(ctx, testutil.NewPolicy(), "test fixture")
	require.NoError(t, err)

	km := keys.NewManager(filepath.Join(dir, "keys", "private.pem"), filepath.Join(dir, "keys", "public.pem"),
		logger, keys.WithKeySize(1024))
	signer := signing.NewSigner(km, logger)

	licenseRepo, err := license.NewFileRepository(filepath.Join(dir, "licenses.json"), logger)
	require.NoError(t, err)
	store := license.NewStore(licenseRepo, license.NewFileArtifactStore(filepath.Join(dir, "licenses")),
		signer, logger, license.WithStoreClock(clock))
	tracker := license.NewTracker(store, engine, logger, license.WithTrackerClock(clock))

	codeRepo, err := codes.NewFileRepository(filepath.Join(dir, "activation_codes.json"), logger)
	require.NoError(t, err)
	var registryRepo codes.Repository = codeRepo
	if cfg.wrapCodes != nil {
		registryRepo = cfg.wrapCodes(codeRepo)
	}
	registry := codes.NewRegistry(registryRepo, engine, logger, codes.WithClock(clock))

	guard := license.NewAttemptGuard(3, 15*time.Minute, 15*time.Minute, logger)
	t.Cleanup(guard.Stop)

	sink := audit.NewFileSink(filepath.Join(dir, "activations.log"))
	events := &MockEventPublisher{}

	svc := NewLicenseService(LicenseDeps{
		Store:   store,
		Tracker: tracker,
		Codes:   registry,
		Rules:   engine,
		Signer:  signer,
		Keys:    km,
		Guard:   guard,
		Audit:   sink,
		Events:  events,
		Logger:  logger,
		Now:     clock,
	})
	admin := NewAdminService(AdminDeps{
		Store:   store,
		Tracker: tracker,
		Codes:   registry,
		Rules:   engine,
		Keys:    km,
		Audit:   sink,
		Logger:  logger,
	})

	return &harness{
		svc:    svc,
		admin:  admin,
		store:  store,
		codes:  registry,
		codeDB: codeRepo,
		rules:  engine,
		keys:   km,
		signer: signer,
		sink:   sink,
		events: events,
		guard:  guard,
		logs:   logs,
		dir:    dir,
	}
}

func (h *harness) expectEvents() {
	h.events.On("PublishActivation", mock.Anything, mock.Anything).Return()
}

func (h *harness) setRules(t *testing.T, mutate func(p *domain.Policy)) {
	t.Helper()
	p := h.rules.Current()
	mutate(p)
	_, err := h.rules.Update(context.Background(), p, "test")
	require.NoError(t, err)
}

func (h *harness) issue(t *testing.T, email, project string) *domain.IssueResult {
	t.Helper()
	res, err := h.svc.Issue(context.Background(), IssueRequest{Email: email, Project: project})
	require.NoError(t, err)
	return res
}
