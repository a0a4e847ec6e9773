package license

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"licensor/internal/canonical"
	apierrors "licensor/internal/errors"
	"licensor/internal/shared/keylock"
	"licensor/internal/signing"
	"licensor/pkg/contracts/domain"
)

const (
	// MaxActivationsLimit bounds every license's ceiling.
	MaxActivationsLimit = 100
	keyAttempts         = 5
)

// Signer produces signed artifacts. *signing.Signer satisfies it.
type Signer interface {
	Sign(ctx context.Context, license *domain.License) (*domain.SignedLicense, error)
}

// IssueParams describes a license to create
type IssueParams struct {
	Email          string
	Project        string
	Version        string
	MaxActivations int
	ExpiresAt      time.Time
	ActivationCode string
}

// Store owns the license table. Every mutation runs under a per-key lock,
// is committed atomically by the repository, and is re-signed before the
// commit so the stored record and its artifact never describe different
// content.
type Store struct {
	repo      Repository
	artifacts ArtifactStore
	signer    Signer
	locks     *keylock.Set
	cache     *Cache
	inst      *Instrumentation
	logger    *slog.Logger
	now       func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithCache enables read-through caching of FindByKey
func WithCache(c *Cache) StoreOption {
	return func(s *Store) { s.cache = c }
}

// WithInstrumentation attaches metrics
func WithInstrumentation(i *Instrumentation) StoreOption {
	return func(s *Store) { s.inst = i }
}

// WithStoreClock overrides time.Now
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a license store
func NewStore(repo Repository, artifacts ArtifactStore, signer Signer, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		repo:      repo,
		artifacts: artifacts,
		signer:    signer,
		locks:     keylock.New(),
		logger:    logger.With(slog.String("component", "license_store")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts l and persists its first signed artifact.
func (s *Store) Create(ctx context.Context, l *domain.License) (*domain.SignedLicense, error) {
	if err := checkLimit(l.MaxActivations, 0); err != nil {
		return nil, err
	}
	l = l.Clone()
	if l.Status == "" {
		l.Status = domain.LicenseStatusActive
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	if l.Activations == nil {
		l.Activations = []domain.DeviceActivation{}
	}

	unlock := s.locks.Lock(l.Key)
	defer unlock()

	artifact, err := s.sign(ctx, l)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, l); err != nil {
		return nil, err
	}
	if err := s.artifacts.Save(ctx, l.Key, artifact); err != nil {
		if derr := s.repo.Delete(ctx, l.Key); derr != nil {
			s.logger.ErrorContext(ctx, "rollback of license insert failed",
				slog.String("license_key_masked", maskLicenseKey(l.Key)),
				slog.String("error", derr.Error()))
		}
		return nil, err
	}
	s.cacheSet(l)

	logLicenseAction(ctx, s.logger, slog.LevelInfo, "license_create", "license created", l.Key, l.Email,
		slog.String("project", l.Project),
		slog.Int("max_activations", l.MaxActivations))
	return artifact, nil
}

// Issue generates a fresh key for params and creates the license.
func (s *Store) Issue(ctx context.Context, p IssueParams) (*domain.License, *domain.SignedLicense, error) {
	for attempt := 0; attempt < keyAttempts; attempt++ {
		l := &domain.License{
			Key:            GenerateKey(p.Project),
			Email:          p.Email,
			Project:        p.Project,
			Version:        p.Version,
			CreatedAt:      s.now().UTC(),
			ExpiresAt:      p.ExpiresAt.UTC(),
			Status:         domain.LicenseStatusActive,
			MaxActivations: p.MaxActivations,
			Activations:    []domain.DeviceActivation{},
			ActivationCode: p.ActivationCode,
		}
		artifact, err := s.Create(ctx, l)
		if errors.Is(err, apierrors.ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		s.inst.RecordIssued(ctx, p.Project)
		stored, err := s.FindByKey(ctx, l.Key)
		if err != nil {
			return nil, nil, err
		}
		return stored, artifact, nil
	}
	return nil, nil, fmt.Errorf("generate unique key for %s after %d attempts: %w",
		p.Project, keyAttempts, apierrors.ErrDuplicateKey)
}

// FindByKey returns the license or ErrLicenseNotFound
func (s *Store) FindByKey(ctx context.Context, key string) (*domain.License, error) {
	if s.cache != nil {
		if l, ok := s.cache.Get(key); ok {
			s.inst.recordCache(ctx, true)
			return l, nil
		}
		s.inst.recordCache(ctx, false)
	}
	// The fill runs under the key lock so a read that raced a Mutate or
	// Delete cannot overwrite the cache with the older record.
	unlock := s.locks.Lock(key)
	defer unlock()

	if s.cache != nil {
		if l, ok := s.cache.Get(key); ok {
			return l, nil
		}
	}
	l, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cacheSet(l)
	return l, nil
}

// FindByEmailProject returns the oldest license for the pair or ErrLicenseNotFound
func (s *Store) FindByEmailProject(ctx context.Context, email, project string) (*domain.License, error) {
	return s.repo.FindByEmailProject(ctx, email, project)
}

// Update applies patch, re-derives status and re-signs.
func (s *Store) Update(ctx context.Context, key string, patch domain.LicensePatch) (*domain.License, *domain.SignedLicense, error) {
	l, artifact, err := s.Mutate(ctx, key, func(l *domain.License) error {
		return applyPatch(l, patch)
	})
	if err != nil {
		return nil, nil, err
	}
	logLicenseAction(ctx, s.logger, slog.LevelInfo, "license_update", "license updated", key, l.Email,
		slog.String("status", string(l.Status)),
		slog.Int("max_activations", l.MaxActivations))
	return l, artifact, nil
}

// Mutate runs fn as an atomic read-modify-write of one license. When fn
// returns errUnchanged nothing is written and the current record and
// artifact are returned without error.
func (s *Store) Mutate(ctx context.Context, key string, fn MutateFunc) (*domain.License, *domain.SignedLicense, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	var artifact *domain.SignedLicense
	updated, err := s.repo.Mutate(ctx, key, func(l *domain.License) error {
		if err := fn(l); err != nil {
			return err
		}
		s.deriveStatus(l)
		signed, err := s.sign(ctx, l)
		if err != nil {
			return err
		}
		artifact = signed
		return nil
	})
	if errors.Is(err, errUnchanged) {
		current, err := s.repo.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		s.cacheSet(current)
		art, err := s.artifactLocked(ctx, current)
		if err != nil {
			return nil, nil, err
		}
		return current, art, nil
	}
	if err != nil {
		return nil, nil, err
	}

	s.cacheSet(updated)
	if err := s.artifacts.Save(ctx, key, artifact); err != nil {
		s.logger.ErrorContext(ctx, "signed artifact not persisted; it will be regenerated on download",
			slog.String("license_key_masked", maskLicenseKey(key)),
			slog.String("error", err.Error()))
	}
	return updated, artifact, nil
}

// Delete removes the license and its signed artifact.
func (s *Store) Delete(ctx context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	if err := s.repo.Delete(ctx, key); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(key)
	}
	if err := s.artifacts.Delete(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "signed artifact not removed",
			slog.String("license_key_masked", maskLicenseKey(key)),
			slog.String("error", err.Error()))
	}
	logLicenseAction(ctx, s.logger, slog.LevelInfo, "license_delete", "license deleted", key, "")
	return nil
}

// List returns licenses whose key, email or project contains q.
func (s *Store) List(ctx context.Context, q string) ([]*domain.License, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.License, 0, len(all))
	for _, l := range all {
		if l.MatchesQuery(q) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Artifact returns the current signed artifact, regenerating it when the
// stored one is missing or no longer matches the record.
func (s *Store) Artifact(ctx context.Context, key string) (*domain.SignedLicense, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	l, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.artifactLocked(ctx, l)
}

// Ping checks the backing repository
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Store) artifactLocked(ctx context.Context, l *domain.License) (*domain.SignedLicense, error) {
	stored, err := s.artifacts.Load(ctx, l.Key)
	if err == nil && artifactMatches(l, stored) {
		return stored, nil
	}
	if err != nil && !errors.Is(err, apierrors.ErrLicenseNotFound) {
		s.logger.WarnContext(ctx, "stored artifact unreadable, re-signing",
			slog.String("license_key_masked", maskLicenseKey(l.Key)),
			slog.String("error", err.Error()))
	}

	artifact, err := s.sign(ctx, l)
	if err != nil {
		return nil, err
	}
	if err := s.artifacts.Save(ctx, l.Key, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

func (s *Store) sign(ctx context.Context, l *domain.License) (*domain.SignedLicense, error) {
	start := time.Now()
	artifact, err := s.signer.Sign(ctx, l)
	s.inst.RecordSigning(ctx, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("sign license %s: %w", maskLicenseKey(l.Key), err)
	}
	return artifact, nil
}

func (s *Store) deriveStatus(l *domain.License) {
	if l.Status == domain.LicenseStatusActive && l.IsExpired(s.now()) {
		l.Status = domain.LicenseStatusExpired
	}
}

func (s *Store) cacheSet(l *domain.License) {
	if s.cache != nil {
		s.cache.Set(l)
	}
}

func artifactMatches(l *domain.License, artifact *domain.SignedLicense) bool {
	if artifact == nil || artifact.Alg != signing.Algorithm || artifact.License == nil {
		return false
	}
	want, _, err := signing.Payload(l)
	if err != nil {
		return false
	}
	got, err := canonical.Marshal(artifact.License)
	if err != nil {
		return false
	}
	return bytes.Equal(want, got)
}

func applyPatch(l *domain.License, p domain.LicensePatch) error {
	if p.Email != nil {
		l.Email = *p.Email
	}
	if p.Version != nil {
		l.Version = *p.Version
	}
	if p.ExpiresAt != nil {
		l.ExpiresAt = p.ExpiresAt.UTC()
	}
	if p.ActivationCode != nil {
		l.ActivationCode = *p.ActivationCode
	}
	if p.MaxActivations != nil {
		if err := checkLimit(*p.MaxActivations, l.ActiveCount()); err != nil {
			return err
		}
		l.MaxActivations = *p.MaxActivations
	}
	if p.Status != nil && *p.Status != l.Status {
		if l.Status != domain.LicenseStatusActive ||
			(*p.Status != domain.LicenseStatusRevoked && *p.Status != domain.LicenseStatusExpired) {
			return fmt.Errorf("%s -> %s: %w", l.Status, *p.Status, apierrors.ErrInvalidTransition)
		}
		l.Status = *p.Status
	}
	return nil
}

func checkLimit(max, active int) error {
	if max < 1 || max > MaxActivationsLimit {
		return fmt.Errorf("max_activations %d outside 1..%d: %w", max, MaxActivationsLimit, apierrors.ErrInvalidActivationLimit)
	}
	if max < active {
		return fmt.Errorf("max_activations %d below %d active devices: %w", max, active, apierrors.ErrInvalidActivationLimit)
	}
	return nil
}
