package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"licensor/internal/audit"
	"licensor/internal/codes"
	apierrors "licensor/internal/errors"
	"licensor/internal/license"
	"licensor/internal/rules"
	"licensor/pkg/contracts/domain"
)

// AdminService is the operator API behind the admin token.
type AdminService interface {
	Rules(ctx context.Context) *domain.Policy
	UpdateRules(ctx context.Context, next *domain.Policy, reason string) (*domain.Policy, error)
	ResetRules(ctx context.Context) (*domain.Policy, error)
	RulesHistory(ctx context.Context) ([]domain.PolicyHistoryEntry, error)

	ListLicenses(ctx context.Context, q string) ([]*domain.License, error)
	DeleteLicense(ctx context.Context, key string) error
	SetMaxActivations(ctx context.Context, key string, max int) (*domain.License, error)
	RevokeLicense(ctx context.Context, key string) (*domain.License, error)

	GenerateCode(ctx context.Context, params domain.CodeParams) (*domain.ActivationCode, error)
	ListCodes(ctx context.Context) ([]*domain.ActivationCode, error)
	DeleteCode(ctx context.Context, code string) error

	ActiveDevices(ctx context.Context) ([]domain.ActiveDeviceView, error)
	RecentEvents(ctx context.Context, limit int) ([]domain.ActivationEvent, error)
	EnsureKeys(ctx context.Context) (*KeyInfo, error)
}

// KeyInfo describes the signing keypair without exposing the private half
type KeyInfo struct {
	Fingerprint  string `json:"fingerprint"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// AdminDeps wires the admin service
type AdminDeps struct {
	Store   *license.Store
	Tracker *license.Tracker
	Codes   *codes.Registry
	Rules   *rules.Engine
	Keys    KeyMaterial
	Audit   audit.Sink
	Logger  *slog.Logger
}

type adminService struct {
	store   *license.Store
	tracker *license.Tracker
	codes   *codes.Registry
	rules   *rules.Engine
	keys    KeyMaterial
	audit   audit.Sink
	logger  *slog.Logger
}

// NewAdminService creates the admin service
func NewAdminService(d AdminDeps) AdminService {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := d.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	return &adminService{
		store:   d.Store,
		tracker: d.Tracker,
		codes:   d.Codes,
		rules:   d.Rules,
		keys:    d.Keys,
		audit:   sink,
		logger:  logger.With(slog.String("service", "admin")),
	}
}

func (s *adminService) Rules(context.Context) *domain.Policy {
	return s.rules.Current()
}

func (s *adminService) UpdateRules(ctx context.Context, next *domain.Policy, reason string) (*domain.Policy, error) {
	if next == nil {
		return nil, apierrors.MissingParameter("rules")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "admin update"
	}
	return s.rules.Update(ctx, next, reason)
}

func (s *adminService) ResetRules(ctx context.Context) (*domain.Policy, error) {
	return s.rules.Reset(ctx)
}

func (s *adminService) RulesHistory(ctx context.Context) ([]domain.PolicyHistoryEntry, error) {
	return s.rules.History(ctx)
}

func (s *adminService) ListLicenses(ctx context.Context, q string) ([]*domain.License, error) {
	return s.store.List(ctx, strings.TrimSpace(q))
}

func (s *adminService) DeleteLicense(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	if _, err := s.codes.ReleaseLicense(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "codes still bound to deleted license",
			slog.String("license_key_masked", license.MaskLicenseKey(key)),
			slog.String("error", err.Error()))
	}
	return nil
}

// SetMaxActivations changes the ceiling and re-signs the license.
func (s *adminService) SetMaxActivations(ctx context.Context, key string, max int) (*domain.License, error) {
	l, _, err := s.store.Update(ctx, key, domain.LicensePatch{MaxActivations: &max})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "activation limit changed",
		slog.String("license_key_masked", license.MaskLicenseKey(key)),
		slog.Int("max_activations", max))
	return l, nil
}

// RevokeLicense moves an ACTIVE license to REVOKED.
func (s *adminService) RevokeLicense(ctx context.Context, key string) (*domain.License, error) {
	status := domain.LicenseStatusRevoked
	l, _, err := s.store.Update(ctx, key, domain.LicensePatch{Status: &status})
	if err != nil {
		return nil, fmt.Errorf("revoke: %w", err)
	}
	s.logger.WarnContext(ctx, "license revoked",
		slog.String("license_key_masked", license.MaskLicenseKey(key)))
	return l, nil
}

// GenerateCode issues a code. Zero overrides take the project's policy values.
func (s *adminService) GenerateCode(ctx context.Context, params domain.CodeParams) (*domain.ActivationCode, error) {
	return s.codes.Issue(ctx, params)
}

func (s *adminService) ListCodes(ctx context.Context) ([]*domain.ActivationCode, error) {
	return s.codes.List(ctx)
}

func (s *adminService) DeleteCode(ctx context.Context, code string) error {
	return s.codes.Delete(ctx, code)
}

func (s *adminService) ActiveDevices(ctx context.Context) ([]domain.ActiveDeviceView, error) {
	return s.tracker.ActiveDevices(ctx)
}

func (s *adminService) RecentEvents(ctx context.Context, limit int) ([]domain.ActivationEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.audit.Recent(ctx, limit)
}

// EnsureKeys generates the keypair when it is missing.
func (s *adminService) EnsureKeys(ctx context.Context) (*KeyInfo, error) {
	if _, err := s.keys.EnsureKeyPair(ctx); err != nil {
		return nil, err
	}
	pub, err := s.keys.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	fp, err := s.keys.Fingerprint()
	if err != nil {
		return nil, err
	}
	return &KeyInfo{Fingerprint: fp, PublicKeyPEM: string(pub)}, nil
}
