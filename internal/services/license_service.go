package services

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"licensor/internal/audit"
	"licensor/internal/codes"
	apierrors "licensor/internal/errors"
	"licensor/internal/license"
	"licensor/internal/rules"
	"licensor/internal/shared/keylock"
	"licensor/internal/signing"
	"licensor/pkg/contracts/domain"
)

// LicenseService is the public license API: issuance, activation,
// verification and download.
type LicenseService interface {
	Issue(ctx context.Context, req IssueRequest) (*domain.IssueResult, error)
	RequestCode(ctx context.Context, params domain.CodeParams) (*CodeRequestResult, error)
	Activate(ctx context.Context, req ActivateRequest) (*domain.ActivationResult, error)
	Deactivate(ctx context.Context, licenseKey, deviceID string) error
	Verify(ctx context.Context, req VerifyRequest) (*domain.VerifyResult, error)
	Download(ctx context.Context, licenseKey, code string) (*domain.SignedLicense, error)
	VerifySignature(ctx context.Context, document []byte) SignatureCheck
	Projects(ctx context.Context) []domain.ProjectSummary
	PublicKey(ctx context.Context) ([]byte, error)
}

// IssueRequest asks for a license for (email, project)
type IssueRequest struct {
	Email   string `json:"email" validate:"required,email,max=254"`
	Project string `json:"project" validate:"required,max=64"`
}

// ActivateRequest binds a device by license key or activation code.
// Hints is filled from the transport, not the body.
type ActivateRequest struct {
	LicenseKey     string `json:"license_key,omitempty" validate:"required_without=ActivationCode,omitempty,max=128"`
	ActivationCode string `json:"activation_code,omitempty" validate:"required_without=LicenseKey,omitempty,max=64"`
	DeviceID       string `json:"device_id,omitempty" validate:"omitempty,max=128"`
	DeviceName     string `json:"device_name,omitempty" validate:"omitempty,max=200"`
	OSInfo         string `json:"os_info,omitempty" validate:"omitempty,max=200"`
	Hostname       string `json:"hostname,omitempty" validate:"omitempty,max=200"`

	Hints DeviceHints `json:"-"`
}

// VerifyRequest is the query of GET /api/verify
type VerifyRequest struct {
	LicenseKey string
	DeviceID   string
	Version    string
}

// CodeRequestResult is returned by the public code request
type CodeRequestResult struct {
	Code          string    `json:"code"`
	Project       string    `json:"project"`
	ExpiresAt     time.Time `json:"expires_at"`
	ExpiresInDays int       `json:"expires_in_days"`
}

// SignatureCheck is the outcome of verifying a signed document
type SignatureCheck struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// KeyMaterial is the subset of the key manager the services use.
// *keys.Manager satisfies it.
type KeyMaterial interface {
	EnsureKeyPair(ctx context.Context) (*rsa.PrivateKey, error)
	PublicKeyPEM() ([]byte, error)
	Fingerprint() (string, error)
	Exists() bool
}

// LicenseDeps wires the license service
type LicenseDeps struct {
	Store   *license.Store
	Tracker *license.Tracker
	Codes   *codes.Registry
	Rules   *rules.Engine
	Signer  *signing.Signer
	Keys    KeyMaterial
	Guard   *license.AttemptGuard
	Audit   audit.Sink
	Events  EventPublisher
	Logger  *slog.Logger
	Now     func() time.Time
}

type licenseService struct {
	store   *license.Store
	tracker *license.Tracker
	codes   *codes.Registry
	rules   *rules.Engine
	signer  *signing.Signer
	keys    KeyMaterial
	guard   *license.AttemptGuard
	audit   audit.Sink
	events  EventPublisher
	logger  *slog.Logger
	now     func() time.Time

	// pairs serializes find-or-issue per (email, project)
	pairs *keylock.Set
}

// NewLicenseService creates the public license service
func NewLicenseService(d LicenseDeps) LicenseService {
	s := &licenseService{
		store:   d.Store,
		tracker: d.Tracker,
		codes:   d.Codes,
		rules:   d.Rules,
		signer:  d.Signer,
		keys:    d.Keys,
		guard:   d.Guard,
		audit:   d.Audit,
		events:  d.Events,
		logger:  d.Logger,
		now:     d.Now,
		pairs:   keylock.New(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("service", "license"))
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Issue creates a license for the project. With restrict_same_email an
// existing license for the pair is returned instead.
func (s *licenseService) Issue(ctx context.Context, req IssueRequest) (*domain.IssueResult, error) {
	project, policy, err := s.rules.FindProject(req.Project)
	if err != nil {
		return nil, err
	}
	email := strings.TrimSpace(req.Email)

	if policy.DefaultRules.RestrictSameEmail {
		unlock := s.pairs.Lock(pairKey(email, project.ID))
		defer unlock()

		existing, err := s.store.FindByEmailProject(ctx, email, project.ID)
		switch {
		case err == nil:
			artifact, err := s.store.Artifact(ctx, existing.Key)
			if err != nil {
				return nil, err
			}
			s.logger.InfoContext(ctx, "existing license returned",
				slog.String("operation", "issue_license"),
				slog.String("license_key_masked", license.MaskLicenseKey(existing.Key)),
				slog.String("project", project.ID))
			return &domain.IssueResult{Key: existing.Key, SignedLicense: artifact, Existing: true}, nil
		case !errors.Is(err, apierrors.ErrLicenseNotFound):
			return nil, err
		}
	}

	l, artifact, err := s.store.Issue(ctx, license.IssueParams{
		Email:          email,
		Project:        project.ID,
		Version:        project.Version,
		MaxActivations: policy.MaxActivationsFor(project),
		ExpiresAt:      s.now().UTC().Add(policy.DurationFor(project)),
	})
	if err != nil {
		return nil, err
	}
	return &domain.IssueResult{Key: l.Key, SignedLicense: artifact}, nil
}

// RequestCode is the public, self-service code request. It always uses the
// project's policy snapshot and honours required_email.
func (s *licenseService) RequestCode(ctx context.Context, params domain.CodeParams) (*CodeRequestResult, error) {
	project, _, err := s.rules.FindProject(params.Project)
	if err != nil {
		return nil, err
	}
	if err := rules.CheckEmail(project, params.Email); err != nil {
		return nil, err
	}

	params.MaxActivations = 0
	params.DurationDays = 0
	c, err := s.codes.Issue(ctx, params)
	if err != nil {
		return nil, err
	}
	days := int(c.ExpiresAt.Sub(c.CreatedAt).Hours() / 24)
	return &CodeRequestResult{Code: c.Code, Project: c.Project, ExpiresAt: c.ExpiresAt, ExpiresInDays: days}, nil
}

// Activate binds the resolved device to a license, directly by key or
// through an activation code.
func (s *licenseService) Activate(ctx context.Context, req ActivateRequest) (*domain.ActivationResult, error) {
	policy := s.rules.Current()

	req.Hints.DeviceID = req.DeviceID
	deviceID, source := ResolveDeviceID(req.Hints)
	if source == DeviceFromFingerprint && policy.ActivationRules.RequireDeviceID {
		return nil, fmt.Errorf("device id from %s: %w", source, apierrors.ErrDeviceIDRequired)
	}

	meta := domain.DeviceMeta{
		DeviceName: req.DeviceName,
		OSInfo:     req.OSInfo,
		Hostname:   req.Hostname,
		IPAddress:  req.Hints.ClientIP,
	}

	var (
		result *domain.ActivationResult
		code   string
		err    error
	)
	switch {
	case req.LicenseKey != "":
		result, err = s.tracker.Activate(ctx, strings.TrimSpace(req.LicenseKey), deviceID, meta)
	case req.ActivationCode != "":
		code = codes.Normalize(req.ActivationCode)
		result, err = s.activateByCode(ctx, code, deviceID, meta)
	default:
		return nil, apierrors.MissingParameter("license_key or activation_code")
	}
	if err != nil {
		return nil, err
	}

	if result.Status == domain.OutcomeActivated {
		action := domain.ActionActivate
		if code != "" {
			action = domain.ActionRedeem
		}
		s.publish(ctx, policy, domain.ActivationEvent{
			Action:     action,
			LicenseKey: result.LicenseKey,
			Code:       code,
			Project:    result.Project,
			DeviceID:   deviceID,
			DeviceName: req.DeviceName,
			IPAddress:  req.Hints.ClientIP,
			Remaining:  result.Remaining,
		})
	}
	return result, nil
}

func (s *licenseService) activateByCode(ctx context.Context, code, deviceID string, meta domain.DeviceMeta) (*domain.ActivationResult, error) {
	ip := meta.IPAddress
	if s.guard != nil {
		if blocked, remaining := s.guard.Blocked(ip); blocked {
			return nil, fmt.Errorf("code redemption blocked for %s: %w", remaining.Round(time.Second), apierrors.ErrRateLimited)
		}
	}

	var result *domain.ActivationResult
	_, err := s.codes.RedeemWith(ctx, code, deviceID, meta.DeviceName, func(ctx context.Context, c *domain.ActivationCode) (string, error) {
		key, err := s.licenseForCode(ctx, c)
		if err != nil {
			return "", err
		}
		result, err = s.tracker.Activate(ctx, key, deviceID, meta)
		if err != nil {
			return "", err
		}
		return key, nil
	})
	if err != nil {
		if result != nil && result.Status == domain.OutcomeActivated {
			s.undoActivation(ctx, result.LicenseKey, deviceID, err)
		}
		if s.guard != nil && countsAsFailedRedemption(err) {
			s.guard.RecordFailure(ctx, ip)
		}
		return nil, err
	}
	if s.guard != nil {
		s.guard.RecordSuccess(ip)
	}
	return result, nil
}

// undoActivation frees a slot taken by a redemption whose code update was
// not saved, so the code's used_count keeps matching the license.
func (s *licenseService) undoActivation(ctx context.Context, licenseKey, deviceID string, cause error) {
	s.logger.WarnContext(ctx, "code not saved, releasing device",
		slog.String("license_key_masked", license.MaskLicenseKey(licenseKey)),
		slog.String("device_id", deviceID),
		slog.String("cause", cause.Error()))
	if _, _, err := s.tracker.Deactivate(ctx, licenseKey, deviceID); err != nil {
		s.logger.ErrorContext(ctx, "device release failed; license and code disagree",
			slog.String("license_key_masked", license.MaskLicenseKey(licenseKey)),
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()))
	}
}

// licenseForCode returns the license bound to c, finding it by (email,
// project) or creating it from the code's snapshot on first use. A code
// still bound to a deleted license is rebound the same way.
func (s *licenseService) licenseForCode(ctx context.Context, c *domain.ActivationCode) (string, error) {
	if c.LicenseKey != "" {
		_, err := s.store.FindByKey(ctx, c.LicenseKey)
		if err == nil {
			return c.LicenseKey, nil
		}
		if !errors.Is(err, apierrors.ErrLicenseNotFound) {
			return "", err
		}
		s.logger.WarnContext(ctx, "code bound to a missing license, rebinding",
			slog.String("license_key_masked", license.MaskLicenseKey(c.LicenseKey)),
			slog.String("project", c.Project))
	}

	unlock := s.pairs.Lock(pairKey(c.Email, c.Project))
	defer unlock()

	existing, err := s.store.FindByEmailProject(ctx, c.Email, c.Project)
	if err == nil {
		return existing.Key, nil
	}
	if !errors.Is(err, apierrors.ErrLicenseNotFound) {
		return "", err
	}

	version := ""
	if project, _, perr := s.rules.FindProject(c.Project); perr == nil {
		version = project.Version
	}
	l, _, err := s.store.Issue(ctx, license.IssueParams{
		Email:          c.Email,
		Project:        c.Project,
		Version:        version,
		MaxActivations: c.MaxActivations,
		ExpiresAt:      c.ExpiresAt,
		ActivationCode: c.Code,
	})
	if err != nil {
		return "", err
	}
	return l.Key, nil
}

func pairKey(email, project string) string {
	return strings.ToLower(strings.TrimSpace(email)) + "|" + strings.ToUpper(project)
}

func countsAsFailedRedemption(err error) bool {
	switch apierrors.KindOf(err) {
	case apierrors.KindNotFound, apierrors.KindExpired, apierrors.KindLimitReached:
		return true
	}
	return false
}

// Deactivate frees the device's slot on the license. Repeating it records
// nothing.
func (s *licenseService) Deactivate(ctx context.Context, licenseKey, deviceID string) error {
	l, changed, err := s.tracker.Deactivate(ctx, strings.TrimSpace(licenseKey), strings.TrimSpace(deviceID))
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.publish(ctx, s.rules.Current(), domain.ActivationEvent{
		Action:     domain.ActionDeactivate,
		LicenseKey: l.Key,
		Project:    l.Project,
		DeviceID:   deviceID,
		Remaining:  l.Remaining(),
	})
	return nil
}

// Verify runs the policy gates without recording anything.
func (s *licenseService) Verify(ctx context.Context, req VerifyRequest) (*domain.VerifyResult, error) {
	if req.LicenseKey == "" {
		return nil, apierrors.MissingParameter("key")
	}
	return s.tracker.Verify(ctx, strings.TrimSpace(req.LicenseKey), domain.VerifyRequest{
		DeviceID: strings.TrimSpace(req.DeviceID),
		Version:  strings.TrimSpace(req.Version),
	})
}

// Download returns the current signed license by key, or by the code that
// provisioned it.
func (s *licenseService) Download(ctx context.Context, licenseKey, code string) (*domain.SignedLicense, error) {
	licenseKey = strings.TrimSpace(licenseKey)
	if licenseKey == "" {
		if strings.TrimSpace(code) == "" {
			return nil, apierrors.MissingParameter("key or code")
		}
		c, err := s.codes.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if c.IsExpired(s.now()) {
			return nil, fmt.Errorf("download by code: %w", apierrors.ErrCodeExpired)
		}
		licenseKey = c.LicenseKey
		if licenseKey == "" {
			l, err := s.store.FindByEmailProject(ctx, c.Email, c.Project)
			if err != nil {
				return nil, err
			}
			licenseKey = l.Key
		}
	}

	artifact, err := s.store.Artifact(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "signed license downloaded",
		slog.String("operation", "download"),
		slog.String("license_key_masked", license.MaskLicenseKey(licenseKey)),
		slog.Bool("by_code", code != ""))
	return artifact, nil
}

// VerifySignature checks a SignedLicense document. It never fails.
func (s *licenseService) VerifySignature(ctx context.Context, document []byte) SignatureCheck {
	valid, reason := s.signer.VerifyDocument(document)
	s.logger.DebugContext(ctx, "signature checked",
		slog.Bool("valid", valid),
		slog.String("reason", reason))
	return SignatureCheck{Valid: valid, Reason: reason}
}

// Projects lists the configured projects
func (s *licenseService) Projects(context.Context) []domain.ProjectSummary {
	return s.rules.ListProjects()
}

// PublicKey returns the PEM encoded verification key
func (s *licenseService) PublicKey(context.Context) ([]byte, error) {
	return s.keys.PublicKeyPEM()
}

// publish records the event in the activation log and pushes it to live
// subscribers. Both are best effort: the activation is already committed.
func (s *licenseService) publish(ctx context.Context, policy *domain.Policy, ev domain.ActivationEvent) {
	ev.Timestamp = s.now().UTC()
	if !policy.ActivationRules.TrackIPAddress {
		ev.IPAddress = ""
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "activation log write failed",
			slog.String("action", string(ev.Action)),
			slog.String("error", err.Error()))
	}
	s.events.PublishActivation(ctx, ev)
}
