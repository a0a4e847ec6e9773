package codes

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "licensor/internal/errors"
	"licensor/internal/shared/keylock"
	"licensor/pkg/contracts/domain"
)

const codeAttempts = 5

var codeFormat = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

// ProjectResolver looks up a project and the policy it was found in.
// *rules.Engine satisfies it.
type ProjectResolver interface {
	FindProject(id string) (domain.Project, *domain.Policy, error)
}

// Recorder receives redemption outcomes. *license.Instrumentation satisfies it.
type Recorder interface {
	RecordCodeRedemption(ctx context.Context, err error)
}

// BindFunc runs inside a redemption, before anything is committed. It
// returns the license key the code is bound to. An error aborts the
// redemption with the code left untouched.
type BindFunc func(ctx context.Context, c *domain.ActivationCode) (string, error)

// Registry issues and redeems activation codes.
type Registry struct {
	repo     Repository
	projects ProjectResolver
	locks    *keylock.Set
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithRecorder attaches redemption metrics
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// NewRegistry creates a code registry
func NewRegistry(repo Repository, projects ProjectResolver, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		repo:     repo,
		projects: projects,
		locks:    keylock.New(),
		logger:   logger.With(slog.String("component", "code_registry")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateCode returns a fresh XXXX-XXXX-XXXX-XXXX code.
func GenerateCode() string {
	id := uuid.New()
	h := strings.ToUpper(hex.EncodeToString(id[:8]))
	return fmt.Sprintf("%s-%s-%s-%s", h[0:4], h[4:8], h[8:12], h[12:16])
}

// ValidCodeFormat reports whether code looks like a generated code.
func ValidCodeFormat(code string) bool {
	return codeFormat.MatchString(code)
}

// Normalize trims and upper-cases user input.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Issue creates a code carrying a snapshot of the project's policy.
// Zero MaxActivations or DurationDays fall back to the project policy.
func (r *Registry) Issue(ctx context.Context, p domain.CodeParams) (*domain.ActivationCode, error) {
	project, policy, err := r.projects.FindProject(p.Project)
	if err != nil {
		return nil, err
	}

	maxActivations := p.MaxActivations
	if maxActivations == 0 {
		maxActivations = policy.MaxActivationsFor(project)
	}
	if maxActivations < 1 || maxActivations > 100 {
		return nil, fmt.Errorf("code max_activations %d outside 1..100: %w", maxActivations, apierrors.ErrInvalidActivationLimit)
	}
	duration := policy.DurationFor(project)
	if p.DurationDays > 0 {
		duration = time.Duration(p.DurationDays) * 24 * time.Hour
	}

	now := r.now().UTC()
	for attempt := 0; attempt < codeAttempts; attempt++ {
		c := &domain.ActivationCode{
			Code:           GenerateCode(),
			Email:          strings.TrimSpace(p.Email),
			Project:        project.ID,
			Company:        p.Company,
			Message:        p.Message,
			MaxActivations: maxActivations,
			CreatedAt:      now,
			ExpiresAt:      now.Add(duration),
			Activations:    []domain.CodeActivation{},
		}
		err := r.repo.Insert(ctx, c)
		if errors.Is(err, apierrors.ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return nil, err
		}

		r.logger.InfoContext(ctx, "activation code issued",
			slog.String("action", "code_issue"),
			slog.String("code", maskCode(c.Code)),
			slog.String("project", c.Project),
			slog.Int("max_activations", c.MaxActivations),
			slog.Time("expires_at", c.ExpiresAt))
		return c.Clone(), nil
	}
	return nil, fmt.Errorf("generate unique code after %d attempts: %w", codeAttempts, apierrors.ErrDuplicateKey)
}

// Redeem records deviceID against the code. A device that already redeemed
// the code gets the code back without consuming another use.
func (r *Registry) Redeem(ctx context.Context, code, deviceID, deviceName string) (*domain.ActivationCode, error) {
	return r.RedeemWith(ctx, code, deviceID, deviceName, nil)
}

// RedeemWith is Redeem with a bind step that runs inside the same critical
// section. The code is only updated when bind succeeds. When bind succeeds
// but the code cannot be saved, the error is returned and undoing whatever
// bind committed is the caller's job.
func (r *Registry) RedeemWith(ctx context.Context, code, deviceID, deviceName string, bind BindFunc) (*domain.ActivationCode, error) {
	code = Normalize(code)
	c, err := r.redeem(ctx, code, deviceID, deviceName, bind)
	if r.recorder != nil {
		r.recorder.RecordCodeRedemption(ctx, err)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "code redemption rejected",
			slog.String("action", "code_redeem"),
			slog.String("code", maskCode(code)),
			slog.String("device_id", deviceID),
			slog.String("kind", string(apierrors.KindOf(err))),
			slog.String("error", err.Error()))
		return nil, err
	}

	r.logger.InfoContext(ctx, "code redeemed",
		slog.String("action", "code_redeem"),
		slog.String("code", maskCode(code)),
		slog.String("device_id", deviceID),
		slog.Int("used_count", c.UsedCount),
		slog.Int("max_activations", c.MaxActivations))
	return c, nil
}

func (r *Registry) redeem(ctx context.Context, code, deviceID, deviceName string, bind BindFunc) (*domain.ActivationCode, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("redeem code %s: %w", maskCode(code), apierrors.ErrDeviceIDRequired)
	}

	unlock := r.locks.Lock(code)
	defer unlock()

	now := r.now().UTC()
	var current *domain.ActivationCode
	updated, err := r.repo.Mutate(ctx, code, func(c *domain.ActivationCode) error {
		if c.IsExpired(now) {
			return fmt.Errorf("code %s expired at %s: %w",
				maskCode(code), c.ExpiresAt.Format(time.RFC3339), apierrors.ErrCodeExpired)
		}
		known := c.HasMachine(deviceID)
		if !known && c.Exhausted() {
			return fmt.Errorf("code %s used %d/%d: %w",
				maskCode(code), c.UsedCount, c.MaxActivations, apierrors.ErrCodeExhausted)
		}

		bound := false
		if bind != nil {
			key, err := bind(ctx, c.Clone())
			if err != nil {
				return err
			}
			if key != "" && key != c.LicenseKey {
				c.LicenseKey = key
				bound = true
			}
		}

		if known {
			if !bound {
				current = c.Clone()
				return errUnchanged
			}
			return nil
		}

		c.UsedCount++
		c.Activations = append(c.Activations, domain.CodeActivation{
			MachineID:   deviceID,
			MachineName: deviceName,
			ActivatedAt: now,
		})
		if !c.Used {
			c.Used = true
			first := now
			c.FirstActivationAt = &first
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return current, nil
	}
	return updated, err
}

// Get returns the code or ErrCodeNotFound
func (r *Registry) Get(ctx context.Context, code string) (*domain.ActivationCode, error) {
	return r.repo.Get(ctx, Normalize(code))
}

// List returns every code, newest first
func (r *Registry) List(ctx context.Context) ([]*domain.ActivationCode, error) {
	return r.repo.List(ctx)
}

// Delete removes a code
func (r *Registry) Delete(ctx context.Context, code string) error {
	code = Normalize(code)
	unlock := r.locks.Lock(code)
	defer unlock()

	if err := r.repo.Delete(ctx, code); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "activation code deleted",
		slog.String("action", "code_delete"),
		slog.String("code", maskCode(code)))
	return nil
}

// ReleaseLicense clears the binding of every code still bound to
// licenseKey, so the next redemption provisions a license again. It
// returns the number of codes released.
func (r *Registry) ReleaseLicense(ctx context.Context, licenseKey string) (int, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, c := range all {
		if c.LicenseKey != licenseKey {
			continue
		}
		ok, err := r.release(ctx, c.Code, licenseKey)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		r.logger.InfoContext(ctx, "codes released from deleted license",
			slog.String("action", "code_release"),
			slog.Int("count", released))
	}
	return released, nil
}

func (r *Registry) release(ctx context.Context, code, licenseKey string) (bool, error) {
	unlock := r.locks.Lock(code)
	defer unlock()

	_, err := r.repo.Mutate(ctx, code, func(c *domain.ActivationCode) error {
		// A redemption may have rebound the code since it was listed.
		if c.LicenseKey != licenseKey {
			return errUnchanged
		}
		c.LicenseKey = ""
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged), errors.Is(err, apierrors.ErrCodeNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Ping checks the backing repository
func (r *Registry) Ping(ctx context.Context) error {
	return r.repo.Ping(ctx)
}

// maskCode keeps the first group only
func maskCode(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:4] + "-****"
}
