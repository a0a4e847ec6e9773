// Package rules holds the tenant-configurable policy and applies its gates.
//
// The engine keeps one in-memory snapshot guarded by a RWMutex. Readers get
// clones, so a policy update never changes a decision that is already in
// flight. Every update appends the replaced policy to the history log
// before the new one is saved.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	apierrors "licensor/internal/errors"
	"licensor/pkg/contracts/domain"
)

// Engine is the rules engine.
type Engine struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	current *domain.Policy
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine loads the stored policy, seeding and persisting Default() on first start.
func NewEngine(ctx context.Context, store Store, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    store,
		validate: newValidator(),
		logger:   logger.With(slog.String("component", "rules_engine")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	policy, ok, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		policy = Default()
		policy.Revision = 1
		policy.UpdatedAt = e.now().UTC()
		if err := store.Save(ctx, policy); err != nil {
			return nil, err
		}
		e.logger.InfoContext(ctx, "seeded default rules")
	} else if err := e.check(policy); err != nil {
		return nil, fmt.Errorf("stored rules: %w", err)
	}

	e.current = policy
	return e, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Current returns a copy of the active policy.
func (e *Engine) Current() *domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.Clone()
}

// Update validates next, archives the current policy and applies next.
func (e *Engine) Update(ctx context.Context, next *domain.Policy, reason string) (*domain.Policy, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: empty policy", apierrors.ErrInvalidPolicy)
	}
	if err := e.check(next); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.current
	now := e.now().UTC()

	entry := domain.PolicyHistoryEntry{
		Revision:   prev.Revision,
		ReplacedAt: now,
		Reason:     reason,
		Policy:     *prev.Clone(),
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return nil, err
	}

	applied := next.Clone()
	applied.Revision = prev.Revision + 1
	applied.UpdatedAt = now
	if applied.Projects == nil {
		applied.Projects = []domain.Project{}
	}
	if err := e.store.Save(ctx, applied); err != nil {
		return nil, err
	}
	e.current = applied

	e.logger.InfoContext(ctx, "rules updated",
		slog.Int("revision", applied.Revision),
		slog.String("reason", reason))
	return applied.Clone(), nil
}

// Reset restores the built-in defaults through the normal update path.
// The project catalogue is kept.
func (e *Engine) Reset(ctx context.Context) (*domain.Policy, error) {
	def := Default()
	def.Projects = e.Current().Projects
	return e.Update(ctx, def, "reset")
}

// History returns every archived policy, oldest first.
func (e *Engine) History(ctx context.Context) ([]domain.PolicyHistoryEntry, error) {
	return e.store.History(ctx)
}

// FindProject resolves a project id or fails with ErrInvalidProject.
func (e *Engine) FindProject(id string) (domain.Project, *domain.Policy, error) {
	policy := e.Current()
	pr, ok := policy.FindProject(id)
	if !ok {
		return domain.Project{}, nil, fmt.Errorf("project %q: %w", id, apierrors.ErrInvalidProject)
	}
	return pr, policy, nil
}

// ListProjects returns the public view of the catalogue.
func (e *Engine) ListProjects() []domain.ProjectSummary {
	policy := e.Current()
	out := make([]domain.ProjectSummary, 0, len(policy.Projects))
	for _, p := range policy.Projects {
		out = append(out, domain.ProjectSummary{
			ID:          p.ID,
			Name:        p.ID,
			Version:     p.Version,
			Description: p.Description,
			CompanyName: p.CompanyName,
		})
	}
	return out
}

// CheckEmail enforces a project's pinned required_email.
func CheckEmail(pr domain.Project, email string) error {
	if pr.RequiredEmail != "" && !strings.EqualFold(pr.RequiredEmail, strings.TrimSpace(email)) {
		return fmt.Errorf("project %s: %w", pr.ID, apierrors.ErrEmailNotAllowed)
	}
	return nil
}

func (e *Engine) check(p *domain.Policy) error {
	if err := e.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", apierrors.ErrInvalidPolicy, describe(err))
	}
	seen := make(map[string]struct{}, len(p.Projects))
	for _, pr := range p.Projects {
		id := strings.ToUpper(pr.ID)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate project %q", apierrors.ErrInvalidPolicy, pr.ID)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	return strings.Join(parts, "; ")
}
