package domain

import (
	"strings"
	"time"
)

// Project is one product the server can license.
// Zero overrides fall back to the policy defaults.
type Project struct {
	ID                  string `json:"id" yaml:"id" validate:"required,max=64"`
	Version             string `json:"version" yaml:"version"`
	Description         string `json:"description,omitempty" yaml:"description"`
	CompanyName         string `json:"company_name,omitempty" yaml:"company_name"`
	RequiredEmail       string `json:"required_email,omitempty" yaml:"required_email" validate:"omitempty,email"`
	MaxActivations      int    `json:"max_activations,omitempty" yaml:"max_activations" validate:"omitempty,min=1,max=100"`
	LicenseDurationDays int    `json:"license_duration_days,omitempty" yaml:"license_duration_days" validate:"omitempty,min=30,max=1825"`
}

// DefaultRules are applied when issuing licenses and codes
type DefaultRules struct {
	LicenseDurationDays   int  `json:"license_duration_days" validate:"min=30,max=1825"`
	MaxActivations        int  `json:"max_activations" validate:"min=1,max=100"`
	RestrictSameEmail     bool `json:"restrict_same_email"`
	AllowMultipleVersions bool `json:"allow_multiple_versions"`
}

// ActivationRules are the boolean gates consulted at activation and verification
type ActivationRules struct {
	RequireDeviceID bool `json:"require_device_id"`
	CheckExpiration bool `json:"check_expiration"`
	TrackIPAddress  bool `json:"track_ip_address"`
	LimitByVersion  bool `json:"limit_by_version"`
}

// SecurityRules control the request boundary
type SecurityRules struct {
	RequireAPIToken       bool `json:"require_api_token"`
	RateLimitPerIPPerHour int  `json:"rate_limit_per_ip_per_hour" validate:"min=0,max=100000"`
	LogRequests           bool `json:"log_requests"`
}

// Policy is the tenant-configurable rule document.
type Policy struct {
	Projects        []Project       `json:"projects" validate:"dive"`
	DefaultRules    DefaultRules    `json:"default_rules"`
	ActivationRules ActivationRules `json:"activation_rules"`
	Security        SecurityRules   `json:"security"`
	Revision        int             `json:"revision"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	c := *p
	c.Projects = append([]Project(nil), p.Projects...)
	return &c
}

// FindProject looks a project up by id, case-insensitively.
func (p *Policy) FindProject(id string) (Project, bool) {
	for _, pr := range p.Projects {
		if strings.EqualFold(pr.ID, id) {
			return pr, true
		}
	}
	return Project{}, false
}

// MaxActivationsFor returns the project's ceiling or the default.
func (p *Policy) MaxActivationsFor(pr Project) int {
	if pr.MaxActivations > 0 {
		return pr.MaxActivations
	}
	return p.DefaultRules.MaxActivations
}

// DurationFor returns the project's license window or the default.
func (p *Policy) DurationFor(pr Project) time.Duration {
	days := p.DefaultRules.LicenseDurationDays
	if pr.LicenseDurationDays > 0 {
		days = pr.LicenseDurationDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// PolicyHistoryEntry is one immutable record of a replaced policy
type PolicyHistoryEntry struct {
	Revision   int       `json:"revision"`
	ReplacedAt time.Time `json:"replaced_at"`
	Reason     string    `json:"reason"`
	Policy     Policy    `json:"policy"`
}

// ProjectSummary is the public view of a project
type ProjectSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
}
