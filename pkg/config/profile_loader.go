package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vigil-grc/vigil/pkg/automation"
	"github.com/vigil-grc/vigil/pkg/matrix"
)

// TenantProfile is a tenant-specific configuration profile: its risk matrix,
// reminder schedule, and rule catalog overrides. Profiles live as
// profile_<tenant>.yaml files; a tenant without one runs on package
// defaults.
type TenantProfile struct {
	Name            string            `yaml:"name" json:"name"`
	TenantID        string            `yaml:"tenant_id" json:"tenant_id"`
	Matrix          *matrix.Matrix    `yaml:"matrix,omitempty" json:"matrix,omitempty"`
	ReminderOffsets []int             `yaml:"reminder_offsets,omitempty" json:"reminder_offsets,omitempty"`
	Rules           []automation.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Validate checks the profile's matrix, its reminder schedule, and every
// rule override.
func (p *TenantProfile) Validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("config: profile %q has no tenant_id", p.Name)
	}
	if p.Matrix != nil {
		if err := p.Matrix.Validate(); err != nil {
			return fmt.Errorf("config: profile %q matrix: %w", p.TenantID, err)
		}
	}
	if err := automation.ValidateOffsets(p.ReminderOffsets); err != nil {
		return fmt.Errorf("config: profile %q: %w", p.TenantID, err)
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("config: profile %q rule %q: %w", p.TenantID, p.Rules[i].ID, err)
		}
	}
	return nil
}

// RuleCatalog returns the profile's rules, falling back to the defaults.
// Profile reminder offsets apply to any rule that carries none of its own.
func (p *TenantProfile) RuleCatalog() []automation.Rule {
	rules := p.Rules
	if len(rules) == 0 {
		rules = automation.DefaultCatalog()
	}
	if len(p.ReminderOffsets) == 0 {
		return rules
	}
	out := make([]automation.Rule, len(rules))
	copy(out, rules)
	for i := range out {
		if len(out[i].ReminderOffsets) == 0 {
			out[i].ReminderOffsets = p.ReminderOffsets
		}
	}
	return out
}

// LoadProfile loads and validates profile_<tenantID>.yaml.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(tenantID)))

	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", tenantID, err)
	}
	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// tenant ID.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if profile.TenantID == "" {
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.TenantID] = &profile
	}
	return profiles, nil
}
