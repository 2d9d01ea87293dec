package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is a YAML overlay applied on top of the environment
// configuration. Deployments ship one profile per posture (e.g. staging,
// canary, production); only the fields a profile sets are applied.
type DeploymentProfile struct {
	Name     string            `yaml:"name" json:"name"`
	Code     string            `yaml:"code" json:"code"`
	Matching *MatchingOverlay  `yaml:"matching,omitempty" json:"matching,omitempty"`
	Exports  map[string]Window `yaml:"exports,omitempty" json:"exports,omitempty"`
}

// MatchingOverlay overrides the rollout posture. Pointer fields distinguish
// "unset" from "explicitly false/zero".
type MatchingOverlay struct {
	ShadowEnabled  *bool `yaml:"shadow_enabled,omitempty" json:"shadow_enabled,omitempty"`
	PrimaryEnabled *bool `yaml:"primary_enabled,omitempty" json:"primary_enabled,omitempty"`
	CanaryEnabled  *bool `yaml:"canary_enabled,omitempty" json:"canary_enabled,omitempty"`
	RolloutBps     *int  `yaml:"rollout_bps,omitempty" json:"rollout_bps,omitempty"`
}

// Window overrides one export contract's retention posture.
type Window struct {
	RetentionDays           *int  `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
	CheckpointRetentionDays *int  `yaml:"checkpoint_retention_days,omitempty" json:"checkpoint_retention_days,omitempty"`
	EnforceCheckpoint       *bool `yaml:"enforce_checkpoint,omitempty" json:"enforce_checkpoint,omitempty"`
}

// LoadProfile loads profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// Apply overlays the profile onto cfg in place.
func (p *DeploymentProfile) Apply(cfg *Config) {
	if m := p.Matching; m != nil {
		if m.ShadowEnabled != nil {
			cfg.Matching.ShadowEnabled = *m.ShadowEnabled
		}
		if m.PrimaryEnabled != nil {
			cfg.Matching.PrimaryEnabled = *m.PrimaryEnabled
		}
		if m.CanaryEnabled != nil {
			cfg.Matching.CanaryEnabled = *m.CanaryEnabled
		}
		if m.RolloutBps != nil {
			bps := *m.RolloutBps
			if bps < 0 {
				bps = 0
			}
			if bps > 10000 {
				bps = 10000
			}
			cfg.Matching.RolloutBps = bps
		}
	}

	for name, w := range p.Exports {
		target := cfg.exportWindow(name)
		if target == nil {
			continue
		}
		if w.RetentionDays != nil {
			target.RetentionDays = clampDays(*w.RetentionDays)
		}
		if w.CheckpointRetentionDays != nil {
			target.CheckpointRetentionDays = clampDays(*w.CheckpointRetentionDays)
		}
		if w.EnforceCheckpoint != nil {
			target.EnforceCheckpoint = *w.EnforceCheckpoint
		}
	}
}

func (c *Config) exportWindow(name string) *ExportWindow {
	switch name {
	case "inclusion_proof":
		return &c.InclusionProof
	case "transparency_log":
		return &c.TransparencyLog
	case "metrics":
		return &c.Metrics
	case "liquidity_policy_audit":
		return &c.PolicyAudit
	case "liquidity_execution":
		return &c.Execution
	case "provider_rollout":
		return &c.ProviderRollout
	case "trust_safety":
		return &c.TrustSafety
	}
	return nil
}

func clampDays(n int) int {
	if n < RetentionMinDays {
		return RetentionMinDays
	}
	if n > RetentionMaxDays {
		return RetentionMaxDays
	}
	return n
}
