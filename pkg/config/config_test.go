package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.False(t, cfg.IntegrationEnabled)
	assert.Equal(t, 180, cfg.PolicyAudit.RetentionDays)
	assert.Equal(t, 30, cfg.PolicyAudit.CheckpointRetentionDays)
	assert.Equal(t, 30, cfg.Metrics.RetentionDays)
	assert.True(t, cfg.Matching.ShadowEnabled)
	assert.False(t, cfg.Matching.PrimaryEnabled)
	assert.Equal(t, 0, cfg.Matching.RolloutBps)
	assert.Equal(t, 4, cfg.Matching.MaxCycleLength)
}

func TestLoadClampsRetention(t *testing.T) {
	t.Setenv("LIQUIDITY_POLICY_AUDIT_EXPORT_RETENTION_DAYS", "0")
	t.Setenv("TRUST_SAFETY_EXPORT_RETENTION_DAYS", "99999")
	t.Setenv("METRICS_EXPORT_RETENTION_DAYS", "not-a-number")
	cfg := Load()
	assert.Equal(t, RetentionMinDays, cfg.PolicyAudit.RetentionDays)
	assert.Equal(t, RetentionMaxDays, cfg.TrustSafety.RetentionDays)
	assert.Equal(t, 30, cfg.Metrics.RetentionDays)
}

func TestLoadFlagsAndTunables(t *testing.T) {
	t.Setenv("INTEGRATION_ENABLED", "1")
	t.Setenv("AUTHZ_NOW_ISO", "2025-05-01T00:00:00Z")
	t.Setenv("INCLUSION_PROOF_EXPORT_CHECKPOINT_ENFORCE", "1")
	t.Setenv("MATCHING_V2_CANARY", "true")
	t.Setenv("MATCHING_V2_ROLLOUT_BPS", "2500")
	t.Setenv("MATCHING_V2_SHADOW", "0")
	cfg := Load()
	assert.True(t, cfg.IntegrationEnabled)
	assert.Equal(t, "2025-05-01T00:00:00Z", cfg.AuthzNowISO)
	assert.True(t, cfg.InclusionProof.EnforceCheckpoint)
	assert.True(t, cfg.Matching.CanaryEnabled)
	assert.Equal(t, 2500, cfg.Matching.RolloutBps)
	assert.False(t, cfg.Matching.ShadowEnabled)
}

func TestProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	profile := `
name: Canary posture
matching:
  canary_enabled: true
  rollout_bps: 500
exports:
  liquidity_policy_audit:
    retention_days: 90
    checkpoint_retention_days: 99999
  transparency_log:
    enforce_checkpoint: true
  unknown_contract:
    retention_days: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_canary.yaml"), []byte(profile), 0o644))

	p, err := LoadProfile(dir, "CANARY")
	require.NoError(t, err)
	assert.Equal(t, "canary", p.Code)

	cfg := Load()
	p.Apply(cfg)
	assert.True(t, cfg.Matching.CanaryEnabled)
	assert.Equal(t, 500, cfg.Matching.RolloutBps)
	assert.Equal(t, 90, cfg.PolicyAudit.RetentionDays)
	assert.Equal(t, RetentionMaxDays, cfg.PolicyAudit.CheckpointRetentionDays)
	assert.True(t, cfg.TransparencyLog.EnforceCheckpoint)
}

func TestProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	assert.Error(t, err)
}
