// Package config loads the typed core configuration from the process
// environment once at start-up. Services receive the struct by injection;
// tests construct their own instead of touching the environment.
package config

import (
	"os"
	"strconv"
)

// Retention bounds in days. Values outside the range clamp.
const (
	RetentionMinDays = 1
	RetentionMaxDays = 3650
)

// ExportWindow is the retention posture of one export contract.
type ExportWindow struct {
	RetentionDays           int
	CheckpointRetentionDays int
	EnforceCheckpoint       bool
}

// MatchingV2 carries the candidate engine tunables and rollout posture.
type MatchingV2 struct {
	ShadowEnabled       bool
	TSShadowEnabled     bool
	PrimaryEnabled      bool
	CanaryEnabled       bool
	RolloutBps          int
	RollbackWindowRuns  int
	MinCycleLength      int
	MaxCycleLength      int
	MaxEnumeratedCycles int
	TimeoutMS           int
	MaxProposals        int
}

// Config is the full core configuration.
type Config struct {
	// IntegrationEnabled gates constrained_auto execution in restricted
	// adapter contexts.
	IntegrationEnabled bool
	// AuthzNowISO is the fallback wall clock when neither auth.now_iso nor
	// query.now_iso is present.
	AuthzNowISO string

	InclusionProof  ExportWindow
	TransparencyLog ExportWindow
	Metrics         ExportWindow
	PolicyAudit     ExportWindow
	Execution       ExportWindow
	ProviderRollout ExportWindow
	TrustSafety     ExportWindow

	Matching MatchingV2
}

// Load reads the environment into a Config, applying per-service defaults.
func Load() *Config {
	return &Config{
		IntegrationEnabled: os.Getenv("INTEGRATION_ENABLED") == "1",
		AuthzNowISO:        os.Getenv("AUTHZ_NOW_ISO"),

		InclusionProof: ExportWindow{
			RetentionDays:           days("INCLUSION_PROOF_EXPORT_RETENTION_DAYS", 180),
			CheckpointRetentionDays: days("INCLUSION_PROOF_EXPORT_CHECKPOINT_RETENTION_DAYS", 30),
			EnforceCheckpoint:       os.Getenv("INCLUSION_PROOF_EXPORT_CHECKPOINT_ENFORCE") == "1",
		},
		TransparencyLog: ExportWindow{
			RetentionDays:           days("TRANSPARENCY_LOG_EXPORT_RETENTION_DAYS", 180),
			CheckpointRetentionDays: days("TRANSPARENCY_LOG_EXPORT_CHECKPOINT_RETENTION_DAYS", 30),
			EnforceCheckpoint:       os.Getenv("TRANSPARENCY_LOG_EXPORT_CHECKPOINT_ENFORCE") == "1",
		},
		Metrics: ExportWindow{
			RetentionDays:           days("METRICS_EXPORT_RETENTION_DAYS", 30),
			CheckpointRetentionDays: days("METRICS_EXPORT_CHECKPOINT_RETENTION_DAYS", 7),
		},
		PolicyAudit: ExportWindow{
			RetentionDays:           days("LIQUIDITY_POLICY_AUDIT_EXPORT_RETENTION_DAYS", 180),
			CheckpointRetentionDays: days("LIQUIDITY_POLICY_AUDIT_EXPORT_CHECKPOINT_RETENTION_DAYS", 30),
		},
		Execution: ExportWindow{
			RetentionDays:           days("LIQUIDITY_EXECUTION_EXPORT_RETENTION_DAYS", 180),
			CheckpointRetentionDays: days("LIQUIDITY_EXECUTION_EXPORT_CHECKPOINT_RETENTION_DAYS", 30),
		},
		ProviderRollout: ExportWindow{
			RetentionDays:           days("PARTNER_LIQUIDITY_PROVIDER_ROLLOUT_EXPORT_RETENTION_DAYS", 180),
			CheckpointRetentionDays: days("PARTNER_LIQUIDITY_PROVIDER_ROLLOUT_EXPORT_CHECKPOINT_RETENTION_DAYS", 30),
		},
		TrustSafety: ExportWindow{
			RetentionDays:           days("TRUST_SAFETY_EXPORT_RETENTION_DAYS", 180),
			CheckpointRetentionDays: days("TRUST_SAFETY_EXPORT_CHECKPOINT_RETENTION_DAYS", 30),
		},

		Matching: MatchingV2{
			ShadowEnabled:       envBool("MATCHING_V2_SHADOW", true),
			TSShadowEnabled:     envBool("MATCHING_V2_TS_SHADOW", false),
			PrimaryEnabled:      envBool("MATCHING_V2_PRIMARY", false),
			CanaryEnabled:       envBool("MATCHING_V2_CANARY", false),
			RolloutBps:          envInt("MATCHING_V2_ROLLOUT_BPS", 0, 0, 10000),
			RollbackWindowRuns:  envInt("MATCHING_V2_ROLLBACK_WINDOW_RUNS", 5, 1, 1000),
			MinCycleLength:      envInt("MATCHING_V2_MIN_CYCLE_LENGTH", 2, 2, 16),
			MaxCycleLength:      envInt("MATCHING_V2_MAX_CYCLE_LENGTH", 4, 2, 16),
			MaxEnumeratedCycles: envInt("MATCHING_V2_MAX_CYCLES_EXPLORED", 10000, 1, 1_000_000),
			TimeoutMS:           envInt("MATCHING_V2_TIMEOUT_MS", 2000, 1, 600_000),
			MaxProposals:        envInt("MATCHING_V2_LMAX", 50, 1, 10_000),
		},
	}
}

// days reads an integer day count clamped to [RetentionMinDays,
// RetentionMaxDays], falling back to def when unset or unparseable.
func days(key string, def int) int {
	return envInt(key, def, RetentionMinDays, RetentionMaxDays)
}

func envInt(key string, def, min, max int) int {
	raw := os.Getenv(key)
	n := def
	if raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err == nil {
			n = parsed
		}
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func envBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	return def
}
