package contracts

// Reason codes are stable lowercase identifiers attached to error details and
// evaluation outcomes. They MUST NOT change between releases.
const (
	// --- Liquidity policy evaluation ---
	ReasonPolicyPrecedenceViolation = "liquidity_policy_precedence_violation"
	ReasonPolicyHighVolatilityPause = "liquidity_policy_high_volatility_pause"
	ReasonPolicySpreadExceeded      = "liquidity_policy_spread_exceeded"
	ReasonPolicyPriceConfidenceLow  = "liquidity_policy_price_confidence_low"
	ReasonPolicyExposureExceeded    = "liquidity_policy_exposure_exceeded"

	// --- Provider tenancy ---
	ReasonProviderActorMismatch = "liquidity_provider_actor_mismatch"

	// --- Inventory ---
	ReasonReservationConflict = "liquidity_inventory_reservation_conflict"
	ReasonReservationBadState = "liquidity_inventory_reservation_invalid_transition"
	ReasonHoldingUnknown      = "liquidity_inventory_holding_unknown"

	// --- Execution ---
	ReasonExecutionPolicyBlocked    = "liquidity_execution_platform_policy_blocked"
	ReasonExecutionAutoForbidden    = "liquidity_execution_auto_execute_forbidden"
	ReasonExecutionOverrideRequired = "liquidity_execution_override_required"
	ReasonExecutionOverrideExpired  = "liquidity_execution_override_expired"
	ReasonExecutionTerminal         = "liquidity_execution_request_terminal"
	ReasonExecutionDuplicate        = "liquidity_execution_request_duplicate"

	// --- Governance ---
	ReasonGovernanceEligibilityMissing = "partner_lp_governance_eligibility_missing"
	ReasonGovernanceCriticalViolations = "partner_lp_governance_unresolved_critical_violations"
	ReasonGovernanceTierStep           = "partner_lp_governance_tier_step_exceeded"
	ReasonGovernanceStatusTransition   = "partner_lp_governance_invalid_status_transition"

	// --- Export continuation ---
	ReasonUnknownQueryKey           = "export_unknown_query_key"
	ReasonInvalidWindow             = "export_invalid_window"
	ReasonCursorNotFound            = "export_cursor_not_found"
	ReasonContinuationIncomplete    = "export_continuation_incomplete"
	ReasonCheckpointNotFound        = "checkpoint_after_not_found"
	ReasonCheckpointCursorMismatch  = "checkpoint_cursor_mismatch"
	ReasonCheckpointAttestMismatch  = "checkpoint_attestation_mismatch"
	ReasonCheckpointContextMismatch = "checkpoint_context_mismatch"
	ReasonExportRateLimited         = "export_rate_limited"

	// --- Matching ---
	ReasonAssetValuesMissing = "asset_values_missing"
	ReasonRollbackActive     = "rollback_active"
	ReasonRolloutExcluded    = "rollout_excluded"
	ReasonV2Timeout          = "v2_timeout_safety"
	ReasonV2Limited          = "v2_limited_safety"
	ReasonV2Error            = "v2_error"
	ReasonCanaryError        = "canary_error"

	// --- Transparency / inclusion proof ---
	ReasonChainDiscontinuity      = "transparency_chain_discontinuity"
	ReasonReceiptSignatureInvalid = "inclusion_receipt_signature_invalid"
	ReasonInclusionProofInvalid   = "inclusion_proof_invalid"
	ReasonArtifactRefMissing      = "transparency_artifact_ref_missing"

	// --- Staging evidence ---
	ReasonBundleDuplicate     = "staging_evidence_bundle_duplicate"
	ReasonBundleAnchorInvalid = "staging_evidence_anchor_mismatch"

	// --- Trust & safety ---
	ReasonSignalCategoryUnknown = "trust_safety_signal_category_unknown"
	ReasonSignalSubjectMismatch = "trust_safety_signal_subject_mismatch"

	// --- Compensation ---
	ReasonCompensationNotRequired       = "compensation_not_required"
	ReasonCompensationReceiptInvalid    = "compensation_receipt_signature_invalid"
	ReasonCompensationInvalidTransition = "compensation_invalid_transition"

	// --- Steam adapter ---
	ReasonSteamSettlementUnsupported = "steam_settlement_mode_unsupported"
	ReasonSteamDryRunRequired        = "steam_dry_run_required"
	ReasonSteamBatchSizeExceeded     = "steam_batch_size_exceeded"
	ReasonSteamContractVersion       = "steam_contract_version_invalid"

	// --- Delegations ---
	ReasonDelegationParamsDiverge = "delegation_parameters_diverge"
	ReasonDelegationExpired       = "delegation_expired"

	// --- Execution mode ---
	ReasonIntegrationGateClosed = "platform_integration_gate_closed"

	// --- Notifications ---
	ReasonQuietHoursInvalid         = "notification_quiet_hours_invalid"
	ReasonNotificationCategoryUnknown = "notification_category_unknown"
)
