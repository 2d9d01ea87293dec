// Package liquidity implements per-provider liquidity policies and their
// deterministic evaluator. Policies are versioned records; evaluations are
// bound to one policy version and emit stable reason codes.
package liquidity

import (
	"fmt"
	"math"
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

// CanonicalPrecedence is the only precedence a policy or evaluation may
// assert. Any other string fails the request outright.
const CanonicalPrecedence = "safety>trust>lp_autonomy_policy>commercial>preference"

// HighVolatilityMode selects the policy posture under volatile markets.
const (
	VolatilityTighten   = "tighten"
	VolatilityPause     = "pause"
	VolatilityQuoteOnly = "quote_only"
)

// PolicyMode classifies how autonomously a provider may act.
const (
	ModeSimulation       = "simulation"
	ModeOperatorAssisted = "operator_assisted"
	ModeConstrainedAuto  = "constrained_auto"
	ModeManual           = "manual"
)

var validTiers = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

var validVolatilityModes = map[string]bool{
	VolatilityTighten: true, VolatilityPause: true, VolatilityQuoteOnly: true,
}

var validPolicyModes = map[string]bool{
	ModeSimulation: true, ModeOperatorAssisted: true,
	ModeConstrainedAuto: true, ModeManual: true,
}

// Policy is one provider's versioned liquidity policy.
type Policy struct {
	ProviderID                 string   `json:"provider_id"`
	Version                    int      `json:"version"`
	Precedence                 string   `json:"precedence"`
	MaxSpreadBps               int      `json:"max_spread_bps"`
	MaxDailyValueUSD           float64  `json:"max_daily_value_usd"`
	MaxCounterpartyExposureUSD float64  `json:"max_counterparty_exposure_usd"`
	MinPriceConfidenceBps      int      `json:"min_price_confidence_bps"`
	BlockedAssetLiquidityTiers []string `json:"blocked_asset_liquidity_tiers"`
	HighVolatilityMode         string   `json:"high_volatility_mode"`
	PolicyMode                 string   `json:"policy_mode"`
	UpdatedAt                  string   `json:"updated_at"`
	UpdatedBy                  string   `json:"updated_by"`
}

// Round2 rounds a USD amount to cents.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ParsePolicy validates a raw policy body into a Policy. Version assignment
// is the caller's job; the parsed record carries version 0.
func ParsePolicy(providerID string, body map[string]any) (*Policy, *contracts.Error) {
	p := &Policy{ProviderID: providerID}

	prec, _ := body["precedence"].(string)
	if prec != CanonicalPrecedence {
		return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"precedence must be %q", CanonicalPrecedence)
	}
	p.Precedence = prec

	var cerr *contracts.Error
	if p.MaxSpreadBps, cerr = bpsField(body, "max_spread_bps"); cerr != nil {
		return nil, cerr
	}
	if p.MinPriceConfidenceBps, cerr = bpsField(body, "min_price_confidence_bps"); cerr != nil {
		return nil, cerr
	}
	if p.MaxDailyValueUSD, cerr = usdField(body, "max_daily_value_usd"); cerr != nil {
		return nil, cerr
	}
	if p.MaxCounterpartyExposureUSD, cerr = usdField(body, "max_counterparty_exposure_usd"); cerr != nil {
		return nil, cerr
	}

	tiers, cerr := tierList(body["blocked_asset_liquidity_tiers"])
	if cerr != nil {
		return nil, cerr
	}
	p.BlockedAssetLiquidityTiers = tiers

	p.HighVolatilityMode, _ = body["high_volatility_mode"].(string)
	if !validVolatilityModes[p.HighVolatilityMode] {
		return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"high_volatility_mode %q is not one of tighten, pause, quote_only", p.HighVolatilityMode)
	}
	p.PolicyMode, _ = body["policy_mode"].(string)
	if !validPolicyModes[p.PolicyMode] {
		return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"policy_mode %q is not one of simulation, operator_assisted, constrained_auto, manual", p.PolicyMode)
	}
	return p, nil
}

func bpsField(body map[string]any, key string) (int, *contracts.Error) {
	n, ok := numberField(body, key)
	if !ok || n != math.Trunc(n) || n < 0 || n > 10000 {
		return 0, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"%s must be an integer in [0, 10000]", key)
	}
	return int(n), nil
}

func usdField(body map[string]any, key string) (float64, *contracts.Error) {
	n, ok := numberField(body, key)
	if !ok || n < 0 {
		return 0, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"%s must be a non-negative number", key)
	}
	return Round2(n), nil
}

func numberField(body map[string]any, key string) (float64, bool) {
	switch v := body[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case fmt.Stringer:
		return 0, false
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// tierList validates, dedupes, and sorts the blocked tier set.
func tierList(raw any) ([]string, *contracts.Error) {
	out := []string{}
	if raw == nil {
		return out, nil
	}
	items, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]string); ok {
			items = make([]any, len(typed))
			for i, s := range typed {
				items[i] = s
			}
		} else {
			return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
				"blocked_asset_liquidity_tiers must be a list")
		}
	}
	seen := map[string]bool{}
	for _, it := range items {
		s, ok := it.(string)
		if !ok || !validTiers[s] {
			return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
				"blocked_asset_liquidity_tiers entries must be one of low, medium, high, critical")
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Blocks reports whether the policy blocks the given asset liquidity tier.
func (p *Policy) Blocks(tier string) bool {
	for _, t := range p.BlockedAssetLiquidityTiers {
		if t == tier {
			return true
		}
	}
	return false
}
