package liquidity

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

// Action types an evaluation may carry.
const (
	ActionQuote   = "quote"
	ActionAccept  = "accept"
	ActionExecute = "execute"
)

var validActions = map[string]bool{
	ActionQuote: true, ActionAccept: true, ActionExecute: true,
}

// EvaluationInput is one evaluation payload against a persisted policy.
type EvaluationInput struct {
	PrecedenceAssertion      string  `json:"precedence_assertion"`
	SafetyGatePassed         bool    `json:"safety_gate_passed"`
	TrustGatePassed          bool    `json:"trust_gate_passed"`
	CommercialGatePassed     bool    `json:"commercial_gate_passed"`
	ActionType               string  `json:"action_type"`
	SpreadBps                int     `json:"spread_bps"`
	QuoteValueUSD            float64 `json:"quote_value_usd"`
	DailyValueUSD            float64 `json:"daily_value_usd"`
	CounterpartyActorID      string  `json:"counterparty_actor_id"`
	CounterpartyExposureUSD  float64 `json:"counterparty_exposure_usd"`
	PriceConfidenceBps       int     `json:"price_confidence_bps"`
	AssetLiquidityTier       string  `json:"asset_liquidity_tier"`
	HighVolatility           bool    `json:"high_volatility"`
	EvaluatedAt              string  `json:"evaluated_at"`
}

// ParseEvaluationInput validates a raw evaluation body.
func ParseEvaluationInput(body map[string]any, nowISO string) (*EvaluationInput, *contracts.Error) {
	in := &EvaluationInput{EvaluatedAt: nowISO}
	in.PrecedenceAssertion, _ = body["precedence_assertion"].(string)
	in.SafetyGatePassed, _ = body["safety_gate_passed"].(bool)
	in.TrustGatePassed, _ = body["trust_gate_passed"].(bool)
	in.CommercialGatePassed, _ = body["commercial_gate_passed"].(bool)
	in.ActionType, _ = body["action_type"].(string)
	if !validActions[in.ActionType] {
		return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"action_type %q is not one of quote, accept, execute", in.ActionType)
	}

	var cerr *contracts.Error
	if in.SpreadBps, cerr = bpsField(body, "spread_bps"); cerr != nil {
		return nil, cerr
	}
	if in.PriceConfidenceBps, cerr = bpsField(body, "price_confidence_bps"); cerr != nil {
		return nil, cerr
	}
	if in.QuoteValueUSD, cerr = usdField(body, "quote_value_usd"); cerr != nil {
		return nil, cerr
	}
	if in.DailyValueUSD, cerr = usdField(body, "daily_value_usd"); cerr != nil {
		return nil, cerr
	}
	if in.CounterpartyExposureUSD, cerr = usdField(body, "counterparty_exposure_usd"); cerr != nil {
		return nil, cerr
	}
	in.CounterpartyActorID, _ = body["counterparty_actor_id"].(string)
	in.AssetLiquidityTier, _ = body["asset_liquidity_tier"].(string)
	if in.AssetLiquidityTier != "" && !validTiers[in.AssetLiquidityTier] {
		return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"asset_liquidity_tier %q is not one of low, medium, high, critical", in.AssetLiquidityTier)
	}
	if raw, ok := body["high_volatility"].(bool); ok {
		in.HighVolatility = raw
	}
	return in, nil
}

// Evaluation is the outcome of one evaluator run, bound to one policy
// version. Reason codes keep evaluator insertion order with duplicates
// suppressed; verdict is deny iff any reason code was emitted.
type Evaluation struct {
	EvaluationID                     string   `json:"evaluation_id"`
	ProviderID                       string   `json:"provider_id"`
	PolicyVersion                    int      `json:"policy_version"`
	Verdict                          string   `json:"verdict"`
	ReasonCodes                      []string `json:"reason_codes"`
	EffectiveMaxSpreadBps            int      `json:"effective_max_spread_bps"`
	ProjectedDailyValueUSD           float64  `json:"projected_daily_value_usd"`
	ProjectedCounterpartyExposureUSD float64  `json:"projected_counterparty_exposure_usd"`
	DayBucket                        string   `json:"day_bucket"`
	EvaluatedAt                      string   `json:"evaluated_at"`
}

type reasonList struct {
	codes []string
	seen  map[string]bool
}

func (r *reasonList) add(code string) {
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if !r.seen[code] {
		r.seen[code] = true
		r.codes = append(r.codes, code)
	}
}

// Evaluate runs the deterministic predicate chain against one policy. The
// precedence assertion is a request-level contract: a mismatch rejects the
// call instead of producing a deny verdict. Accumulator updates on allow are
// the caller's job, using the projected values carried in the result.
func Evaluate(p *Policy, in *EvaluationInput) (*Evaluation, *contracts.Error) {
	if in.PrecedenceAssertion != CanonicalPrecedence {
		return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"precedence_assertion must be %q", CanonicalPrecedence)
	}

	day, err := chrono.DayBucket(in.EvaluatedAt)
	if err != nil {
		return nil, contracts.ConstraintViolation(contracts.ReasonPolicyPrecedenceViolation,
			"evaluated_at %q is not a valid timestamp", in.EvaluatedAt)
	}

	var reasons reasonList

	if !in.SafetyGatePassed || !in.TrustGatePassed || !in.CommercialGatePassed {
		reasons.add(contracts.ReasonPolicyPrecedenceViolation)
	}

	if in.HighVolatility && p.HighVolatilityMode == VolatilityPause {
		reasons.add(contracts.ReasonPolicyHighVolatilityPause)
	}

	effectiveSpread := p.MaxSpreadBps
	if in.HighVolatility && p.HighVolatilityMode == VolatilityTighten {
		effectiveSpread = p.MaxSpreadBps / 2
	}
	if in.SpreadBps > effectiveSpread {
		reasons.add(contracts.ReasonPolicySpreadExceeded)
	}

	if in.PriceConfidenceBps < p.MinPriceConfidenceBps {
		reasons.add(contracts.ReasonPolicyPriceConfidenceLow)
	}

	if p.Blocks(in.AssetLiquidityTier) {
		reasons.add(contracts.ReasonPolicyExposureExceeded)
	}

	projectedDaily := Round2(in.DailyValueUSD + in.QuoteValueUSD)
	projectedCounterparty := Round2(in.CounterpartyExposureUSD + in.QuoteValueUSD)
	if projectedDaily > p.MaxDailyValueUSD || projectedCounterparty > p.MaxCounterpartyExposureUSD {
		reasons.add(contracts.ReasonPolicyExposureExceeded)
	}

	if in.HighVolatility && p.HighVolatilityMode == VolatilityQuoteOnly && in.ActionType != ActionQuote {
		reasons.add(contracts.ReasonPolicyPrecedenceViolation)
	}

	verdict := "allow"
	if len(reasons.codes) > 0 {
		verdict = "deny"
	}
	codes := reasons.codes
	if codes == nil {
		codes = []string{}
	}

	ev := &Evaluation{
		ProviderID:                       p.ProviderID,
		PolicyVersion:                    p.Version,
		Verdict:                          verdict,
		ReasonCodes:                      codes,
		EffectiveMaxSpreadBps:            effectiveSpread,
		ProjectedDailyValueUSD:           projectedDaily,
		ProjectedCounterpartyExposureUSD: projectedCounterparty,
		DayBucket:                        day,
		EvaluatedAt:                      in.EvaluatedAt,
	}
	id, derr := chrono.DeterministicID("eval", map[string]any{
		"provider_id":    p.ProviderID,
		"policy_version": p.Version,
		"input":          in,
	})
	if derr != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"evaluation not canonically encodable: %v", derr)
	}
	ev.EvaluationID = id
	return ev, nil
}

// DailyAccumulatorKey keys the per-provider daily exposure accumulator.
func DailyAccumulatorKey(providerID, day string) string {
	return "liquidity/daily/" + providerID + "/" + day
}

// CounterpartyAccumulatorKey keys the per-provider counterparty exposure
// accumulator for one UTC day.
func CounterpartyAccumulatorKey(providerID, counterpartyID, day string) string {
	return "liquidity/counterparty/" + providerID + "/" + counterpartyID + "/" + day
}
