package liquidity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

func validPolicyBody() map[string]any {
	return map[string]any{
		"precedence":                    CanonicalPrecedence,
		"max_spread_bps":                float64(500),
		"max_daily_value_usd":           float64(100000),
		"max_counterparty_exposure_usd": float64(25000),
		"min_price_confidence_bps":      float64(8000),
		"blocked_asset_liquidity_tiers": []any{"critical", "low", "critical"},
		"high_volatility_mode":          VolatilityTighten,
		"policy_mode":                   ModeConstrainedAuto,
	}
}

func passingInput() *EvaluationInput {
	return &EvaluationInput{
		PrecedenceAssertion:     CanonicalPrecedence,
		SafetyGatePassed:        true,
		TrustGatePassed:         true,
		CommercialGatePassed:    true,
		ActionType:              ActionQuote,
		SpreadBps:               100,
		QuoteValueUSD:           100,
		DailyValueUSD:           0,
		CounterpartyActorID:     "cp1",
		CounterpartyExposureUSD: 0,
		PriceConfidenceBps:      9000,
		AssetLiquidityTier:      "high",
		EvaluatedAt:             "2025-04-01T10:00:00.000Z",
	}
}

func mustPolicy(t *testing.T) *Policy {
	t.Helper()
	p, cerr := ParsePolicy("lp1", validPolicyBody())
	require.Nil(t, cerr)
	p.Version = 1
	return p
}

func TestParsePolicyNormalizesTiers(t *testing.T) {
	p := mustPolicy(t)
	assert.Equal(t, []string{"critical", "low"}, p.BlockedAssetLiquidityTiers)
}

func TestParsePolicyRejectsBadFields(t *testing.T) {
	for name, mutate := range map[string]func(map[string]any){
		"precedence":   func(b map[string]any) { b["precedence"] = "trust>safety" },
		"spread range": func(b map[string]any) { b["max_spread_bps"] = float64(10001) },
		"negative usd": func(b map[string]any) { b["max_daily_value_usd"] = float64(-1) },
		"bad tier":     func(b map[string]any) { b["blocked_asset_liquidity_tiers"] = []any{"extreme"} },
		"bad vol mode": func(b map[string]any) { b["high_volatility_mode"] = "freeze" },
		"bad mode":     func(b map[string]any) { b["policy_mode"] = "yolo" },
	} {
		t.Run(name, func(t *testing.T) {
			body := validPolicyBody()
			mutate(body)
			_, cerr := ParsePolicy("lp1", body)
			require.NotNil(t, cerr)
			assert.Equal(t, contracts.CodeConstraintViolation, cerr.Code)
		})
	}
}

func TestEvaluateAllow(t *testing.T) {
	ev, cerr := Evaluate(mustPolicy(t), passingInput())
	require.Nil(t, cerr)
	assert.Equal(t, "allow", ev.Verdict)
	assert.Empty(t, ev.ReasonCodes)
	assert.Equal(t, 500, ev.EffectiveMaxSpreadBps)
	assert.Equal(t, 100.0, ev.ProjectedDailyValueUSD)
	assert.Equal(t, "2025-04-01", ev.DayBucket)
	assert.Equal(t, 1, ev.PolicyVersion)
}

// S2: a wrong precedence assertion rejects the call outright.
func TestEvaluatePrecedenceMismatchRejectsCall(t *testing.T) {
	in := passingInput()
	in.PrecedenceAssertion = "trust>safety"
	_, cerr := Evaluate(mustPolicy(t), in)
	require.NotNil(t, cerr)
	assert.Equal(t, contracts.CodeConstraintViolation, cerr.Code)
	assert.Equal(t, contracts.ReasonPolicyPrecedenceViolation, cerr.ReasonCode())
}

// S3: tighten halves the spread ceiling under high volatility.
func TestEvaluateHighVolatilityTighten(t *testing.T) {
	in := passingInput()
	in.SpreadBps = 300
	in.HighVolatility = true
	ev, cerr := Evaluate(mustPolicy(t), in)
	require.Nil(t, cerr)
	assert.Equal(t, 250, ev.EffectiveMaxSpreadBps)
	assert.Equal(t, "deny", ev.Verdict)
	assert.Contains(t, ev.ReasonCodes, contracts.ReasonPolicySpreadExceeded)
}

func TestEvaluateHighVolatilityPause(t *testing.T) {
	p := mustPolicy(t)
	p.HighVolatilityMode = VolatilityPause
	in := passingInput()
	in.HighVolatility = true
	ev, cerr := Evaluate(p, in)
	require.Nil(t, cerr)
	assert.Equal(t, "deny", ev.Verdict)
	assert.Contains(t, ev.ReasonCodes, contracts.ReasonPolicyHighVolatilityPause)
}

func TestEvaluateQuoteOnlyBlocksNonQuoteActions(t *testing.T) {
	p := mustPolicy(t)
	p.HighVolatilityMode = VolatilityQuoteOnly
	in := passingInput()
	in.HighVolatility = true
	in.ActionType = ActionExecute
	ev, cerr := Evaluate(p, in)
	require.Nil(t, cerr)
	assert.Equal(t, "deny", ev.Verdict)
	assert.Contains(t, ev.ReasonCodes, contracts.ReasonPolicyPrecedenceViolation)

	in.ActionType = ActionQuote
	ev, cerr = Evaluate(p, in)
	require.Nil(t, cerr)
	assert.Equal(t, "allow", ev.Verdict)
}

func TestEvaluateGateFailure(t *testing.T) {
	in := passingInput()
	in.TrustGatePassed = false
	ev, cerr := Evaluate(mustPolicy(t), in)
	require.Nil(t, cerr)
	assert.Equal(t, "deny", ev.Verdict)
	assert.Equal(t, []string{contracts.ReasonPolicyPrecedenceViolation}, ev.ReasonCodes)
}

func TestEvaluatePriceConfidence(t *testing.T) {
	in := passingInput()
	in.PriceConfidenceBps = 7999
	ev, cerr := Evaluate(mustPolicy(t), in)
	require.Nil(t, cerr)
	assert.Contains(t, ev.ReasonCodes, contracts.ReasonPolicyPriceConfidenceLow)
}

func TestEvaluateBlockedTier(t *testing.T) {
	in := passingInput()
	in.AssetLiquidityTier = "critical"
	ev, cerr := Evaluate(mustPolicy(t), in)
	require.Nil(t, cerr)
	assert.Contains(t, ev.ReasonCodes, contracts.ReasonPolicyExposureExceeded)
}

func TestEvaluateExposureProjection(t *testing.T) {
	in := passingInput()
	in.DailyValueUSD = 99960.25
	in.QuoteValueUSD = 50
	ev, cerr := Evaluate(mustPolicy(t), in)
	require.Nil(t, cerr)
	assert.Equal(t, 100010.25, ev.ProjectedDailyValueUSD)
	assert.Equal(t, "deny", ev.Verdict)
	assert.Contains(t, ev.ReasonCodes, contracts.ReasonPolicyExposureExceeded)

	in.DailyValueUSD = 99950
	ev, cerr = Evaluate(mustPolicy(t), in)
	require.Nil(t, cerr)
	assert.Equal(t, 100000.0, ev.ProjectedDailyValueUSD)
	assert.Equal(t, "allow", ev.Verdict)
}

func TestEvaluateCounterpartyExposure(t *testing.T) {
	in := passingInput()
	in.CounterpartyExposureUSD = 24950
	in.QuoteValueUSD = 100
	ev, cerr := Evaluate(mustPolicy(t), in)
	require.Nil(t, cerr)
	assert.Equal(t, 25050.0, ev.ProjectedCounterpartyExposureUSD)
	assert.Equal(t, "deny", ev.Verdict)
}

// Identical inputs yield identical evaluations, id included.
func TestEvaluateDeterministic(t *testing.T) {
	p := mustPolicy(t)
	a, cerr := Evaluate(p, passingInput())
	require.Nil(t, cerr)
	b, cerr := Evaluate(p, passingInput())
	require.Nil(t, cerr)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.EvaluationID)
}

func TestReasonCodesDeduped(t *testing.T) {
	p := mustPolicy(t)
	p.BlockedAssetLiquidityTiers = []string{"high"}
	in := passingInput()
	in.AssetLiquidityTier = "high"
	in.DailyValueUSD = 999999
	ev, cerr := Evaluate(p, in)
	require.Nil(t, cerr)
	count := 0
	for _, rc := range ev.ReasonCodes {
		if rc == contracts.ReasonPolicyExposureExceeded {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
