package rollout

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Quantaloop-Labs/keel/core/pkg/matching"
)

// Engines are the three injected matcher implementations: the incumbent v1,
// the candidate v2, and the alternate v2' used as a troubleshooting shadow.
type Engines struct {
	V1 matching.Engine
	V2 matching.Engine
	TS matching.Engine
}

// RunRequest is one matching run as seen by the controller. Input carries
// the already-merged asset values and the active intents; the service layer
// validated them.
type RunRequest struct {
	RunID          string
	ActorType      string
	ActorID        string
	IdempotencyKey string
	RequestedAt    string
	NowISO         string
	Input          matching.Input

	// Operational force flags honored by the controller.
	ForceBucketV2    bool
	ForceCanaryError bool
	ForceTimeout     bool
	ForceLimited     bool
	RollbackReset    bool
}

// Outcome reports which engine served the run and every safety decision
// taken along the way.
type Outcome struct {
	RunID              string           `json:"run_id"`
	PrimaryEngine      string           `json:"primary_engine"`
	Primary            matching.Result  `json:"primary"`
	V2Attempted        bool             `json:"v2_attempted"`
	V2Result           *matching.Result `json:"v2_result,omitempty"`
	V2Error            string           `json:"v2_error,omitempty"`
	Bucket             int              `json:"bucket"`
	CanarySelected     bool             `json:"canary_selected"`
	SkippedReason      string           `json:"skipped_reason,omitempty"`
	FallbackReasonCode string           `json:"fallback_reason_code,omitempty"`
	ShadowDiff         map[string]any   `json:"shadow_diff,omitempty"`
	TSShadowDiff       map[string]any   `json:"ts_shadow_diff,omitempty"`
	RollbackActivated  bool             `json:"rollback_activated"`
	LatchActive        bool             `json:"latch_active"`
	TriggerReasonCode  string           `json:"trigger_reason_code,omitempty"`
}

// Controller drives one tenant's rollout state machine.
type Controller struct {
	cfg     Config
	engines Engines
}

// New builds a controller over the injected engines.
func New(cfg Config, engines Engines) *Controller {
	return &Controller{cfg: cfg, engines: engines}
}

// Bucket derives the deterministic canary bucket in [0, 10000):
// SHA256(salt ∥ actor.type ∥ actor.id ∥ idempotency_key ∥ requested_at),
// first four bytes interpreted big-endian, mod 10000.
func Bucket(salt, actorType, actorID, idempotencyKey, requestedAt string) int {
	h := sha256.Sum256([]byte(salt + actorType + actorID + idempotencyKey + requestedAt))
	return int(binary.BigEndian.Uint32(h[:4]) % 10000)
}

var errForcedCanaryError = errors.New("rollout: forced canary error")

// Execute runs the full state machine for one request against the tenant's
// rollout state. State mutations stay inside ts; persisting proposals is the
// caller's job.
func (c *Controller) Execute(ts *TenantState, req RunRequest) (*Outcome, error) {
	latchAtStart := ts.LatchActive

	// The latch is cleared only by an explicit reset while primary mode is
	// enabled; samples go with it.
	if ts.LatchActive && c.cfg.PrimaryEnabled && req.RollbackReset {
		ts.LatchActive = false
		ts.TriggerReasonCode = ""
		ts.RollbackRunID = ""
		ts.RollbackActivatedAt = ""
		ts.Samples = nil
		latchAtStart = false
	}

	// v1 runs every time with its contract-fixed bounds.
	v1in := req.Input
	v1in.MinCycleLength = 2
	v1in.MaxCycleLength = 3
	v1res, err := c.engines.V1.Run(v1in)
	if err != nil {
		return nil, fmt.Errorf("rollout: v1 engine failed: %w", err)
	}

	out := &Outcome{
		RunID:         req.RunID,
		PrimaryEngine: "v1",
		Primary:       v1res,
		Bucket:        Bucket(c.cfg.CanarySalt, req.ActorType, req.ActorID, req.IdempotencyKey, req.RequestedAt),
	}

	selectV2 := false
	if c.cfg.PrimaryEnabled || c.cfg.CanaryEnabled {
		switch {
		case ts.LatchActive:
			out.SkippedReason = "rollback_active"
		case c.cfg.PrimaryEnabled:
			selectV2 = true
		case out.Bucket < c.cfg.RolloutBps || req.ForceBucketV2:
			selectV2 = true
			out.CanarySelected = true
		default:
			out.SkippedReason = "rollout_excluded"
		}
	}

	var v2res matching.Result
	var v2err error
	if selectV2 {
		out.V2Attempted = true
		v2res, v2err = c.runV2(req)
		if v2err != nil {
			out.V2Error = v2err.Error()
			if c.cfg.PrimaryEnabled {
				out.FallbackReasonCode = "v2_error"
			} else {
				out.FallbackReasonCode = "canary_error"
			}
		} else {
			out.V2Result = &v2res
			out.PrimaryEngine = "v2"
			out.Primary = v2res
			// Safety fallbacks apply in primary mode only; a canary keeps
			// serving and lets the sampling window judge it.
			if c.cfg.PrimaryEnabled {
				switch {
				case v2res.Stats.CycleEnumerationTimedOut && c.cfg.FallbackOnTimeout:
					out.PrimaryEngine = "v1"
					out.Primary = v1res
					out.FallbackReasonCode = "v2_timeout_safety"
				case v2res.Stats.CycleEnumerationLimited && c.cfg.FallbackOnLimited:
					out.PrimaryEngine = "v1"
					out.Primary = v1res
					out.FallbackReasonCode = "v2_limited_safety"
				}
			}
		}
	}

	// Read-only shadow: only when v2 did not already run this request, and
	// never while the latch was active at run start.
	if c.cfg.ShadowEnabled && !out.V2Attempted && !latchAtStart {
		if shadowRes, err := c.runV2(req); err == nil {
			diff := buildDiff(req.RunID, req.NowISO, "v1", c.engines.V2.Name(), v1res, shadowRes)
			ts.ShadowDiffs = appendPruned(ts.ShadowDiffs, diff, c.cfg.MaxShadowDiffs)
			out.ShadowDiff = diff
		}
	}

	// TS shadow always compares v2' against whatever engine served primary,
	// over the primary's own bounds.
	if c.cfg.TSShadowEnabled && c.engines.TS != nil {
		tsin := req.Input
		if out.PrimaryEngine == "v2" {
			tsin = c.v2Input(req)
		} else {
			tsin.MinCycleLength = 2
			tsin.MaxCycleLength = 3
		}
		if tsRes, err := c.engines.TS.Run(tsin); err == nil {
			diff := buildDiff(req.RunID, req.NowISO, out.PrimaryEngine, c.engines.TS.Name(), out.Primary, tsRes)
			ts.TSShadowDiffs = appendPruned(ts.TSShadowDiffs, diff, c.cfg.MaxTSShadowDiffs)
			out.TSShadowDiff = diff
		}
	}

	if out.CanarySelected {
		c.recordCanarySample(ts, out, v1res, v2res, v2err, req)
	}

	out.LatchActive = ts.LatchActive
	out.TriggerReasonCode = ts.TriggerReasonCode
	return out, nil
}

func (c *Controller) v2Input(req RunRequest) matching.Input {
	in := req.Input
	in.MinCycleLength = c.cfg.V2Bounds.MinCycleLength
	in.MaxCycleLength = c.cfg.V2Bounds.MaxCycleLength
	in.MaxEnumeratedCycles = c.cfg.V2Bounds.MaxEnumeratedCycles
	in.TimeoutMS = c.cfg.V2Bounds.TimeoutMS
	return in
}

func (c *Controller) runV2(req RunRequest) (matching.Result, error) {
	if req.ForceCanaryError {
		return matching.Result{}, errForcedCanaryError
	}
	res, err := c.engines.V2.Run(c.v2Input(req))
	if err != nil {
		return matching.Result{}, err
	}
	if req.ForceTimeout {
		res.Stats.CycleEnumerationTimedOut = true
	}
	if req.ForceLimited {
		res.Stats.CycleEnumerationLimited = true
	}
	return res, nil
}

func (c *Controller) recordCanarySample(ts *TenantState, out *Outcome, v1res, v2res matching.Result, v2err error, req RunRequest) {
	sample := Sample{
		Error:            v2err != nil,
		NonNegativeDelta: true,
	}
	if v2err == nil {
		sample.Timeout = v2res.Stats.CycleEnumerationTimedOut
		sample.Limited = v2res.Stats.CycleEnumerationLimited
		sample.NonNegativeDelta = scoreSumScaled(v2res.Proposals)-scoreSumScaled(v1res.Proposals) >= 0
	}
	ts.Samples = append(ts.Samples, sample)
	if c.cfg.RollbackWindow > 0 && len(ts.Samples) > c.cfg.RollbackWindow {
		ts.Samples = ts.Samples[len(ts.Samples)-c.cfg.RollbackWindow:]
	}

	if ts.LatchActive || len(ts.Samples) < c.cfg.MinWindowRuns {
		return
	}
	if reason := summarize(ts.Samples).trigger(c.cfg.Thresholds); reason != "" {
		ts.LatchActive = true
		ts.TriggerReasonCode = reason
		ts.RollbackRunID = req.RunID
		ts.RollbackActivatedAt = req.NowISO
		out.RollbackActivated = true
	}
}
