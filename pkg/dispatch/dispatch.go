// Package dispatch runs every operation through the uniform pipeline:
// authorize, guard the actor shape, resolve the tenant partition, then run
// the handler under the idempotency contract for writes or the shared lock
// for reads. Failures come back as error envelopes with a correlation id;
// nothing panics across this boundary.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Quantaloop-Labs/keel/core/pkg/attest"
	"github.com/Quantaloop-Labs/keel/core/pkg/audit"
	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/config"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/idempotency"
	"github.com/Quantaloop-Labs/keel/core/pkg/observability"
	"github.com/Quantaloop-Labs/keel/core/pkg/state"
)

// Kind classifies an operation's locking and envelope behavior.
type Kind int

const (
	// Read runs under the shared lock and returns {ok, body}.
	Read Kind = iota
	// Write requires an idempotency key, runs under the write lock, and
	// returns {replayed, result}.
	Write
	// Export mutates checkpoint state, so it runs under the write lock; its
	// success envelope is {ok, body} like a read.
	Export
)

// Ctx is what a handler sees: the locked state, the parsed request, the
// resolved tenant partition, and the operation clock.
type Ctx struct {
	Context context.Context
	State   *state.State
	Req     *contracts.Request
	Tenant  string
	NowISO  string
	Config  *config.Config
	Signer  attest.Signer
}

// Handler produces the operation body or an error value.
type Handler func(*Ctx) (map[string]any, *contracts.Error)

// Operation declares one dispatchable operation.
type Operation struct {
	ID     contracts.OperationID
	Kind   Kind
	Policy authz.Policy
	// Subscope splits the idempotency scope below the operation, commonly by
	// provider id.
	Subscope func(req *contracts.Request) string
	// Schema optionally validates the request body before the handler runs.
	Schema  *jsonschema.Schema
	Handler Handler
}

// Options wires a Dispatcher.
type Options struct {
	Store      *state.Store
	Config     *config.Config
	Clock      chrono.Clock
	Signer     attest.Signer
	Logger     *slog.Logger
	Audit      audit.Logger
	Obs        *observability.Provider
	Operations []Operation
	// ExportRate throttles export operations; zero disables throttling.
	ExportRate  rate.Limit
	ExportBurst int
}

// Dispatcher owns the operation table and the pipeline.
type Dispatcher struct {
	gate    *authz.Gate
	store   *state.Store
	cfg     *config.Config
	clock   chrono.Clock
	signer  attest.Signer
	logger  *slog.Logger
	auditor audit.Logger
	obs     *observability.Provider
	limiter *rate.Limiter
	ops     map[contracts.OperationID]*Operation
}

// New compiles the policy table and builds the dispatcher.
func New(opts Options) (*Dispatcher, error) {
	policies := make([]authz.Policy, 0, len(opts.Operations))
	ops := make(map[contracts.OperationID]*Operation, len(opts.Operations))
	for i := range opts.Operations {
		op := opts.Operations[i]
		op.Policy.Operation = op.ID
		policies = append(policies, op.Policy)
		ops[op.ID] = &op
	}
	gate, err := authz.NewGate(policies)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		gate:    gate,
		store:   opts.Store,
		cfg:     opts.Config,
		clock:   opts.Clock,
		signer:  opts.Signer,
		logger:  opts.Logger,
		auditor: opts.Audit,
		obs:     opts.Obs,
		ops:     ops,
	}
	if d.clock == nil {
		d.clock = chrono.SystemClock{}
	}
	if d.logger == nil {
		d.logger = slog.Default().With("component", "dispatch")
	}
	if d.auditor == nil {
		d.auditor = audit.Discard()
	}
	if opts.ExportRate > 0 {
		burst := opts.ExportBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(opts.ExportRate, burst)
	}
	return d, nil
}

// Dispatch runs one request through the pipeline and returns the response
// envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req *contracts.Request) map[string]any {
	var done func(error)
	if d.obs != nil {
		ctx, done = d.obs.TrackOperation(ctx, string(req.Operation),
			attribute.String("keel.operation", string(req.Operation)),
			attribute.String("keel.actor_type", string(req.Actor.Type)))
	} else {
		done = func(error) {}
	}

	env, cerr := d.run(ctx, req)
	if cerr != nil {
		corr := d.correlationID(req)
		d.logger.Warn("operation failed",
			"operation", req.Operation,
			"code", cerr.Code,
			"reason_code", cerr.ReasonCode(),
			"correlation_id", corr)
		d.auditor.Record(audit.EventDenied, req.Operation, req.Actor, req.Actor.Key(), corr,
			map[string]any{"code": string(cerr.Code), "reason_code": cerr.ReasonCode()})
		done(cerr)
		return map[string]any{
			"correlation_id": corr,
			"error": map[string]any{
				"code":    string(cerr.Code),
				"message": cerr.Message,
				"details": cerr.Details,
			},
		}
	}
	done(nil)
	return env
}

func (d *Dispatcher) run(ctx context.Context, req *contracts.Request) (map[string]any, *contracts.Error) {
	op, ok := d.ops[req.Operation]
	if !ok {
		return nil, contracts.Forbidden("operation_not_registered",
			"operation %q is not registered", req.Operation)
	}

	if cerr := d.gate.Authorize(req.Operation, req.Actor, req.Auth); cerr != nil {
		return nil, cerr
	}

	if op.Schema != nil {
		body := req.Body
		if body == nil {
			body = map[string]any{}
		}
		generic, err := canonical.ToValue(body)
		if err != nil {
			return nil, contracts.NewError(contracts.CodeConstraintViolation,
				"request body is not encodable: %v", err)
		}
		if err := op.Schema.Validate(generic); err != nil {
			return nil, contracts.NewError(contracts.CodeConstraintViolation,
				"request body failed validation: %v", err)
		}
	}

	nowISO, cerr := d.resolveNow(req)
	if cerr != nil {
		return nil, cerr
	}
	tenant := req.Actor.Key()

	switch op.Kind {
	case Write:
		return d.runWrite(ctx, op, req, tenant, nowISO)
	case Export:
		if d.limiter != nil && !d.limiter.Allow() {
			return nil, contracts.ConstraintViolation(contracts.ReasonExportRateLimited,
				"export rate limit exceeded")
		}
		return d.runRead(ctx, op, req, tenant, nowISO, true)
	default:
		return d.runRead(ctx, op, req, tenant, nowISO, false)
	}
}

func (d *Dispatcher) runWrite(ctx context.Context, op *Operation, req *contracts.Request, tenant, nowISO string) (map[string]any, *contracts.Error) {
	if req.IdempotencyKey == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"idempotency_key is required for %s", op.ID)
	}
	subscope := ""
	if op.Subscope != nil {
		subscope = op.Subscope(req)
	}
	scopeKey := idempotency.ScopeKey(req.Actor, op.ID, subscope, req.IdempotencyKey)
	payloadHash, err := canonical.Hash(req.Body)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request body is not canonically encodable: %v", err)
	}

	var outcome *idempotency.Outcome
	var cerr *contracts.Error
	_ = d.store.Mutate(func(st *state.State) error {
		outcome, cerr = st.Idempotency.Execute(scopeKey, payloadHash, func() (map[string]any, *contracts.Error) {
			body, herr := op.Handler(&Ctx{
				Context: ctx, State: st, Req: req,
				Tenant: tenant, NowISO: nowISO,
				Config: d.cfg, Signer: d.signer,
			})
			if herr != nil {
				return nil, herr
			}
			return map[string]any{"ok": true, "body": body}, nil
		})
		return nil
	})
	if cerr != nil {
		return nil, cerr
	}

	d.auditor.Record(audit.EventMutation, op.ID, req.Actor, tenant, "",
		map[string]any{"replayed": outcome.Replayed})
	return map[string]any{
		"replayed": outcome.Replayed,
		"result":   outcome.Result,
	}, nil
}

func (d *Dispatcher) runRead(ctx context.Context, op *Operation, req *contracts.Request, tenant, nowISO string, isExport bool) (map[string]any, *contracts.Error) {
	var body map[string]any
	var cerr *contracts.Error
	call := func(st *state.State) error {
		body, cerr = op.Handler(&Ctx{
			Context: ctx, State: st, Req: req,
			Tenant: tenant, NowISO: nowISO,
			Config: d.cfg, Signer: d.signer,
		})
		return nil
	}
	// Exports persist checkpoints, so they take the write lock.
	if isExport {
		_ = d.store.Mutate(call)
	} else {
		_ = d.store.View(call)
	}
	if cerr != nil {
		return nil, cerr
	}

	eventType := audit.EventRead
	if isExport {
		eventType = audit.EventExport
	}
	d.auditor.Record(eventType, op.ID, req.Actor, tenant, "", nil)
	return map[string]any{"ok": true, "body": body}, nil
}

// resolveNow follows the operation clock fallback chain: auth.now_iso, the
// configured AUTHZ_NOW_ISO, then the injected clock. A supplied value that
// fails strict parsing rejects the call.
func (d *Dispatcher) resolveNow(req *contracts.Request) (string, *contracts.Error) {
	if req.Auth.NowISO != "" {
		t, err := chrono.Parse(req.Auth.NowISO)
		if err != nil {
			return "", contracts.NewError(contracts.CodeConstraintViolation,
				"auth.now_iso %q is not a valid timestamp", req.Auth.NowISO)
		}
		return chrono.FormatISO(t), nil
	}
	if d.cfg != nil && d.cfg.AuthzNowISO != "" {
		t, err := chrono.Parse(d.cfg.AuthzNowISO)
		if err == nil {
			return chrono.FormatISO(t), nil
		}
	}
	return d.clock.NowISO(), nil
}

// correlationID derives a stable id for error envelopes. Deterministic when
// the request carries an idempotency key.
func (d *Dispatcher) correlationID(req *contracts.Request) string {
	id, err := chrono.DeterministicID("corr", map[string]any{
		"operation":       string(req.Operation),
		"actor":           req.Actor.Key(),
		"idempotency_key": req.IdempotencyKey,
	})
	if err != nil {
		return "corr_unknown"
	}
	return id
}

// MustCompileSchema compiles an inline JSON Schema document; panics on
// invalid schema text, which is a programming error caught at start-up.
func MustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	return jsonschema.MustCompileString(name, schemaJSON)
}
