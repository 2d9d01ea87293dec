package contracts

// Request is the universal envelope for every operation. Operation-specific
// parameters travel in Params; the mutation body travels in Body; export
// filters travel in Query.
type Request struct {
	Operation      OperationID    `json:"operation"`
	Actor          Actor          `json:"actor"`
	Auth           Auth           `json:"auth"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Body           map[string]any `json:"request,omitempty"`
	Query          map[string]any `json:"query,omitempty"`
}

// Param returns a string parameter, or "" when absent.
func (r *Request) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	s, _ := r.Params[key].(string)
	return s
}

// Response is the success envelope for read operations and for the inner
// result of writes.
type Response struct {
	OK   bool           `json:"ok"`
	Body map[string]any `json:"body,omitempty"`
}

// WriteResult wraps a mutation outcome with its idempotency disposition.
type WriteResult struct {
	Replayed bool     `json:"replayed"`
	Result   Response `json:"result"`
}

// ErrorEnvelope is the failure envelope crossing the dispatch boundary.
type ErrorEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Err           *Error `json:"error"`
}

// Attestation binds one export page into the rolling signature chain.
// ChainHash folds H(prev ∥ H(canonical(entry))) over the page entries;
// the first page of a stream has PreviousChainHash == nil.
type Attestation struct {
	ChainHash         string  `json:"chain_hash"`
	PreviousChainHash *string `json:"previous_chain_hash"`
	KeyID             string  `json:"key_id"`
	Signature         string  `json:"signature"`
}

// Checkpoint is a persisted continuation anchor for a signed export.
// CheckpointHash = H(attestation_chain_hash ∥ next_cursor ∥ context_fingerprint).
type Checkpoint struct {
	CheckpointHash          string         `json:"checkpoint_hash"`
	NextCursor              string         `json:"next_cursor"`
	AttestationChainHash    string         `json:"attestation_chain_hash"`
	QueryContext            map[string]any `json:"query_context"`
	QueryContextFingerprint string         `json:"query_context_fingerprint"`
	ExportedAt              string         `json:"exported_at"`
}

// ExportEnvelope is the uniform shape of every `*.export` response.
// EntriesField carries the wire name of the entry list (entries, bundles,
// linkages, publications) for the service layer to rename on serialization.
type ExportEnvelope struct {
	ExportedAt    string           `json:"exported_at"`
	Query         map[string]any   `json:"query"`
	Summary       map[string]any   `json:"summary"`
	Entries       []map[string]any `json:"entries"`
	EntriesField  string           `json:"-"`
	TotalFiltered int              `json:"total_filtered"`
	NextCursor    *string          `json:"next_cursor"`
	Attestation   *Attestation     `json:"attestation,omitempty"`
	Checkpoint    *Checkpoint      `json:"checkpoint,omitempty"`
}
