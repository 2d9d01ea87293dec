// Package ledger implements the append-only event streams backing audit,
// export, and reconciliation. Each (tenant, kind) pair owns an ordered
// sequence plus a monotone counter; entries are never updated, and are only
// removed by explicit retention pruning at export time.
package ledger

import (
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
)

// Entry is one immutable ledger record.
type Entry struct {
	EntryID    string         `json:"entry_id"`
	Sequence   uint64         `json:"sequence_index"`
	RecordedAt string         `json:"recorded_at"`
	Kind       string         `json:"kind"`
	Tenant     string         `json:"tenant_partition"`
	Payload    map[string]any `json:"payload"`
}

// Stream is the per-(tenant, kind) append-only sequence.
type Stream struct {
	Tenant  string   `json:"tenant"`
	Kind    string   `json:"kind"`
	Counter uint64   `json:"counter"`
	Entries []*Entry `json:"entries"`
}

// Append mints the next entry id from the stream counter and appends the
// entry. Only the single writer may call this.
func (s *Stream) Append(idPrefix, recordedAt string, payload map[string]any) *Entry {
	s.Counter++
	e := &Entry{
		EntryID:    chrono.MintID(idPrefix, s.Counter),
		Sequence:   s.Counter,
		RecordedAt: recordedAt,
		Kind:       s.Kind,
		Tenant:     s.Tenant,
		Payload:    payload,
	}
	s.Entries = append(s.Entries, e)
	return e
}

// Sorted returns the export ordering: first by recorded_at parsed to epoch
// milliseconds, then by lexicographic entry id. Entries whose timestamps fail
// strict ISO parsing are disqualified.
func (s *Stream) Sorted() []*Entry {
	type keyed struct {
		ms int64
		e  *Entry
	}
	out := make([]keyed, 0, len(s.Entries))
	for _, e := range s.Entries {
		ms, ok := chrono.EpochMS(e.RecordedAt)
		if !ok {
			continue
		}
		out = append(out, keyed{ms: ms, e: e})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ms != out[j].ms {
			return out[i].ms < out[j].ms
		}
		return out[i].e.EntryID < out[j].e.EntryID
	})
	entries := make([]*Entry, len(out))
	for i, k := range out {
		entries[i] = k.e
	}
	return entries
}

// PruneBefore removes entries recorded strictly before cutoffISO and returns
// how many were dropped. Entries with unparseable timestamps are kept; they
// are already invisible to exports.
func (s *Stream) PruneBefore(cutoffISO string) int {
	cutoff, ok := chrono.EpochMS(cutoffISO)
	if !ok {
		return 0
	}
	kept := s.Entries[:0]
	dropped := 0
	for _, e := range s.Entries {
		ms, parses := chrono.EpochMS(e.RecordedAt)
		if parses && ms < cutoff {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	s.Entries = kept
	return dropped
}

// Ledgers maps "<tenant>/<kind>" to its stream.
type Ledgers map[string]*Stream

// Stream returns the (tenant, kind) stream, creating it on first use.
func (l Ledgers) Stream(tenant, kind string) *Stream {
	key := tenant + "/" + kind
	s, ok := l[key]
	if !ok {
		s = &Stream{Tenant: tenant, Kind: kind}
		l[key] = s
	}
	return s
}
