package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMintsMonotoneIDs(t *testing.T) {
	s := &Stream{Tenant: "partner:p1", Kind: "signals"}
	e1 := s.Append("sig", "2025-01-01T00:00:00Z", map[string]any{"n": 1})
	e2 := s.Append("sig", "2025-01-01T00:00:01Z", map[string]any{"n": 2})

	assert.Equal(t, "sig_000001", e1.EntryID)
	assert.Equal(t, "sig_000002", e2.EntryID)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, "signals", e1.Kind)
	assert.Equal(t, "partner:p1", e1.Tenant)
}

func TestSortedOrdersByTimestampThenID(t *testing.T) {
	s := &Stream{Tenant: "t", Kind: "events"}
	s.Append("ev", "2025-01-02T00:00:00Z", nil) // ev_000001
	s.Append("ev", "2025-01-01T00:00:00Z", nil) // ev_000002
	s.Append("ev", "2025-01-01T00:00:00Z", nil) // ev_000003 same ts as 2

	got := s.Sorted()
	require.Len(t, got, 3)
	assert.Equal(t, "ev_000002", got[0].EntryID)
	assert.Equal(t, "ev_000003", got[1].EntryID)
	assert.Equal(t, "ev_000001", got[2].EntryID)
}

func TestSortedDisqualifiesBadTimestamps(t *testing.T) {
	s := &Stream{Tenant: "t", Kind: "events"}
	s.Append("ev", "2025-01-01T00:00:00Z", nil)
	s.Append("ev", "not-a-timestamp", nil)

	got := s.Sorted()
	require.Len(t, got, 1)
	assert.Equal(t, "ev_000001", got[0].EntryID)
}

func TestPruneBefore(t *testing.T) {
	s := &Stream{Tenant: "t", Kind: "events"}
	for i := 1; i <= 4; i++ {
		s.Append("ev", fmt.Sprintf("2025-01-0%dT00:00:00Z", i), nil)
	}
	dropped := s.PruneBefore("2025-01-03T00:00:00Z")
	assert.Equal(t, 2, dropped)
	require.Len(t, s.Entries, 2)
	assert.Equal(t, "ev_000003", s.Entries[0].EntryID)

	// Counter keeps advancing after pruning.
	e := s.Append("ev", "2025-01-05T00:00:00Z", nil)
	assert.Equal(t, "ev_000005", e.EntryID)
}

func TestLedgersStreamScopedByTenantAndKind(t *testing.T) {
	l := Ledgers{}
	a := l.Stream("partner:p1", "signals")
	b := l.Stream("partner:p2", "signals")
	c := l.Stream("partner:p1", "decisions")

	a.Append("sig", "2025-01-01T00:00:00Z", nil)
	assert.Empty(t, b.Entries)
	assert.Empty(t, c.Entries)
	assert.Same(t, a, l.Stream("partner:p1", "signals"))
}
