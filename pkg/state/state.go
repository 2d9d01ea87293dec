// Package state holds the single logical state object behind every
// operation. One writer mutates it at a time; readers take a shared lock.
// Collections keep insertion order so chained records (publications,
// evidence bundles) can find their predecessor deterministically.
package state

import (
	"sync"

	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/idempotency"
	"github.com/Quantaloop-Labs/keel/core/pkg/ledger"
	"github.com/Quantaloop-Labs/keel/core/pkg/rollout"
)

// Collection is an ordered document map for one record kind.
type Collection struct {
	Order []string                  `json:"order"`
	Items map[string]map[string]any `json:"items"`
}

// Put inserts or replaces a document, preserving first-insert order.
func (c *Collection) Put(id string, doc map[string]any) {
	if _, exists := c.Items[id]; !exists {
		c.Order = append(c.Order, id)
	}
	c.Items[id] = doc
}

// Get returns the document for id.
func (c *Collection) Get(id string) (map[string]any, bool) {
	doc, ok := c.Items[id]
	return doc, ok
}

// Delete removes a document, keeping the order slice consistent.
func (c *Collection) Delete(id string) {
	if _, ok := c.Items[id]; !ok {
		return
	}
	delete(c.Items, id)
	for i, o := range c.Order {
		if o == id {
			c.Order = append(c.Order[:i], c.Order[i+1:]...)
			break
		}
	}
}

// All returns documents in insertion order.
func (c *Collection) All() []map[string]any {
	out := make([]map[string]any, 0, len(c.Order))
	for _, id := range c.Order {
		out = append(out, c.Items[id])
	}
	return out
}

// Last returns the most recently inserted document.
func (c *Collection) Last() (map[string]any, bool) {
	if len(c.Order) == 0 {
		return nil, false
	}
	return c.Items[c.Order[len(c.Order)-1]], true
}

// State is the root state object.
type State struct {
	// Per-entity monotone counters, keyed by counter name
	// (e.g. "tenant:partner:p1/plan").
	Counters map[string]uint64

	// Idempotency scope map.
	Idempotency idempotency.Registry

	// Append-only event streams per (tenant, kind).
	Ledgers ledger.Ledgers

	// Export continuation anchors per "<tenant>/<contract>", keyed by
	// checkpoint hash.
	Checkpoints map[string]map[string]contracts.Checkpoint

	// Domain documents per kind.
	Collections map[string]*Collection

	// Numeric accumulators (daily value, counterparty exposure), keyed by
	// composite bucket names.
	Accumulators map[string]float64

	// Matching rollout state per tenant.
	Rollout map[string]*rollout.TenantState
}

// New returns an empty state object.
func New() *State {
	return &State{
		Counters:     make(map[string]uint64),
		Idempotency:  idempotency.Registry{},
		Ledgers:      ledger.Ledgers{},
		Checkpoints:  make(map[string]map[string]contracts.Checkpoint),
		Collections:  make(map[string]*Collection),
		Accumulators: make(map[string]float64),
		Rollout:      make(map[string]*rollout.TenantState),
	}
}

// Collection returns the named collection, creating it on first use.
func (s *State) Collection(kind string) *Collection {
	c, ok := s.Collections[kind]
	if !ok {
		c = &Collection{Items: make(map[string]map[string]any)}
		s.Collections[kind] = c
	}
	return c
}

// NextCounter advances and returns the named counter.
func (s *State) NextCounter(name string) uint64 {
	s.Counters[name]++
	return s.Counters[name]
}

// CheckpointMap returns the tenant+contract checkpoint map, creating it on
// first use.
func (s *State) CheckpointMap(tenant, contract string) map[string]contracts.Checkpoint {
	key := tenant + "/" + contract
	m, ok := s.Checkpoints[key]
	if !ok {
		m = make(map[string]contracts.Checkpoint)
		s.Checkpoints[key] = m
	}
	return m
}

// RolloutState returns the tenant's rollout controller state, creating it on
// first use.
func (s *State) RolloutState(tenant string) *rollout.TenantState {
	ts, ok := s.Rollout[tenant]
	if !ok {
		ts = rollout.NewTenantState()
		s.Rollout[tenant] = ts
	}
	return ts
}

// Store serializes access to the state object. Mutate holds the write lock
// for the whole operation, which is the single-writer boundary; View runs
// read-only work under the shared lock.
type Store struct {
	mu sync.RWMutex
	st *State
}

// NewStore wraps a fresh state object.
func NewStore() *Store {
	return &Store{st: New()}
}

// Mutate runs fn with exclusive access. Handlers run to completion without
// yielding, so the registry and ledgers always see a consistent view.
func (s *Store) Mutate(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// View runs fn with shared read access. fn must not mutate.
func (s *Store) View(fn func(*State) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}
