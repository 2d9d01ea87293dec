package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryArchive is the in-process archive used by tests and single-binary
// deployments without a database.
type MemoryArchive struct {
	mu    sync.RWMutex
	pages map[string]map[int64]Page
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{pages: map[string]map[int64]Page{}}
}

func streamKey(tenant, contract string) string {
	return tenant + "\x00" + contract
}

func (a *MemoryArchive) SavePage(_ context.Context, p Page) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := streamKey(p.Tenant, p.Contract)
	if a.pages[key] == nil {
		a.pages[key] = map[int64]Page{}
	}
	if _, exists := a.pages[key][p.Seq]; exists {
		return nil
	}
	a.pages[key][p.Seq] = p
	return nil
}

func (a *MemoryArchive) GetPage(_ context.Context, tenant, contract string, seq int64) (*Page, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.pages[streamKey(tenant, contract)][seq]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (a *MemoryArchive) ListPages(_ context.Context, tenant, contract string, limit int) ([]*Page, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stream := a.pages[streamKey(tenant, contract)]
	seqs := make([]int64, 0, len(stream))
	for seq := range stream {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	out := []*Page{}
	for _, seq := range seqs {
		if limit > 0 && len(out) >= limit {
			break
		}
		p := stream[seq]
		out = append(out, &p)
	}
	return out, nil
}

func (a *MemoryArchive) LastChainHash(_ context.Context, tenant, contract string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stream := a.pages[streamKey(tenant, contract)]
	var last int64 = -1
	hash := ""
	for seq, p := range stream {
		if seq > last {
			last = seq
			hash = p.ChainHash
		}
	}
	return hash, nil
}
