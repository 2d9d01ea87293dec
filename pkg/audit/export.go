package audit

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/ledger"
)

var (
	// ErrEmptyTenant is returned when the tenant partition is empty.
	ErrEmptyTenant = errors.New("audit: tenant must not be empty")
	// ErrNoStreams is returned when the tenant owns no ledger streams.
	ErrNoStreams = errors.New("audit: tenant has no ledger streams")
)

// EvidencePack is the manifest-level description of an exported bundle.
type EvidencePack struct {
	Tenant      string            `json:"tenant"`
	GeneratedAt string            `json:"generated_at"`
	Checksum    string            `json:"checksum"`
	EntryCounts map[string]int    `json:"entry_counts"`
	FileHashes  map[string]string `json:"file_hashes"`
}

// GeneratePack bundles every ledger stream of one tenant into a zip:
// one <kind>.json per stream in export order, a manifest.json carrying
// per-file SHA-256 hashes, and a README. The returned checksum covers the
// zip bytes.
func GeneratePack(ledgers ledger.Ledgers, tenant, generatedAt string) ([]byte, *EvidencePack, error) {
	if tenant == "" {
		return nil, nil, ErrEmptyTenant
	}

	kinds := []string{}
	for _, stream := range ledgers {
		if stream.Tenant == tenant {
			kinds = append(kinds, stream.Kind)
		}
	}
	if len(kinds) == 0 {
		return nil, nil, ErrNoStreams
	}
	sort.Strings(kinds)

	pack := &EvidencePack{
		Tenant:      tenant,
		GeneratedAt: generatedAt,
		EntryCounts: make(map[string]int, len(kinds)),
		FileHashes:  make(map[string]string, len(kinds)),
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	for _, kind := range kinds {
		stream := ledgers.Stream(tenant, kind)
		entries := stream.Sorted()
		payload, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return nil, nil, fmt.Errorf("audit: marshal %s stream: %w", kind, err)
		}
		name := kind + ".json"
		f, err := w.Create(name)
		if err != nil {
			return nil, nil, err
		}
		if _, err := f.Write(payload); err != nil {
			return nil, nil, err
		}
		pack.EntryCounts[kind] = len(entries)
		pack.FileHashes[name] = canonical.HashBytes(payload)
	}

	manifestJSON, err := json.MarshalIndent(map[string]any{
		"tenant":       pack.Tenant,
		"generated_at": pack.GeneratedAt,
		"entry_counts": pack.EntryCounts,
		"file_hashes":  pack.FileHashes,
	}, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("audit: marshal manifest: %w", err)
	}
	f, err := w.Create("manifest.json")
	if err != nil {
		return nil, nil, err
	}
	if _, err := f.Write(manifestJSON); err != nil {
		return nil, nil, err
	}

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(f, "Evidence pack for tenant %s\nGenerated at %s\n", tenant, generatedAt)

	if err := w.Close(); err != nil {
		return nil, nil, err
	}

	zipBytes := buf.Bytes()
	pack.Checksum = canonical.HashBytes(zipBytes)
	return zipBytes, pack, nil
}
