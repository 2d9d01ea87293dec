package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Quantaloop-Labs/keel/core/pkg/attest"
	"github.com/Quantaloop-Labs/keel/core/pkg/audit"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/config"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/matching"
	"github.com/Quantaloop-Labs/keel/core/pkg/rollout"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/compensation"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/delegations"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/inclusionproof"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/liquiditysvc"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/marketplace"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/projections"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/reliability"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/stagingevidence"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/steamadapter"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/transparency"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/trustsafety"
	"github.com/Quantaloop-Labs/keel/core/pkg/state"
	"github.com/Quantaloop-Labs/keel/core/pkg/store"
)

// runServe reads one JSON request per line from stdin and writes one JSON
// envelope per line to stdout. The external single-writer boundary is the
// caller's: this loop processes requests strictly in order.
func runServe(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	archivePath := fs.String("archive", "", "sqlite file for the signed export page archive")
	profile := fs.String("profile", "", "deployment profile code (requires -profiles-dir)")
	profilesDir := fs.String("profiles-dir", "", "directory holding deployment profiles")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	cfg := config.Load()
	if *profile != "" {
		p, err := config.LoadProfile(*profilesDir, *profile)
		if err != nil {
			logger.Error("load profile", "err", err)
			return 1
		}
		p.Apply(cfg)
	}

	signer, err := loadSigner()
	if err != nil {
		logger.Error("signer init", "err", err)
		return 1
	}

	var archive store.Archive = store.NewMemoryArchive()
	if *archivePath != "" {
		db, err := sql.Open("sqlite", *archivePath)
		if err != nil {
			logger.Error("open archive", "err", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		archive, err = store.NewSQLiteArchive(db)
		if err != nil {
			logger.Error("migrate archive", "err", err)
			return 1
		}
	}

	d, err := dispatch.New(dispatch.Options{
		Store:      state.NewStore(),
		Config:     cfg,
		Clock:      chrono.SystemClock{},
		Signer:     signer,
		Logger:     logger,
		Audit:      audit.NewLoggerWithWriter(stderr),
		Operations: allOperations(),
	})
	if err != nil {
		logger.Error("dispatcher init", "err", err)
		return 1
	}

	seqs := map[string]int64{}
	enc := json.NewEncoder(stdout)
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req contracts.Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(map[string]any{"error": map[string]any{
				"code":    contracts.CodeConstraintViolation,
				"message": fmt.Sprintf("malformed request: %v", err),
			}})
			continue
		}
		env := d.Dispatch(context.Background(), &req)
		archiveExportPage(archive, seqs, &req, env, logger)
		_ = enc.Encode(env)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read stdin", "err", err)
		return 1
	}
	return 0
}

// archiveExportPage persists an attested export response. Pages are keyed
// per (tenant, operation) with a process-local sequence; the archive itself
// deduplicates replays.
func archiveExportPage(archive store.Archive, seqs map[string]int64, req *contracts.Request, env map[string]any, logger *slog.Logger) {
	body, ok := env["body"].(map[string]any)
	if !ok {
		return
	}
	att, ok := body["attestation"].(map[string]any)
	if !ok {
		return
	}

	tenant := req.Actor.Key()
	contract := string(req.Operation)
	key := tenant + "\x00" + contract
	p := store.Page{
		Tenant:     tenant,
		Contract:   contract,
		Seq:        seqs[key],
		ExportedAt: asString(body["exported_at"]),
		ChainHash:  asString(att["chain_hash"]),
		KeyID:      asString(att["key_id"]),
		Signature:  asString(att["signature"]),
	}
	if prev, ok := att["previous_chain_hash"].(string); ok {
		p.PrevChainHash = &prev
	}
	if next, ok := body["next_cursor"].(string); ok {
		p.NextCursor = &next
	}
	for _, field := range []string{"entries", "bundles", "linkages", "publications"} {
		if entries, ok := body[field].([]map[string]any); ok {
			p.Entries = entries
			break
		}
	}
	if err := archive.SavePage(context.Background(), p); err != nil {
		logger.Error("archive page", "tenant", tenant, "contract", contract, "err", err)
		return
	}
	seqs[key]++
}

func loadSigner() (attest.Signer, error) {
	seedHex := os.Getenv("KEEL_SIGNER_SEED")
	keyID := os.Getenv("KEEL_SIGNER_KEY_ID")
	if keyID == "" {
		keyID = "keel-dev"
	}
	if seedHex == "" {
		// Ephemeral key; fine for local runs, useless for verification later.
		return attest.NewEd25519Signer(keyID)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("KEEL_SIGNER_SEED must be hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("KEEL_SIGNER_SEED must decode to 32 bytes, got %d", len(seed))
	}
	return attest.NewEd25519SignerFromSeed(seed, keyID), nil
}

func allOperations() []dispatch.Operation {
	mk := marketplace.NewService(rollout.Engines{
		V1: matching.NewReferenceEngine("v1"),
		V2: matching.NewReferenceEngine("v2"),
		TS: matching.NewReferenceEngine("v2-ts"),
	})
	var ops []dispatch.Operation
	ops = append(ops, delegations.Operations()...)
	ops = append(ops, liquiditysvc.Operations()...)
	ops = append(ops, trustsafety.Operations()...)
	ops = append(ops, transparency.Operations()...)
	ops = append(ops, inclusionproof.Operations()...)
	ops = append(ops, stagingevidence.Operations()...)
	ops = append(ops, reliability.Operations()...)
	ops = append(ops, compensation.Operations()...)
	ops = append(ops, steamadapter.Operations()...)
	ops = append(ops, mk.Operations()...)
	ops = append(ops, projections.Operations()...)
	return ops
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
