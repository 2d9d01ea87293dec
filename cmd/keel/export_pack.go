package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/store"
)

// PackManifest is written as manifest.json inside the evidence pack.
type PackManifest struct {
	Version    string            `json:"version"`
	Tenant     string            `json:"tenant"`
	Contract   string            `json:"contract"`
	ExportedAt string            `json:"exported_at"`
	FileHashes map[string]string `json:"file_hashes"`
}

// runExportPack reads archived export pages and writes them as a
// deterministic tar.gz evidence pack.
func runExportPack(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export-pack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	archivePath := fs.String("archive", "", "sqlite archive file")
	tenant := fs.String("tenant", "", "tenant partition, e.g. partner:p1")
	contract := fs.String("contract", "", "export contract name")
	outPath := fs.String("out", "evidence-pack.tar.gz", "output path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *archivePath == "" || *tenant == "" || *contract == "" {
		fmt.Fprintln(stderr, "keel export-pack: -archive, -tenant, and -contract are required")
		return 2
	}

	db, err := sql.Open("sqlite", *archivePath)
	if err != nil {
		fmt.Fprintf(stderr, "keel export-pack: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	archive, err := store.NewSQLiteArchive(db)
	if err != nil {
		fmt.Fprintf(stderr, "keel export-pack: %v\n", err)
		return 1
	}
	pages, err := archive.ListPages(context.Background(), *tenant, *contract, 0)
	if err != nil {
		fmt.Fprintf(stderr, "keel export-pack: %v\n", err)
		return 1
	}
	if len(pages) == 0 {
		fmt.Fprintln(stderr, "keel export-pack: no pages found")
		return 1
	}

	files := map[string][]byte{}
	exportedAt := ""
	for _, p := range pages {
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "keel export-pack: %v\n", err)
			return 1
		}
		files[fmt.Sprintf("pages/%06d.json", p.Seq)] = data
		if p.ExportedAt > exportedAt {
			exportedAt = p.ExportedAt
		}
	}

	out, err := os.Create(*outPath)
	if err != nil {
		fmt.Fprintf(stderr, "keel export-pack: %v\n", err)
		return 1
	}
	defer func() { _ = out.Close() }()

	if err := writePack(out, *tenant, *contract, exportedAt, files); err != nil {
		fmt.Fprintf(stderr, "keel export-pack: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %d pages to %s\n", len(pages), *outPath)
	return 0
}

// writePack writes a deterministic tar.gz: sorted paths, zero mtimes, fixed
// uid/gid, manifest first. Identical input pages yield identical bytes.
func writePack(w io.Writer, tenant, contract, exportedAt string, files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	hashes := make(map[string]string, len(names))
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		hashes[name] = hex.EncodeToString(sum[:])
	}
	manifest, err := json.MarshalIndent(PackManifest{
		Version:    "1.0",
		Tenant:     tenant,
		Contract:   contract,
		ExportedAt: exportedAt,
		FileHashes: hashes,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	if err := writePackEntry(tw, "manifest.json", manifest); err != nil {
		return err
	}
	for _, name := range names {
		if err := writePackEntry(tw, name, files[name]); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

func writePackEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
