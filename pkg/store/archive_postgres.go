package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresArchive persists export pages in Postgres for multi-reader
// deployments. Schema management is external; see MigratePostgres.
type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// MigratePostgres creates the export page table. Split from the constructor
// so pooled connections without DDL rights can still use the archive.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS export_pages (
		tenant TEXT NOT NULL,
		contract TEXT NOT NULL,
		seq BIGINT NOT NULL,
		exported_at TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		prev_chain_hash TEXT,
		key_id TEXT NOT NULL,
		signature TEXT NOT NULL,
		next_cursor TEXT,
		entries JSONB NOT NULL,
		PRIMARY KEY (tenant, contract, seq)
	);`
	_, err := db.ExecContext(ctx, query)
	return err
}

func (a *PostgresArchive) SavePage(ctx context.Context, p Page) error {
	entriesJSON, err := json.Marshal(p.Entries)
	if err != nil {
		return fmt.Errorf("store: encode entries: %w", err)
	}
	query := `
		INSERT INTO export_pages (tenant, contract, seq, exported_at, chain_hash, prev_chain_hash, key_id, signature, next_cursor, entries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant, contract, seq) DO NOTHING
	`
	_, err = a.db.ExecContext(ctx, query,
		p.Tenant, p.Contract, p.Seq, p.ExportedAt, p.ChainHash,
		nullable(p.PrevChainHash), p.KeyID, p.Signature, nullable(p.NextCursor), string(entriesJSON),
	)
	if err != nil {
		return fmt.Errorf("store: insert export page: %w", err)
	}
	return nil
}

func (a *PostgresArchive) GetPage(ctx context.Context, tenant, contract string, seq int64) (*Page, error) {
	query := `
		SELECT tenant, contract, seq, exported_at, chain_hash, prev_chain_hash, key_id, signature, next_cursor, entries
		FROM export_pages
		WHERE tenant = $1 AND contract = $2 AND seq = $3
	`
	return scanPage(a.db.QueryRowContext(ctx, query, tenant, contract, seq))
}

func (a *PostgresArchive) ListPages(ctx context.Context, tenant, contract string, limit int) ([]*Page, error) {
	query := `
		SELECT tenant, contract, seq, exported_at, chain_hash, prev_chain_hash, key_id, signature, next_cursor, entries
		FROM export_pages
		WHERE tenant = $1 AND contract = $2
		ORDER BY seq ASC
		LIMIT $3
	`
	// LIMIT NULL means no limit in Postgres.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := a.db.QueryContext(ctx, query, tenant, contract, lim)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (a *PostgresArchive) LastChainHash(ctx context.Context, tenant, contract string) (string, error) {
	query := `
		SELECT chain_hash FROM export_pages
		WHERE tenant = $1 AND contract = $2
		ORDER BY seq DESC
		LIMIT 1
	`
	var hash string
	err := a.db.QueryRowContext(ctx, query, tenant, contract).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}
