package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteArchive persists export pages in a local SQLite file. The pure-Go
// driver keeps the binary cgo-free.
type SQLiteArchive struct {
	db *sql.DB
}

func NewSQLiteArchive(db *sql.DB) (*SQLiteArchive, error) {
	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS export_pages (
		tenant TEXT NOT NULL,
		contract TEXT NOT NULL,
		seq INTEGER NOT NULL,
		exported_at TEXT NOT NULL,
		chain_hash TEXT NOT NULL,
		prev_chain_hash TEXT,
		key_id TEXT NOT NULL,
		signature TEXT NOT NULL,
		next_cursor TEXT,
		entries JSON NOT NULL,
		PRIMARY KEY (tenant, contract, seq)
	);`
	_, err := a.db.ExecContext(context.Background(), query)
	return err
}

func (a *SQLiteArchive) SavePage(ctx context.Context, p Page) error {
	entriesJSON, err := json.Marshal(p.Entries)
	if err != nil {
		return fmt.Errorf("store: encode entries: %w", err)
	}
	query := `
		INSERT INTO export_pages (tenant, contract, seq, exported_at, chain_hash, prev_chain_hash, key_id, signature, next_cursor, entries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

func (a *SQLiteArchive) GetPage(ctx context.Context, tenant, contract string, seq int64) (*Page, error) {
	query := `
		SELECT tenant, contract, seq, exported_at, chain_hash, prev_chain_hash, key_id, signature, next_cursor, entries
		FROM export_pages
		WHERE tenant = ? AND contract = ? AND seq = ?
	`
	return scanPage(a.db.QueryRowContext(ctx, query, tenant, contract, seq))
}

func (a *SQLiteArchive) ListPages(ctx context.Context, tenant, contract string, limit int) ([]*Page, error) {
	query := `
		SELECT tenant, contract, seq, exported_at, chain_hash, prev_chain_hash, key_id, signature, next_cursor, entries
		FROM export_pages
		WHERE tenant = ? AND contract = ?
		ORDER BY seq ASC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.QueryContext(ctx, query, tenant, contract, limit)
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

func (a *SQLiteArchive) LastChainHash(ctx context.Context, tenant, contract string) (string, error) {
	query := `
		SELECT chain_hash FROM export_pages
		WHERE tenant = ? AND contract = ?
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (*Page, error) {
	var (
		p           Page
		prev        sql.NullString
		next        sql.NullString
		entriesJSON string
	)
	err := row.Scan(&p.Tenant, &p.Contract, &p.Seq, &p.ExportedAt, &p.ChainHash,
		&prev, &p.KeyID, &p.Signature, &next, &entriesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if prev.Valid {
		p.PrevChainHash = &prev.String
	}
	if next.Valid {
		p.NextCursor = &next.String
	}
	if err := json.Unmarshal([]byte(entriesJSON), &p.Entries); err != nil {
		return nil, fmt.Errorf("store: decode entries: %w", err)
	}
	return &p, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
