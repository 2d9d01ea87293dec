package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresArchiveSavePage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	a := NewPostgresArchive(db)
	p := samplePage(0, "hash_a", nil)

	mock.ExpectExec("INSERT INTO export_pages").
		WithArgs(p.Tenant, p.Contract, p.Seq, p.ExportedAt, p.ChainHash,
			nil, p.KeyID, p.Signature, *p.NextCursor,
			`[{"case_id":"case_1","event":"case_opened"}]`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.SavePage(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresArchiveLastChainHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	a := NewPostgresArchive(db)

	mock.ExpectQuery("SELECT chain_hash FROM export_pages").
		WithArgs("partner:p1", "compensation").
		WillReturnRows(sqlmock.NewRows([]string{"chain_hash"}).AddRow("hash_b"))

	hash, err := a.LastChainHash(context.Background(), "partner:p1", "compensation")
	require.NoError(t, err)
	assert.Equal(t, "hash_b", hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresArchiveListPages(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	a := NewPostgresArchive(db)

	rows := sqlmock.NewRows([]string{
		"tenant", "contract", "seq", "exported_at", "chain_hash",
		"prev_chain_hash", "key_id", "signature", "next_cursor", "entries",
	}).AddRow("partner:p1", "compensation", int64(0), "2025-08-01T00:00:00.000Z",
		"hash_a", nil, "key-1", "sig-hash_a", nil, `[]`)

	mock.ExpectQuery("SELECT (.+) FROM export_pages").
		WithArgs("partner:p1", "compensation", 10).
		WillReturnRows(rows)

	pages, err := a.ListPages(context.Background(), "partner:p1", "compensation", 10)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "hash_a", pages[0].ChainHash)
	assert.Nil(t, pages[0].PrevChainHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}
