package storage

import (
	"context"

	"github.com/cockroachdb/errors"

	"key_gateway/internal/ledger"
)

const createKeyUsageTable = `
CREATE TABLE IF NOT EXISTS key_usage (
	credential     TEXT PRIMARY KEY,
	count          BIGINT NOT NULL DEFAULT 0,
	last_used_time DOUBLE PRECISION NOT NULL DEFAULT 0,
	invalid        BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const upsertKeyUsage = `
INSERT INTO key_usage (credential, count, last_used_time, invalid, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (credential) DO UPDATE SET
	count = EXCLUDED.count,
	last_used_time = EXCLUDED.last_used_time,
	invalid = EXCLUDED.invalid,
	updated_at = NOW()
WHERE key_usage.count IS DISTINCT FROM EXCLUDED.count
	OR key_usage.last_used_time IS DISTINCT FROM EXCLUDED.last_used_time
	OR key_usage.invalid IS DISTINCT FROM EXCLUDED.invalid`

type keyUsageRow struct {
	Credential   string  `db:"credential"`
	Count        int64   `db:"count"`
	LastUsedTime float64 `db:"last_used_time"`
	Invalid      bool    `db:"invalid"`
}

// PostgresStore persists the ledger in the key_usage table, one row per
// credential. Rows are never deleted.
type PostgresStore struct {
	db *DB
}

var _ ledger.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on top of db.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the key_usage table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Conn().ExecContext(ctx, createKeyUsageTable)
	return errors.Wrap(err, "storage: create key_usage")
}

// Load reads every row. An empty table is reported as not found.
func (s *PostgresStore) Load(ctx context.Context) (map[string]ledger.Record, bool, error) {
	var rows []keyUsageRow
	err := s.db.Conn().SelectContext(ctx, &rows,
		`SELECT credential, count, last_used_time, invalid FROM key_usage`)
	if err != nil {
		return nil, false, errors.Wrap(err, "storage: select key_usage")
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	records := make(map[string]ledger.Record, len(rows))
	for _, row := range rows {
		count := row.Count
		if count < 0 {
			count = 0
		}
		records[row.Credential] = ledger.Record{
			Count:      count,
			LastUsedAt: ledger.FromEpochSeconds(row.LastUsedTime),
			Valid:      !row.Invalid,
		}
	}
	return records, true, nil
}

// Save upserts every record in one transaction. Unchanged rows are skipped
// by the WHERE clause of the upsert.
func (s *PostgresStore) Save(ctx context.Context, records map[string]ledger.Record) error {
	tx, err := s.db.Conn().BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PreparexContext(ctx, upsertKeyUsage)
	if err != nil {
		return errors.Wrap(err, "storage: prepare upsert")
	}
	defer stmt.Close()

	for cred, rec := range records {
		if _, err := stmt.ExecContext(ctx, cred, rec.Count, ledger.EpochSeconds(rec.LastUsedAt), !rec.Valid); err != nil {
			return errors.Wrap(err, "storage: upsert key_usage")
		}
	}

	return errors.Wrap(tx.Commit(), "storage: commit")
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
