package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eth2030/tokenrelay/core/types"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry persists consumed digests in a SQLite table. Uniqueness
// is enforced by the primary key, so the insert itself is the check.
type SQLiteRegistry struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the registry database at dsn.
// "file::memory:" gives a throwaway database.
func OpenSQLite(dsn string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("replay: open sqlite: %w", err)
	}
	// One connection: keeps in-memory databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	r, err := NewSQLiteRegistry(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewSQLiteRegistry wraps an open database and migrates its schema.
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	r := &SQLiteRegistry{db: db}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("replay: migrate: %w", err)
	}
	return r, nil
}

func (r *SQLiteRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS consumed_digests (
		digest BLOB PRIMARY KEY,
		consumed_at INTEGER NOT NULL
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

func (r *SQLiteRegistry) CheckAndInsert(ctx context.Context, digest types.Hash) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO consumed_digests (digest, consumed_at) VALUES (?, ?)`,
		digest.Bytes(), time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("replay: insert digest: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replay: rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRegistry) Contains(ctx context.Context, digest types.Hash) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM consumed_digests WHERE digest = ?`, digest.Bytes()).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("replay: lookup digest: %w", err)
	}
	return true, nil
}

func (r *SQLiteRegistry) Len(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM consumed_digests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("replay: count digests: %w", err)
	}
	return n, nil
}

func (r *SQLiteRegistry) Close() error { return r.db.Close() }
