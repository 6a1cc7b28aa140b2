package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tkingovr/txguard/api"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS attestations (
    digest      TEXT    PRIMARY KEY,
    created_at  INTEGER NOT NULL,
    request_id  TEXT    NOT NULL DEFAULT '',
    disposition TEXT    NOT NULL,
    action      TEXT    NOT NULL DEFAULT '',
    chain_id    INTEGER NOT NULL DEFAULT 0,
    incomplete  INTEGER NOT NULL DEFAULT 0,
    record      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_att_created ON attestations(created_at);
CREATE INDEX IF NOT EXISTS idx_att_disposition ON attestations(disposition, created_at);
`

// SQLiteStore keeps records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL with
// a 5-second busy timeout and applies migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: no database path configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("audit: init database: %w", err)
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// migrate applies incremental schema migrations using PRAGMA user_version.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version < 1 {
		stmts := []string{
			"CREATE INDEX IF NOT EXISTS idx_att_action ON attestations(action)",
			"CREATE INDEX IF NOT EXISTS idx_att_chain ON attestations(chain_id)",
			"CREATE INDEX IF NOT EXISTS idx_att_incomplete ON attestations(incomplete)",
			"PRAGMA user_version = 1",
		}
		for _, s := range stmts {
			if _, err := db.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("migration to version 1: %w", err)
			}
		}
	}

	// version >= 1: schema is current, nothing to do.
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, record *api.AttestationRecord) error {
	if record.Digest == "" {
		return fmt.Errorf("audit: record has no digest")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshaling record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO attestations
		(digest, created_at, request_id, disposition, action, chain_id, incomplete, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Digest,
		record.CreatedAt.UnixNano(),
		record.RequestID,
		string(record.Transcript.Verdict.Disposition),
		string(record.Action()),
		int64(record.Transcript.Request.Transaction.ChainID),
		record.Transcript.Verdict.Incomplete,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, digest string) (*api.AttestationRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM attestations WHERE digest = ?", strings.ToLower(digest)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit: get: %w", err)
	}
	return decodeRecord(data)
}

func (s *SQLiteStore) Query(ctx context.Context, f api.QueryFilter) ([]*api.AttestationRecord, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Disposition != "" {
		where = append(where, "disposition = ?")
		args = append(args, string(f.Disposition))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.ChainID != 0 {
		where = append(where, "chain_id = ?")
		args = append(args, int64(f.ChainID))
	}
	if f.IncompleteOnly {
		where = append(where, "incomplete = 1")
	}

	q := "SELECT record FROM attestations"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, digest ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		q += " LIMIT -1"
	}
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*api.AttestationRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*api.AuditStats, error) {
	stats := newStats()
	rows, err := s.db.QueryContext(ctx,
		"SELECT disposition, action, chain_id, incomplete, COUNT(*) FROM attestations GROUP BY disposition, action, chain_id, incomplete")
	if err != nil {
		return nil, fmt.Errorf("audit: stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			disposition, action string
			chainID             int64
			incomplete          bool
			n                   int
		)
		if err := rows.Scan(&disposition, &action, &chainID, &incomplete, &n); err != nil {
			return nil, fmt.Errorf("audit: stats scan: %w", err)
		}
		stats.Total += n
		switch api.Disposition(disposition) {
		case api.DispositionPass:
			stats.Pass += n
		case api.DispositionAdvise:
			stats.Advise += n
		case api.DispositionStop:
			stats.Stop += n
		}
		if incomplete {
			stats.Incomplete += n
		}
		if action != "" {
			stats.ByAction[action] += n
		}
		if chainID != 0 {
			stats.ByChain[fmt.Sprint(chainID)] += n
		}
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRecord(data string) (*api.AttestationRecord, error) {
	var rec api.AttestationRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("audit: decoding record: %w", err)
	}
	return &rec, nil
}
