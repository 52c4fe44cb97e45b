// Package history keeps a journal of launch attempts in a local sqlite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gurisko/cellar/internal/launch"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS launches (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id     TEXT    NOT NULL,
	display_name TEXT    NOT NULL,
	state        TEXT    NOT NULL,
	failed_at    TEXT    NOT NULL DEFAULT '',
	runtime      TEXT    NOT NULL DEFAULT '',
	managed      INTEGER NOT NULL DEFAULT 0,
	argv         TEXT    NOT NULL DEFAULT '',
	pid          INTEGER NOT NULL DEFAULT 0,
	error        TEXT    NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_launches_entry ON launches(entry_id, created_at);
`

// DefaultLimit caps Recent when the caller passes a non-positive limit.
const DefaultLimit = 20

// Record is one stored launch attempt.
type Record struct {
	ID          int64     `json:"id"`
	EntryID     string    `json:"entry_id"`
	DisplayName string    `json:"display_name"`
	State       string    `json:"state"`
	FailedAt    string    `json:"failed_at,omitempty"`
	Runtime     string    `json:"runtime,omitempty"`
	Managed     bool      `json:"managed"`
	Argv        []string  `json:"argv,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates the database file and schema if needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores one attempt.
func (s *Store) Append(ctx context.Context, res *launch.Result) error {
	if res == nil {
		return errors.New("nil launch result")
	}
	managed := 0
	if res.Managed {
		managed = 1
	}
	created := res.Started
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO launches (entry_id, display_name, state, failed_at, runtime, managed, argv, pid, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.EntryID, res.DisplayName, string(res.State), string(res.FailedAt), res.Runtime,
		managed, strings.Join(res.Argv, "\x1f"), res.PID, res.Error, created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record launch: %w", err)
	}
	return nil
}

// RecordLaunch satisfies launch.Recorder. Failures are logged, never returned to the launcher.
func (s *Store) RecordLaunch(ctx context.Context, res *launch.Result) {
	if err := s.Append(ctx, res); err != nil {
		s.logger.Warn("could not record launch", zap.String("id", res.EntryID), zap.Error(err))
	}
}

// Recent returns the newest attempts for entryID, newest first. An empty entryID
// returns attempts for every entry.
func (s *Store) Recent(ctx context.Context, entryID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT id, entry_id, display_name, state, failed_at, runtime, managed, argv, pid, error, created_at
		FROM launches`
	args := []any{}
	if entryID != "" {
		query += ` WHERE entry_id = ?`
		args = append(args, entryID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			r       Record
			managed int
			argv    string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.EntryID, &r.DisplayName, &r.State, &r.FailedAt, &r.Runtime,
			&managed, &argv, &r.PID, &r.Error, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		r.Managed = managed != 0
		if argv != "" {
			r.Argv = strings.Split(argv, "\x1f")
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return out, nil
}

// Forget drops the attempts of one entry, used after the entry is removed.
func (s *Store) Forget(ctx context.Context, entryID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM launches WHERE entry_id = ?`, entryID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete history: %w", err)
	}
	return res.RowsAffected()
}
