package recorder

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"DowTracker/internal/logger"
	"DowTracker/internal/model"
)

// SQLiteRecorder persists capture and export history to a SQLite database.
// The database is opened in exclusive locking mode, which also keeps a second
// tracker from running against the same data dir.
type SQLiteRecorder struct {
	db  *sql.DB
	log *logger.Logger
	mu  sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, log *logger.Logger) (*SQLiteRecorder, error) {
	if log == nil {
		log = logger.Nop()
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	r := &SQLiteRecorder{db: db, log: log}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("sqlite recorder opened", logger.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   INTEGER NOT NULL,
			day         TEXT NOT NULL,
			bucket      INTEGER NOT NULL,
			trigger     TEXT,
			requested   INTEGER,
			resolved    INTEGER,
			stale       INTEGER,
			fills       TEXT,
			duration_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_day ON captures(day, bucket)`,

		`CREATE TABLE IF NOT EXISTS exports (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			day       TEXT NOT NULL,
			reason    TEXT NOT NULL,
			attempt   INTEGER,
			outcome   TEXT NOT NULL,
			digest    TEXT,
			path      TEXT,
			error     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exports_day ON exports(day)`,

		`CREATE TABLE IF NOT EXISTS final_exports (
			day       TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			path      TEXT
		)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordCapture(evt *CaptureEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO captures
		(timestamp, day, bucket, trigger, requested, resolved, stale, fills, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		time.Now().Unix(), string(evt.Day), evt.Bucket, evt.Trigger,
		evt.Requested, evt.Resolved, evt.Stale, evt.Fills, evt.Duration.Milliseconds(),
	)
	return err
}

func (r *SQLiteRecorder) RecordExport(evt *ExportEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO exports
		(timestamp, day, reason, attempt, outcome, digest, path, error)
		VALUES (?,?,?,?,?,?,?,?)`,
		time.Now().Unix(), string(evt.Day), string(evt.Reason), evt.Attempt,
		evt.Outcome, evt.Digest, evt.Path, evt.Err,
	)
	return err
}

// MarkFinal records that the forced-final export for day succeeded.
func (r *SQLiteRecorder) MarkFinal(day model.Day, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO final_exports (day, timestamp, path) VALUES (?,?,?)
		ON CONFLICT(day) DO NOTHING`,
		string(day), time.Now().Unix(), path,
	)
	return err
}

// FinalDone reports whether a forced-final export was recorded for day.
func (r *SQLiteRecorder) FinalDone(day model.Day) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ts int64
	err := r.db.QueryRow(`SELECT timestamp FROM final_exports WHERE day = ?`, string(day)).Scan(&ts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// CaptureCount returns the number of captures recorded for day.
func (r *SQLiteRecorder) CaptureCount(day model.Day) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM captures WHERE day = ?`, string(day)).Scan(&n)
	return n, err
}

// ExportOutcomes returns the outcomes recorded for day in insertion order.
func (r *SQLiteRecorder) ExportOutcomes(day model.Day) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT outcome FROM exports WHERE day = ? ORDER BY id`, string(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info("closing sqlite recorder")
	return r.db.Close()
}
