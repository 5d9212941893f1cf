package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agoranhq/agoran/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS model_calls (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT,
			specialist  TEXT NOT NULL,
			model_id    TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			reason      TEXT,
			latency_ms  REAL NOT NULL DEFAULT 0,
			tokens_in   INTEGER NOT NULL DEFAULT 0,
			tokens_out  INTEGER NOT NULL DEFAULT 0,
			cost        REAL NOT NULL DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_run ON model_calls(run_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_model ON model_calls(model_id, task_type, created_at)`,
		`CREATE TABLE IF NOT EXISTS rolling_stats (
			model_id        TEXT NOT NULL,
			task_type       TEXT NOT NULL,
			calls           INTEGER NOT NULL DEFAULT 0,
			errors          INTEGER NOT NULL DEFAULT 0,
			ewma_latency_ms REAL NOT NULL DEFAULT 0,
			ewma_cost       REAL NOT NULL DEFAULT 0,
			last_call_at    DATETIME,
			last_error_at   DATETIME,
			PRIMARY KEY (model_id, task_type)
		)`,
		`CREATE TABLE IF NOT EXISTS decision_runs (
			id           TEXT PRIMARY KEY,
			prompt       TEXT NOT NULL,
			instrument   TEXT,
			status       TEXT DEFAULT 'running',
			verdict      TEXT,
			trace        TEXT,
			error        TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON decision_runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			spec        TEXT NOT NULL,
			prompt      TEXT NOT NULL,
			instrument  TEXT,
			status      TEXT DEFAULT 'active',
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_status TEXT,
			last_error  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
