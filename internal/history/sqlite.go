package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	logx "throttleq/pkg/logx"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// pruneEvery is the number of appends between trims to Limit rows.
const pruneEvery = 100

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	limit int

	appends atomic.Uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	version, err := runMigrations(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("history schema ready", logx.String("path", path), logx.Uint64("version", uint64(version)))
	return &sqliteStore{db: db, log: log, limit: cfg.limit()}, nil
}

// runMigrations applies embedded migrations and returns the schema version.
func runMigrations(db *sql.DB) (uint, error) {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("create migrate driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	return version, nil
}

func (s *sqliteStore) Append(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, task_id, started_ms, duration_ns, error) VALUES (?, ?, ?, ?, ?)`,
		r.RunID, r.TaskID, r.Started.UnixMilli(), int64(r.Duration), r.Error,
	)
	if err != nil {
		return err
	}
	if s.appends.Add(1)%pruneEvery == 0 {
		s.prune(ctx)
	}
	return nil
}

func (s *sqliteStore) prune(ctx context.Context) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`, s.limit)
	if err != nil {
		s.log.Warn("history prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("history pruned", logx.Int64("rows", n))
	}
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 || n > s.limit {
		n = s.limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, started_ms, duration_ns, error FROM runs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Run, 0, n)
	for rows.Next() {
		var (
			r       Run
			started int64
			dur     int64
		)
		if err := rows.Scan(&r.RunID, &r.TaskID, &started, &dur, &r.Error); err != nil {
			return nil, err
		}
		r.Started = time.UnixMilli(started)
		r.Duration = time.Duration(dur)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error { return s.db.Close() }
