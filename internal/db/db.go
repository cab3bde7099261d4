package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tphummel/as7265x_bench/internal/models"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection holding sensor test runs.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and runs migrations.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Each pooled connection to ":memory:" would get its own database.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			platform     TEXT NOT NULL,
			passed       INTEGER NOT NULL,
			hw_version   INTEGER NOT NULL DEFAULT 0,
			temperatures TEXT NOT NULL DEFAULT '[]',
			steps        TEXT NOT NULL DEFAULT '[]',
			started_at   TEXT NOT NULL,
			finished_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_platform ON runs(platform);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping() error {
	return d.conn.Ping()
}

// timeFormat has fixed-width fractions so stored times sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const selectRuns = `
	SELECT id, platform, passed, hw_version, temperatures, steps, started_at, finished_at
	FROM runs`

// Create inserts a finished run.
func (d *DB) Create(r *models.Run) error {
	temps, err := json.Marshal(nonNil(r.Temperatures))
	if err != nil {
		return fmt.Errorf("encode temperatures: %w", err)
	}
	steps, err := json.Marshal(nonNil(r.Steps))
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	_, err = d.conn.Exec(`
		INSERT INTO runs (id, platform, passed, hw_version, temperatures, steps, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PlatformID, r.Passed, r.HWVersion, string(temps), string(steps),
		r.StartedAt.UTC().Format(timeFormat),
		r.FinishedAt.UTC().Format(timeFormat),
	)
	return err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// GetByID returns the run with the given ID, or sql.ErrNoRows if not found.
func (d *DB) GetByID(id string) (*models.Run, error) {
	return scanRun(d.conn.QueryRow(selectRuns+` WHERE id = ?`, id))
}

// List returns runs newest first, optionally filtered by platform.
func (d *DB) List(platformID string) ([]*models.Run, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if platformID != "" {
		rows, err = d.conn.Query(selectRuns+` WHERE platform = ? ORDER BY started_at DESC`, platformID)
	} else {
		rows, err = d.conn.Query(selectRuns + ` ORDER BY started_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*models.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountByResult returns the number of stored runs keyed by "pass" and
// "fail".
func (d *DB) CountByResult() (map[string]int, error) {
	rows, err := d.conn.Query(`SELECT passed, COUNT(*) FROM runs GROUP BY passed`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{"pass": 0, "fail": 0}
	for rows.Next() {
		var passed bool
		var n int
		if err := rows.Scan(&passed, &n); err != nil {
			return nil, err
		}
		if passed {
			counts["pass"] = n
		} else {
			counts["fail"] = n
		}
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*models.Run, error) {
	var r models.Run
	var temps, steps, startedAt, finishedAt string
	if err := s.Scan(
		&r.ID, &r.PlatformID, &r.Passed, &r.HWVersion,
		&temps, &steps, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(temps), &r.Temperatures); err != nil {
		return nil, fmt.Errorf("decode temperatures of run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of run %s: %w", r.ID, err)
	}
	var err error
	r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	r.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at %q: %w", finishedAt, err)
	}
	return &r, nil
}
