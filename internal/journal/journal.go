// Package journal persists a small run history: one row per start/stop cycle
// and one row per instance exit. It exists for the operator — journal
// failures are logged by callers and never fail the service itself.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Journal struct {
	db *sql.DB
}

// Cycle is one service start/stop round.
type Cycle struct {
	ID        string
	StartedAt time.Time
	StoppedAt *time.Time
	Instances int
}

// ExitRecord is how one instance ended within a cycle.
type ExitRecord struct {
	CycleID      string
	Instance     string
	ExitCode     *int
	Forced       bool
	ConfigDigest string
	RecordedAt   time.Time
}

// Open opens (and creates if needed) the journal database at path and ensures
// required tables exist.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cycle (
  id         TEXT PRIMARY KEY,
  started_at TEXT NOT NULL,
  stopped_at TEXT,
  instances  INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS instance_exit (
  cycle_id      TEXT NOT NULL,
  instance      TEXT NOT NULL,
  exit_code     INTEGER,
  forced        INTEGER NOT NULL DEFAULT 0,
  config_digest TEXT,
  recorded_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_instance_exit_cycle ON instance_exit(cycle_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// BeginCycle records a new start cycle and returns its id.
func (j *Journal) BeginCycle(ctx context.Context, instances int) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO cycle(id, started_at, instances) VALUES(?, ?, ?);`,
		id, now, instances)
	if err != nil {
		return "", fmt.Errorf("begin cycle: %w", err)
	}
	return id, nil
}

// EndCycle stamps the cycle's stop time.
func (j *Journal) EndCycle(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := j.db.ExecContext(ctx,
		`UPDATE cycle SET stopped_at = ? WHERE id = ?;`, now, id)
	if err != nil {
		return fmt.Errorf("end cycle: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end cycle: unknown cycle %s", id)
	}
	return nil
}

// RecordExit stores how one instance ended.
func (j *Journal) RecordExit(ctx context.Context, rec ExitRecord) error {
	if rec.CycleID == "" {
		return fmt.Errorf("record exit: cycle id is empty")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var code any
	if rec.ExitCode != nil {
		code = *rec.ExitCode
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO instance_exit(cycle_id, instance, exit_code, forced, config_digest, recorded_at)
VALUES(?, ?, ?, ?, ?, ?);
`, rec.CycleID, rec.Instance, code, boolToInt(rec.Forced), rec.ConfigDigest, now)
	if err != nil {
		return fmt.Errorf("record exit: %w", err)
	}
	return nil
}

// LastCycle returns the most recently started cycle, or (nil, nil) when the
// journal is empty.
func (j *Journal) LastCycle(ctx context.Context) (*Cycle, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, started_at, stopped_at, instances
FROM cycle ORDER BY started_at DESC LIMIT 1;`)

	var (
		c          Cycle
		startedAt  string
		stoppedAt  sql.NullString
	)
	if err := row.Scan(&c.ID, &startedAt, &stoppedAt, &c.Instances); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("last cycle: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("last cycle: bad started_at %q: %w", startedAt, err)
	}
	c.StartedAt = t
	if stoppedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, stoppedAt.String)
		if err != nil {
			return nil, fmt.Errorf("last cycle: bad stopped_at %q: %w", stoppedAt.String, err)
		}
		c.StoppedAt = &ts
	}
	return &c, nil
}

// Exits returns the exit records of a cycle in recording order.
func (j *Journal) Exits(ctx context.Context, cycleID string) ([]ExitRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT cycle_id, instance, exit_code, forced, config_digest, recorded_at
FROM instance_exit WHERE cycle_id = ? ORDER BY recorded_at;`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("query exits: %w", err)
	}
	defer rows.Close()

	var out []ExitRecord
	for rows.Next() {
		var (
			rec        ExitRecord
			code       sql.NullInt64
			recordedAt string
		)
		var forced int
		if err := rows.Scan(&rec.CycleID, &rec.Instance, &code, &forced, &rec.ConfigDigest, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan exit: %w", err)
		}
		if code.Valid {
			c := int(code.Int64)
			rec.ExitCode = &c
		}
		rec.Forced = forced != 0
		if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			rec.RecordedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
