// Package tracedb records per-cycle free list state in SQLite.
//
// One run per simulation, identified by a random UUID. Each recorded step
// stores the register counts, the state digest and (optionally) the full
// CBOR snapshot, so a divergence found by digest can be restored and
// inspected without re-running the simulation.
//
// Schema:
//
//	runs(id TEXT PRIMARY KEY, started_at INTEGER, config TEXT)
//	steps(run_id TEXT, cycle INTEGER, class TEXT, free_count INTEGER,
//	      committed_count INTEGER, digest BLOB, snapshot BLOB)
package tracedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/yanghaoming95/riscv-boom/proto/snapshot"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	config     TEXT
);
CREATE TABLE IF NOT EXISTS steps (
	run_id          TEXT NOT NULL REFERENCES runs(id),
	cycle           INTEGER NOT NULL,
	class           TEXT NOT NULL,
	free_count      INTEGER NOT NULL,
	committed_count INTEGER NOT NULL,
	digest          BLOB NOT NULL,
	snapshot        BLOB
);
CREATE INDEX IF NOT EXISTS steps_run_cycle ON steps(run_id, cycle);
`

var ErrBadDigest = errors.New("tracedb: stored digest has the wrong length")

// DB is an open recording database.
type DB struct {
	db *sql.DB
}

// Step is one recorded class state.
type Step struct {
	Cycle          uint64
	Class          string
	FreeCount      int
	CommittedCount int // -1 without the committed shadow
	Digest         snapshot.Digest
	Snapshot       []byte // CBOR, nil when not kept
}

// RunInfo describes a recorded run.
type RunInfo struct {
	ID        uuid.UUID
	StartedAt time.Time
	Config    string
}

// Open opens (creating if needed) the database at path. ":memory:" works for
// tests.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tracedb: open %s: %w", path, err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracedb: schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Run is an open recording. Not safe for concurrent use.
type Run struct {
	ID     uuid.UUID
	db     *DB
	insert *sql.Stmt
}

// StartRun registers a new run. config is stored verbatim for reference.
func (d *DB) StartRun(ctx context.Context, config string) (*Run, error) {
	id := uuid.New()
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, config) VALUES (?, ?, ?)`,
		id.String(), time.Now().UnixNano(), config); err != nil {
		return nil, fmt.Errorf("tracedb: start run: %w", err)
	}
	stmt, err := d.db.PrepareContext(ctx,
		`INSERT INTO steps (run_id, cycle, class, free_count, committed_count, digest, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("tracedb: prepare: %w", err)
	}
	return &Run{ID: id, db: d, insert: stmt}, nil
}

// Record appends one class state.
func (r *Run) Record(ctx context.Context, s Step) error {
	_, err := r.insert.ExecContext(ctx,
		r.ID.String(), int64(s.Cycle), s.Class, s.FreeCount, s.CommittedCount, s.Digest[:], s.Snapshot)
	if err != nil {
		return fmt.Errorf("tracedb: record cycle %d %s: %w", s.Cycle, s.Class, err)
	}
	return nil
}

func (r *Run) Close() error { return r.insert.Close() }

// Runs lists recorded runs, oldest first.
func (d *DB) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, started_at, config FROM runs ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("tracedb: runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var (
			id      string
			started int64
			config  sql.NullString
		)
		if err := rows.Scan(&id, &started, &config); err != nil {
			return nil, fmt.Errorf("tracedb: runs: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("tracedb: run id %q: %w", id, err)
		}
		out = append(out, RunInfo{ID: parsed, StartedAt: time.Unix(0, started), Config: config.String})
	}
	return out, rows.Err()
}

// Steps returns the recorded steps of one class in a run, in cycle order.
// An empty class returns every class.
func (d *DB) Steps(ctx context.Context, run uuid.UUID, class string) ([]Step, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT cycle, class, free_count, committed_count, digest, snapshot
		 FROM steps WHERE run_id = ? AND (? = '' OR class = ?)
		 ORDER BY cycle, class`,
		run.String(), class, class)
	if err != nil {
		return nil, fmt.Errorf("tracedb: steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var (
			s      Step
			cycle  int64
			digest []byte
		)
		if err := rows.Scan(&cycle, &s.Class, &s.FreeCount, &s.CommittedCount, &digest, &s.Snapshot); err != nil {
			return nil, fmt.Errorf("tracedb: steps: %w", err)
		}
		if len(digest) != snapshot.DigestSize {
			return nil, fmt.Errorf("%w: %d bytes at cycle %d", ErrBadDigest, len(digest), cycle)
		}
		s.Cycle = uint64(cycle)
		copy(s.Digest[:], digest)
		out = append(out, s)
	}
	return out, rows.Err()
}

// FirstDivergence compares two runs class by class and returns the first
// cycle whose digests differ, or ok=false when the common prefix matches.
func (d *DB) FirstDivergence(ctx context.Context, a, b uuid.UUID, class string) (cycle uint64, ok bool, err error) {
	sa, err := d.Steps(ctx, a, class)
	if err != nil {
		return 0, false, err
	}
	sb, err := d.Steps(ctx, b, class)
	if err != nil {
		return 0, false, err
	}
	for i := 0; i < len(sa) && i < len(sb); i++ {
		if sa[i].Cycle != sb[i].Cycle || sa[i].Digest != sb[i].Digest {
			return sa[i].Cycle, true, nil
		}
	}
	return 0, false, nil
}
