// Package journal records sweep cycles and adapter creation in a SQLite
// database so code cache behaviour can be inspected after the process exits.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/codecache/vm"
)

var log = commonlog.GetLogger("codecache.journal")

const schema = `
CREATE TABLE IF NOT EXISTS sweeps (
	epoch           INTEGER NOT NULL,
	forced          INTEGER NOT NULL,
	visited         INTEGER NOT NULL,
	skipped         INTEGER NOT NULL,
	not_entrant     INTEGER NOT NULL,
	zombie          INTEGER NOT NULL,
	flushed         INTEGER NOT NULL,
	bytes_flushed   INTEGER NOT NULL,
	ics_cleaned     INTEGER NOT NULL,
	fullness_before REAL NOT NULL,
	fullness_after  REAL NOT NULL,
	duration_ns     INTEGER NOT NULL,
	taken_at        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS adapters (
	fingerprint TEXT NOT NULL,
	signature   TEXT NOT NULL,
	name        TEXT NOT NULL,
	code_start  INTEGER NOT NULL,
	code_size   INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);`

// Journal is an append-only log of runtime events.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// An in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Journal{db: db, path: path}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Path returns the database path given to Open.
func (j *Journal) Path() string { return j.path }

// RecordSweep appends one sweep cycle.
func (j *Journal) RecordSweep(ctx context.Context, s *vm.SweepStats) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sweeps (epoch, forced, visited, skipped, not_entrant, zombie, flushed,
			bytes_flushed, ics_cleaned, fullness_before, fullness_after, duration_ns, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Epoch, s.Forced, s.Visited, s.Skipped, s.MadeNotEntrant, s.MadeZombie, s.Flushed,
		s.BytesFlushed, s.ICsCleaned, s.FullnessBefore, s.FullnessAfter,
		int64(s.SweepDuration), s.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording sweep %d: %w", s.Epoch, err)
	}
	return nil
}

// RecordAdapter appends one adapter creation.
func (j *Journal) RecordAdapter(ctx context.Context, c vm.AdapterCreated) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	fp := ""
	if c.Fingerprint != nil {
		fp = c.Fingerprint.String()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO adapters (fingerprint, signature, name, code_start, code_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fp, c.Signature.String(), c.Name, int64(c.Code.Start), c.Code.Size, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording adapter %s: %w", c.Name, err)
	}
	return nil
}

// Hooks returns runtime hooks that journal every sweep and adapter. Write
// failures are logged; the runtime never waits on a failed journal.
func (j *Journal) Hooks() vm.Hooks {
	return vm.Hooks{
		OnSweepCycleComplete: func(s *vm.SweepStats) {
			if err := j.RecordSweep(context.Background(), s); err != nil {
				log.Warningf("%v", err)
			}
		},
		OnAdapterCreated: func(c vm.AdapterCreated) {
			if err := j.RecordAdapter(context.Background(), c); err != nil {
				log.Warningf("%v", err)
			}
		},
	}
}

// SweepRecord is one journaled sweep cycle.
type SweepRecord struct {
	Epoch          int64
	Forced         bool
	Visited        int
	Skipped        int
	MadeNotEntrant int
	MadeZombie     int
	Flushed        int
	BytesFlushed   int64
	ICsCleaned     int
	FullnessBefore float64
	FullnessAfter  float64
	Duration       time.Duration
	TakenAt        time.Time
}

// RecentSweeps returns up to limit sweeps, newest first.
func (j *Journal) RecentSweeps(ctx context.Context, limit int) ([]SweepRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT epoch, forced, visited, skipped, not_entrant, zombie, flushed, bytes_flushed,
			ics_cleaned, fullness_before, fullness_after, duration_ns, taken_at
		FROM sweeps ORDER BY epoch DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sweeps: %w", err)
	}
	defer rows.Close()

	var out []SweepRecord
	for rows.Next() {
		var r SweepRecord
		var duration, takenAt int64
		if err := rows.Scan(&r.Epoch, &r.Forced, &r.Visited, &r.Skipped, &r.MadeNotEntrant,
			&r.MadeZombie, &r.Flushed, &r.BytesFlushed, &r.ICsCleaned, &r.FullnessBefore,
			&r.FullnessAfter, &duration, &takenAt); err != nil {
			return nil, fmt.Errorf("scanning sweep: %w", err)
		}
		r.Duration = time.Duration(duration)
		r.TakenAt = time.Unix(0, takenAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals aggregates every journaled sweep.
type Totals struct {
	Sweeps       int
	Flushed      int
	BytesFlushed int64
	Adapters     int
}

// Totals returns aggregate counts over the whole journal.
func (j *Journal) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(flushed), 0), COALESCE(SUM(bytes_flushed), 0) FROM sweeps`,
	).Scan(&t.Sweeps, &t.Flushed, &t.BytesFlushed)
	if err != nil {
		return t, fmt.Errorf("querying sweep totals: %w", err)
	}
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM adapters`).Scan(&t.Adapters); err != nil {
		return t, fmt.Errorf("querying adapter totals: %w", err)
	}
	return t, nil
}
