// Package profstore persists per-function profile counters in SQLite so a
// new process can start with the call counts of the previous one.
//
// Functions are keyed by name; FuncIDs are assigned per process.
package profstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tcjit/jit"
	"github.com/chazu/tcjit/vm"
)

var log = commonlog.GetLogger("tcjit.profstore")

// ErrNotFound indicates no profile is stored for a function.
var ErrNotFound = errors.New("profile not found")

// Profile is one stored row.
type Profile struct {
	Name      string
	Calls     uint64
	Optimized bool
	Updated   time.Time
}

// Store handles SQLite storage for profiles.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS profiles (
		name      TEXT PRIMARY KEY,
		calls     INTEGER NOT NULL,
		optimized INTEGER NOT NULL DEFAULT 0,
		runtime   TEXT NOT NULL,
		updated   INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save writes the counters of every profiled function of rt, replacing
// earlier rows for the same names. Returns the number of rows written.
func (s *Store) Save(ctx context.Context, rt *jit.Runtime) (int, error) {
	prof := rt.Profiler()
	counts := prof.Counts()
	now := time.Now().Unix()
	runtimeID := rt.ID().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO profiles (name, calls, optimized, runtime, updated) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, c := range counts {
		fn := rt.Funcs().Lookup(c.Func)
		if fn == nil || fn.Name == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, fn.Name, int64(c.Calls), prof.IsOptimized(c.Func), runtimeID, now); err != nil {
			return 0, fmt.Errorf("saving profile %s: %w", fn.Name, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	log.Debugf("saved %d profiles to %s", n, s.path)
	return n, nil
}

// Get retrieves the stored profile of the named function.
func (s *Store) Get(ctx context.Context, name string) (Profile, error) {
	var (
		p       Profile
		calls   int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT name, calls, optimized, updated FROM profiles WHERE name = ?", name).
		Scan(&p.Name, &calls, &p.Optimized, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("querying profile: %w", err)
	}
	p.Calls = uint64(calls)
	p.Updated = time.Unix(updated, 0)
	return p, nil
}

// All returns every stored profile ordered by descending call count.
func (s *Store) All(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, calls, optimized, updated FROM profiles ORDER BY calls DESC, name")
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var (
			p       Profile
			calls   int64
			updated int64
		)
		if err := rows.Scan(&p.Name, &calls, &p.Optimized, &updated); err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		p.Calls = uint64(calls)
		p.Updated = time.Unix(updated, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Seed loads stored counters into the profiler of rt for every registered
// function with a stored profile. Returns the number of functions seeded.
func (s *Store) Seed(ctx context.Context, rt *jit.Runtime) (int, error) {
	stored, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	byName := make(map[string]*vm.Func)
	for _, fn := range rt.Funcs().All() {
		byName[fn.Name] = fn
	}

	n := 0
	for _, p := range stored {
		fn, ok := byName[p.Name]
		if !ok {
			continue
		}
		rt.Profiler().Seed(fn.ID, p.Calls)
		n++
	}
	log.Debugf("seeded %d of %d stored profiles", n, len(stored))
	return n, nil
}

// Delete removes the stored profile of the named function.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE name = ?", name); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	return nil
}
