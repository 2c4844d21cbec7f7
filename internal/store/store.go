// Package store persists rules, their embeddings, traces, sessions and
// settings in a single SQLite database.
//
// Writers are serialized in-process by a mutex and across processes by
// SQLite's immediate transactions; BUSY results are retried with backoff and
// surface as *ConflictError once the retry budget is spent. Readers run
// outside the writer lock and see only committed state.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"causeway/internal/embedding"
	"causeway/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound matches any *NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// NotFoundError reports an unknown rule id. No state was changed.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func ruleNotFound(id int64) error {
	return &NotFoundError{Entity: "rule", ID: fmt.Sprintf("#%d", id)}
}

// ErrConflict matches any *ConflictError via errors.Is.
var ErrConflict = errors.New("write conflict")

// ConflictError is returned when a write kept colliding with concurrent
// writers after the bounded number of retries.
type ConflictError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: write conflict after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// errStale marks an optimistic version check that lost to another writer.
var errStale = errors.New("rule changed concurrently")

// Options configure a Store.
type Options struct {
	// Engine embeds rule text. Without it semantic rules cannot be written.
	Engine embedding.Engine
	// MaxWriteRetries bounds retries on BUSY and stale versions.
	MaxWriteRetries int
	// BusyTimeout is SQLite's own wait before reporting BUSY.
	BusyTimeout time.Duration
}

// Store is the rule store, trace log and session history.
type Store struct {
	db     *sql.DB
	path   string
	engine embedding.Engine

	writeMu    sync.Mutex
	maxRetries int
	retryBase  time.Duration

	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if opts.MaxWriteRetries <= 0 {
		opts.MaxWriteRetries = 5
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open(driverName, buildDSN(path, int(opts.BusyTimeout/time.Millisecond)))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(time.Minute)

	s := &Store{
		db:         db,
		path:       path,
		engine:     opts.Engine,
		maxRetries: opts.MaxWriteRetries,
		retryBase:  10 * time.Millisecond,
		now:        time.Now,
	}
	// Concurrent hook processes may race on the first migration; the loser
	// finds the schema in place on its next attempt.
	var merr error
	for attempt := 0; attempt < 3; attempt++ {
		if merr = s.migrate(ctx); merr == nil {
			break
		}
		logging.StoreWarn("migration attempt %d failed: %v", attempt+1, merr)
		if err := s.backoff(ctx, attempt+1); err != nil {
			break
		}
	}
	if merr != nil {
		db.Close()
		return nil, merr
	}
	logging.Store("Store opened at %s (driver=%s)", path, driverName)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logging.StoreDebug("migration %s applied in %v", r.Source.Path, r.Duration)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Engine returns the embedding engine, which may be nil.
func (s *Store) Engine() embedding.Engine { return s.engine }

// withWriteTx runs fn in a write transaction, retrying BUSY results with
// exponential backoff. errStale is returned to the caller, which must
// re-read before trying again (see retryStale).
func (s *Store) withWriteTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return err
			}
		}
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		logging.StoreWarn("%s: transient conflict (attempt %d/%d): %v", op, attempt+1, s.maxRetries, err)
	}
	return &ConflictError{Op: op, Attempts: s.maxRetries, Err: lastErr}
}

// retryStale re-runs attempt while it reports errStale, so a write prepared
// from a read that another writer invalidated is rebuilt from fresh state.
func (s *Store) retryStale(ctx context.Context, op string, attempt func() error) error {
	var lastErr error
	for i := 0; i < s.maxRetries; i++ {
		if i > 0 {
			if err := s.backoff(ctx, i); err != nil {
				return err
			}
		}
		err := attempt()
		if !errors.Is(err, errStale) {
			return err
		}
		lastErr = err
		logging.StoreWarn("%s: %v (attempt %d/%d)", op, err, i+1, s.maxRetries)
	}
	return &ConflictError{Op: op, Attempts: s.maxRetries, Err: lastErr}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) backoff(ctx context.Context, attempt int) error {
	d := s.retryBase << (attempt - 1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Store) nowNanos() int64 { return s.now().UTC().UnixNano() }

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
