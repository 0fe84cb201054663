// Package queue provides the durable action queue for boxkite.
//
// The queue is an embedded SQLite database (WAL mode) holding every mutation
// the client has performed but not yet confirmed against the backend. Rows
// survive process restarts and application updates; the AUTOINCREMENT row id
// doubles as the persisted monotonic action counter, so ids keep increasing
// across restarts and are never reused.
//
// Concurrency: the enqueue path (UI actions) and the drain path (sync engine)
// touch the store from different goroutines. A single mutex guards mutations
// and is held only for the duration of the database write, never across a
// network call.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boxkite-io/boxkite/internal/action"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when the referenced action is not in the queue.
var ErrNotFound = errors.New("action not found")

// ErrNotFailed is returned when retry or discard targets an action that is
// not in the failed state.
var ErrNotFailed = errors.New("action is not failed")

// Store is the durable queue backed by an embedded SQLite database.
type Store struct {
	conn   *sql.DB
	path   string
	mu     sync.Mutex
	logger *log.Logger
}

// Open creates or opens the queue database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// Missing parent directories are created. The caller MUST call Close()
// when done.
//
// If logger is nil, a default logger writing to stderr is used.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Close closes the queue database, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the queue schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_kind TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL,
		payload BLOB,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		in_flight_since INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);
	CREATE INDEX IF NOT EXISTS idx_actions_resource ON actions(resource_kind, resource_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return nil
}

// Enqueue appends an action to the queue and returns its assigned id.
//
// The id comes from the AUTOINCREMENT counter, which SQLite persists in
// sqlite_sequence; ids are unique and strictly increasing across restarts.
func (s *Store) Enqueue(ctx context.Context, a *action.PendingAction) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("invalid action: %w", err)
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO actions (resource_kind, resource_id, operation, payload, created_at, attempts, last_error, status)
		VALUES (?, ?, ?, ?, ?, 0, '', ?)`,
		a.ResourceKind, a.ResourceID, string(a.Operation), a.Payload,
		a.CreatedAt.Format(time.RFC3339Nano), string(action.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue action: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read enqueued id: %w", err)
	}

	a.ID = id
	a.Status = action.StatusPending
	return id, nil
}

// List returns all queued actions in ascending id order.
//
// A row that cannot be decoded is dropped from the queue with a logged
// diagnostic rather than blocking everything behind it.
func (s *Store) List(ctx context.Context) ([]*action.PendingAction, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, resource_kind, resource_id, operation, payload, created_at, attempts, last_error, status
		FROM actions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var (
		actions []*action.PendingAction
		corrupt []int64
	)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			s.logger.Printf("Warning: dropping corrupt queue row: %v", err)
			if a != nil && a.ID != 0 {
				corrupt = append(corrupt, a.ID)
			}
			continue
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}

	for _, id := range corrupt {
		if err := s.Remove(ctx, id); err != nil {
			s.logger.Printf("Warning: failed to drop corrupt row %d: %v", id, err)
		}
	}

	return actions, nil
}

// Get returns a single action by id.
func (s *Store) Get(ctx context.Context, id int64) (*action.PendingAction, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, resource_kind, resource_id, operation, payload, created_at, attempts, last_error, status
		FROM actions WHERE id = ?`, id)

	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// Count returns the number of queued actions. Failed actions count as
// pending so the UI keeps prompting user attention.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM actions").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return count, nil
}

// Remove deletes an action, normally after confirmed backend success.
func (s *Store) Remove(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, "DELETE FROM actions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove action %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInFlight transitions an action to in_flight before delivery.
func (s *Store) MarkInFlight(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, action.StatusInFlight, "")
}

// ClearInFlight returns an in_flight action to pending, e.g. after a
// transient delivery failure.
func (s *Store) ClearInFlight(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, action.StatusPending, "")
}

// MarkFailed transitions an action to failed, recording the reason.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	return s.setStatus(ctx, id, action.StatusFailed, reason)
}

func (s *Store) setStatus(ctx context.Context, id int64, status action.Status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// in_flight_since timestamps the delivery attempt so stale-row recovery
	// can tell an abandoned action from one a live process is delivering.
	var inFlightSince int64
	if status == action.StatusInFlight {
		inFlightSince = time.Now().UnixNano()
	}

	res, err := s.conn.ExecContext(ctx,
		"UPDATE actions SET status = ?, last_error = ?, in_flight_since = ? WHERE id = ?",
		string(status), lastError, inFlightSince, id)
	if err != nil {
		return fmt.Errorf("failed to mark action %d %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementAttempts records one delivery attempt and returns the new count.
func (s *Store) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		"UPDATE actions SET attempts = attempts + 1 WHERE id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts for %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	var attempts int
	if err := s.conn.QueryRowContext(ctx,
		"SELECT attempts FROM actions WHERE id = ?", id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read attempts for %d: %w", id, err)
	}
	return attempts, nil
}

// Retry resets a failed action to pending and clears its attempt count so
// the next drain picks it up again. Only failed actions can be retried.
func (s *Store) Retry(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		"UPDATE actions SET status = ?, attempts = 0, last_error = '' WHERE id = ? AND status = ?",
		string(action.StatusPending), id, string(action.StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to retry action %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notFoundOrNotFailed(ctx, id)
	}
	return nil
}

// Discard removes a failed action from the queue at the user's request.
// Only failed actions can be discarded; pending work is dropped via Remove
// by the sync engine alone.
func (s *Store) Discard(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		"DELETE FROM actions WHERE id = ? AND status = ?",
		id, string(action.StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to discard action %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notFoundOrNotFailed(ctx, id)
	}
	return nil
}

func (s *Store) notFoundOrNotFailed(ctx context.Context, id int64) error {
	var status string
	err := s.conn.QueryRowContext(ctx,
		"SELECT status FROM actions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up action %d: %w", id, err)
	}
	return ErrNotFailed
}

// RecoverInFlight resets actions left in_flight to pending. A crash between
// MarkInFlight and Remove must not strand the action. Returns the number of
// recovered actions.
//
// olderThan limits recovery to rows whose delivery started at least that
// long ago. The queue database is shared: while the daemon is mid-delivery a
// one-shot CLI process sees a legitimately in_flight row, and resetting it
// would get the mutation delivered twice. Callers that own the queue (the
// daemon at startup) pass 0 to recover everything; concurrent callers pass a
// threshold comfortably above the API timeout so only abandoned rows match.
func (s *Store) RecoverInFlight(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.conn.ExecContext(ctx,
		"UPDATE actions SET status = ?, in_flight_since = 0 WHERE status = ? AND in_flight_since <= ?",
		string(action.StatusPending), string(action.StatusInFlight), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight actions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered actions: %w", err)
	}
	if n > 0 {
		s.logger.Printf("Recovered %d in-flight action(s) to pending", n)
	}
	return int(n), nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanAction.
type scanner interface {
	Scan(dest ...any) error
}

// scanAction decodes one queue row. On decode failure it returns the partial
// action (if the id was readable) so the caller can drop the corrupt row.
func scanAction(row scanner) (*action.PendingAction, error) {
	var (
		a         action.PendingAction
		operation string
		status    string
		createdAt string
	)

	err := row.Scan(&a.ID, &a.ResourceKind, &a.ResourceID, &operation,
		&a.Payload, &createdAt, &a.Attempts, &a.LastError, &status)
	if err != nil {
		return nil, err
	}

	a.Operation = action.Op(operation)
	a.Status = action.Status(status)

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return &a, fmt.Errorf("row %d has invalid created_at %q: %w", a.ID, createdAt, err)
	}
	a.CreatedAt = ts

	switch a.Operation {
	case action.OpCreate, action.OpUpdate, action.OpDelete:
	default:
		return &a, fmt.Errorf("row %d has invalid operation %q", a.ID, operation)
	}

	return &a, nil
}
