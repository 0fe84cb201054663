package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boxkite-io/boxkite/internal/action"
	"github.com/boxkite-io/boxkite/internal/api"
	"github.com/boxkite-io/boxkite/internal/queue"
)

// Connectivity reports whether the backend is currently reachable.
// Satisfied by *netmon.Monitor.
type Connectivity interface {
	IsOnline() bool
}

// Session is the tally for one drain pass. It exists only to compute the
// last-sync status text and is discarded when the pass ends.
type Session struct {
	StartedAt time.Time
	Processed int
	Failed    int
}

// Config holds engine configuration.
type Config struct {
	// MaxAttempts is the delivery attempt ceiling for transient failures.
	// Once reached the action is marked failed (default: 5).
	MaxAttempts int

	// OnChange, if set, is called after every queue mutation and at the
	// end of each drain pass. Used by the daemon to push status updates.
	OnChange func()

	// OnAction, if set, is called after each per-action outcome of a
	// drain with the action id, its resource key, and what happened
	// (delivered, failed, deferred).
	OnAction func(actionID int64, resource, change string)

	// OnSyncComplete, if set, is called with the tally of a finished
	// drain pass.
	OnSyncComplete func(processed, failed, remaining int, took time.Duration)

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Logger:      log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Engine drains the offline queue against the backend.
type Engine struct {
	store   *queue.Store
	mutator api.Mutator
	conn    Connectivity
	config  Config

	draining atomic.Bool

	mu           sync.Mutex
	lastSyncText string
	lastSyncedAt time.Time
	authRequired bool
}

// New creates a sync engine over the given queue, backend mutator, and
// connectivity source.
func New(store *queue.Store, mutator api.Mutator, conn Connectivity, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if mutator == nil {
		return nil, fmt.Errorf("mutator cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	return &Engine{
		store:        store,
		mutator:      mutator,
		conn:         conn,
		config:       config,
		lastSyncText: "Not yet synced",
	}, nil
}

// Trigger requests a drain and returns immediately. Safe to call at any
// time: while offline or already draining it is absorbed as a no-op.
func (e *Engine) Trigger() {
	go func() {
		if err := e.Sync(context.Background()); err != nil {
			e.config.Logger.Printf("Sync failed: %v", err)
		}
	}()
}

// Sync drains the queue once. It returns immediately when offline or when
// another drain is already running. Per-action failures are folded into the
// queue state and status text, not returned; the returned error covers only
// queue storage problems.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.conn.IsOnline() {
		return nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)
	defer e.notify()

	session := &Session{StartedAt: time.Now()}

	actions, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending actions: %w", err)
	}

	if len(actions) == 0 {
		e.setStatus("Up to date", true, false)
		return nil
	}

	e.config.Logger.Printf("Draining %d pending action(s)", len(actions))

	// Resources with a failed or deferred predecessor in this pass.
	// Later actions on the same resource are skipped to preserve order.
	blocked := make(map[string]bool)

	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}

		key := a.ResourceKey()

		// A failed row blocks its resource until retried or discarded.
		// An in_flight row belongs to another process mid-delivery; touching
		// it here would send the same mutation twice.
		if a.Status != action.StatusPending {
			blocked[key] = true
			continue
		}
		if blocked[key] {
			continue
		}

		aborted, err := e.deliver(ctx, a, session, blocked)
		if err != nil {
			return err
		}
		if aborted {
			e.setStatus("Sign-in required to sync", false, true)
			e.config.Logger.Printf("Drain aborted: authentication required")
			return nil
		}
	}

	e.finishSession(ctx, session)
	return nil
}

// deliver attempts one action. It returns aborted=true on an auth failure,
// which cancels the rest of the drain. A non-nil error means the queue
// store itself failed.
func (e *Engine) deliver(ctx context.Context, a *action.PendingAction, session *Session, blocked map[string]bool) (aborted bool, err error) {
	if err := e.store.MarkInFlight(ctx, a.ID); err != nil {
		return false, fmt.Errorf("failed to mark action %d in flight: %w", a.ID, err)
	}

	deliverErr := e.mutator.Do(ctx, api.Mutation{
		Method: a.Method(),
		Route:  a.Route(),
		Body:   a.Payload,
	})

	switch {
	case deliverErr == nil:
		if err := e.store.Remove(ctx, a.ID); err != nil {
			return false, fmt.Errorf("failed to remove delivered action %d: %w", a.ID, err)
		}
		session.Processed++
		e.config.Logger.Printf("Delivered action %d (%s %s)", a.ID, a.Operation, a.ResourceKey())
		e.reportAction(a, "delivered")
		e.notify()
		return false, nil

	case errors.Is(deliverErr, api.ErrAuthRequired):
		// Leave the action pending; nothing will succeed until the user
		// signs in again, so the whole drain stops here.
		if err := e.store.ClearInFlight(ctx, a.ID); err != nil {
			return false, fmt.Errorf("failed to clear in-flight action %d: %w", a.ID, err)
		}
		return true, nil

	case errors.Is(deliverErr, api.ErrRejected):
		if err := e.store.MarkFailed(ctx, a.ID, deliverErr.Error()); err != nil {
			return false, fmt.Errorf("failed to mark action %d failed: %w", a.ID, err)
		}
		session.Failed++
		blocked[a.ResourceKey()] = true
		e.config.Logger.Printf("Action %d rejected: %v", a.ID, deliverErr)
		e.reportAction(a, "failed")
		e.notify()
		return false, nil

	default:
		// Transient: count the attempt, defer the retry to the next
		// drain trigger rather than looping here.
		attempts, err := e.store.IncrementAttempts(ctx, a.ID)
		if err != nil {
			return false, fmt.Errorf("failed to record attempt for action %d: %w", a.ID, err)
		}

		if attempts >= e.config.MaxAttempts {
			if err := e.store.MarkFailed(ctx, a.ID, deliverErr.Error()); err != nil {
				return false, fmt.Errorf("failed to mark action %d failed: %w", a.ID, err)
			}
			session.Failed++
			e.config.Logger.Printf("Action %d failed after %d attempts: %v", a.ID, attempts, deliverErr)
			e.reportAction(a, "failed")
		} else {
			if err := e.store.ClearInFlight(ctx, a.ID); err != nil {
				return false, fmt.Errorf("failed to clear in-flight action %d: %w", a.ID, err)
			}
			e.config.Logger.Printf("Action %d deferred (attempt %d/%d): %v", a.ID, attempts, e.config.MaxAttempts, deliverErr)
			e.reportAction(a, "deferred")
		}
		blocked[a.ResourceKey()] = true
		e.notify()
		return false, nil
	}
}

// finishSession computes the status text from the pass tally and what is
// left in the queue.
func (e *Engine) finishSession(ctx context.Context, session *Session) {
	remaining, err := e.store.Count(ctx)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to count remaining actions: %v", err)
		return
	}

	switch {
	case remaining == 0:
		e.setStatus("All changes synced", true, false)
	case remaining == 1:
		e.setStatus("1 change could not be synced", false, false)
	default:
		e.setStatus(fmt.Sprintf("%d changes could not be synced", remaining), false, false)
	}

	took := time.Since(session.StartedAt)
	e.config.Logger.Printf("Drain complete: processed=%d failed=%d remaining=%d (took %s)",
		session.Processed, session.Failed, remaining, took.Round(time.Millisecond))

	if e.config.OnSyncComplete != nil {
		e.config.OnSyncComplete(session.Processed, session.Failed, remaining, took)
	}
}

func (e *Engine) reportAction(a *action.PendingAction, change string) {
	if e.config.OnAction != nil {
		e.config.OnAction(a.ID, a.ResourceKey(), change)
	}
}

// setStatus records the drain outcome text. synced marks a pass after which
// nothing is left in the queue, which advances the last-successful-sync time.
func (e *Engine) setStatus(text string, synced, authRequired bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSyncText = text
	e.authRequired = authRequired
	if synced {
		e.lastSyncedAt = time.Now()
	}
}

func (e *Engine) notify() {
	if e.config.OnChange != nil {
		e.config.OnChange()
	}
}
