package syncer

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boxkite-io/boxkite/internal/action"
	"github.com/boxkite-io/boxkite/internal/api"
	"github.com/boxkite-io/boxkite/internal/queue"
)

// fakeMutator records mutations and answers them via respond.
type fakeMutator struct {
	mu      sync.Mutex
	calls   []api.Mutation
	respond func(m api.Mutation) error

	// entered and release, when non-nil, make Do block so tests can
	// observe an in-progress drain.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeMutator) Do(ctx context.Context, m api.Mutation) error {
	f.mu.Lock()
	f.calls = append(f.calls, m)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.respond != nil {
		return f.respond(m)
	}
	return nil
}

func (f *fakeMutator) callRoutes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	routes := make([]string, len(f.calls))
	for i, c := range f.calls {
		routes[i] = c.Route
	}
	return routes
}

// fakeConn is a settable connectivity source.
type fakeConn struct {
	online atomic.Bool
}

func (c *fakeConn) IsOnline() bool { return c.online.Load() }

func setupEngine(t *testing.T, config Config) (*Engine, *queue.Store, *fakeMutator, *fakeConn) {
	t.Helper()

	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	mutator := &fakeMutator{}
	conn := &fakeConn{}

	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[test] ", 0)
	}

	engine, err := New(store, mutator, conn, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return engine, store, mutator, conn
}

func enqueue(t *testing.T, store *queue.Store, kind, id string, op action.Op) int64 {
	t.Helper()

	payload := []byte(`{"v":1}`)
	if op == action.OpDelete {
		payload = nil
	}
	actionID, err := store.Enqueue(context.Background(), &action.PendingAction{
		ResourceKind: kind,
		ResourceID:   id,
		Operation:    op,
		Payload:      payload,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return actionID
}

func mustStatus(t *testing.T, engine *Engine) Status {
	t.Helper()

	st, err := engine.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	return st
}

func TestSyncWhileOfflineIsNoOp(t *testing.T) {
	engine, store, mutator, _ := setupEngine(t, Config{})

	enqueue(t, store, "task", "t-1", action.OpUpdate)
	enqueue(t, store, "task", "t-2", action.OpUpdate)
	enqueue(t, store, "container", "c-1", action.OpUpdate)

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(mutator.callRoutes()) != 0 {
		t.Errorf("mutations attempted while offline")
	}

	st := mustStatus(t, engine)
	if st.IsOnline {
		t.Errorf("IsOnline = true, want false")
	}
	if st.PendingActions != 3 {
		t.Errorf("pending = %d, want 3", st.PendingActions)
	}
	if st.LastSync != "Not yet synced" {
		t.Errorf("LastSync = %q, want default", st.LastSync)
	}
}

func TestOfflineThenOnlineDrainsInOrder(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{})

	enqueue(t, store, "task", "t-1", action.OpUpdate)
	enqueue(t, store, "task", "t-2", action.OpUpdate)
	enqueue(t, store, "container", "c-1", action.OpDelete)

	conn.online.Store(true)
	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	want := []string{
		"/api/v1/tasks/t-1",
		"/api/v1/tasks/t-2",
		"/api/v1/containers/c-1",
	}
	got := mutator.callRoutes()
	if len(got) != len(want) {
		t.Fatalf("delivered %d mutations, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %q, want %q", i, got[i], want[i])
		}
	}

	st := mustStatus(t, engine)
	if st.PendingActions != 0 {
		t.Errorf("pending = %d, want 0", st.PendingActions)
	}
	if st.LastSync != "All changes synced" {
		t.Errorf("LastSync = %q, want All changes synced", st.LastSync)
	}
	if st.LastSyncedAt.IsZero() {
		t.Errorf("LastSyncedAt not set after full drain")
	}
}

func TestEmptyQueueIsUpToDate(t *testing.T) {
	engine, _, _, conn := setupEngine(t, Config{})
	conn.online.Store(true)

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if st := mustStatus(t, engine); st.LastSync != "Up to date" {
		t.Errorf("LastSync = %q, want Up to date", st.LastSync)
	}
}

func TestSyncIsSingleFlight(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{})
	conn.online.Store(true)

	mutator.entered = make(chan struct{}, 1)
	mutator.release = make(chan struct{})

	enqueue(t, store, "task", "t-1", action.OpUpdate)

	done := make(chan error, 1)
	go func() { done <- engine.Sync(context.Background()) }()

	// Wait until the drain is inside the network call.
	select {
	case <-mutator.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("drain never reached the mutator")
	}

	if st := mustStatus(t, engine); !st.IsSyncing {
		t.Errorf("IsSyncing = false during drain")
	}

	// A second trigger while draining is absorbed as a no-op.
	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}

	close(mutator.release)
	if err := <-done; err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if n := len(mutator.callRoutes()); n != 1 {
		t.Errorf("mutator called %d times, want 1", n)
	}

	st := mustStatus(t, engine)
	if st.IsSyncing {
		t.Errorf("IsSyncing = true after drain")
	}
	if st.PendingActions != 0 {
		t.Errorf("pending = %d, want 0", st.PendingActions)
	}
}

func TestTransientFailureBlocksSameResourceOnly(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{MaxAttempts: 5})
	conn.online.Store(true)

	mutator.respond = func(m api.Mutation) error {
		if strings.Contains(m.Route, "/tasks/t-x") {
			return api.ErrTransient
		}
		return nil
	}

	a := enqueue(t, store, "task", "t-x", action.OpUpdate)
	b := enqueue(t, store, "task", "t-x", action.OpUpdate)
	enqueue(t, store, "container", "c-y", action.OpUpdate)

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// A was attempted, B skipped behind it, C delivered independently.
	got := mutator.callRoutes()
	if len(got) != 2 {
		t.Fatalf("delivered %d mutations, want 2 (A attempted, C delivered)", len(got))
	}
	if got[0] != "/api/v1/tasks/t-x" || got[1] != "/api/v1/containers/c-y" {
		t.Errorf("deliveries = %v", got)
	}

	actions, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("queue holds %d actions, want 2", len(actions))
	}
	if actions[0].ID != a || actions[0].Status != action.StatusPending || actions[0].Attempts != 1 {
		t.Errorf("action A: id=%d status=%s attempts=%d", actions[0].ID, actions[0].Status, actions[0].Attempts)
	}
	if actions[1].ID != b || actions[1].Status != action.StatusPending || actions[1].Attempts != 0 {
		t.Errorf("action B: id=%d status=%s attempts=%d", actions[1].ID, actions[1].Status, actions[1].Attempts)
	}

	if st := mustStatus(t, engine); st.LastSync != "2 changes could not be synced" {
		t.Errorf("LastSync = %q", st.LastSync)
	}
}

func TestTransientFailsAtAttemptCeiling(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{MaxAttempts: 3})
	conn.online.Store(true)

	mutator.respond = func(m api.Mutation) error {
		if strings.Contains(m.Route, "/tasks/t-x") {
			return api.ErrTransient
		}
		return nil
	}

	a := enqueue(t, store, "task", "t-x", action.OpUpdate)
	enqueue(t, store, "task", "t-x", action.OpUpdate)
	enqueue(t, store, "container", "c-y", action.OpUpdate)

	// Each drain makes exactly one attempt at A; the ceiling is reached
	// across drains, never by looping within one.
	for i := 0; i < 3; i++ {
		if err := engine.Sync(context.Background()); err != nil {
			t.Fatalf("Sync %d failed: %v", i+1, err)
		}
	}

	got, err := store.Get(context.Background(), a)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != action.StatusFailed {
		t.Errorf("A status = %s, want failed after ceiling", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("A attempts = %d, want 3", got.Attempts)
	}

	// B is still blocked behind the failed A; C was delivered in pass 1.
	st := mustStatus(t, engine)
	if st.PendingActions != 2 {
		t.Errorf("pending = %d, want 2", st.PendingActions)
	}
}

func TestClientRejectionFailsImmediately(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{})
	conn.online.Store(true)

	mutator.respond = func(m api.Mutation) error {
		return api.ErrRejected
	}

	a := enqueue(t, store, "task", "t-1", action.OpUpdate)
	b := enqueue(t, store, "task", "t-1", action.OpUpdate)

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// No automatic retry for a rejection, and B never jumped the queue.
	if n := len(mutator.callRoutes()); n != 1 {
		t.Errorf("mutator called %d times, want 1", n)
	}

	gotA, _ := store.Get(context.Background(), a)
	if gotA.Status != action.StatusFailed {
		t.Errorf("A status = %s, want failed", gotA.Status)
	}
	if gotA.LastError == "" {
		t.Errorf("A last error not recorded")
	}

	gotB, _ := store.Get(context.Background(), b)
	if gotB.Status != action.StatusPending {
		t.Errorf("B status = %s, want pending", gotB.Status)
	}
}

func TestAuthFailureAbortsDrain(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{})
	conn.online.Store(true)

	mutator.respond = func(m api.Mutation) error {
		return api.ErrAuthRequired
	}

	enqueue(t, store, "task", "t-1", action.OpUpdate)
	enqueue(t, store, "container", "c-1", action.OpUpdate)

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// The drain stops at the first auth failure; the second action is
	// never attempted.
	if n := len(mutator.callRoutes()); n != 1 {
		t.Errorf("mutator called %d times, want 1", n)
	}

	actions, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, a := range actions {
		if a.Status != action.StatusPending {
			t.Errorf("action %d status = %s, want pending", a.ID, a.Status)
		}
	}

	st := mustStatus(t, engine)
	if st.IsSyncing {
		t.Errorf("IsSyncing = true after aborted drain")
	}
	if !st.AuthRequired {
		t.Errorf("AuthRequired = false, want true")
	}
	if st.LastSync != "Sign-in required to sync" {
		t.Errorf("LastSync = %q", st.LastSync)
	}
}

func TestAuthRequiredClearsAfterSuccessfulDrain(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{})
	conn.online.Store(true)

	authFail := true
	mutator.respond = func(m api.Mutation) error {
		if authFail {
			return api.ErrAuthRequired
		}
		return nil
	}

	enqueue(t, store, "task", "t-1", action.OpUpdate)

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if st := mustStatus(t, engine); !st.AuthRequired {
		t.Fatalf("AuthRequired = false after auth abort")
	}

	authFail = false
	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	st := mustStatus(t, engine)
	if st.AuthRequired {
		t.Errorf("AuthRequired = true after successful drain")
	}
	if st.PendingActions != 0 {
		t.Errorf("pending = %d, want 0", st.PendingActions)
	}
}

func TestFailedPredecessorFromEarlierPassBlocksResource(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{})
	conn.online.Store(true)

	a := enqueue(t, store, "task", "t-1", action.OpUpdate)
	enqueue(t, store, "task", "t-1", action.OpUpdate)

	if err := store.MarkFailed(context.Background(), a, "rejected earlier"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// B must not be delivered past the failed A, even with a healthy
	// backend.
	if n := len(mutator.callRoutes()); n != 0 {
		t.Errorf("mutator called %d times, want 0", n)
	}
}

func TestInFlightRowLeftToItsOwner(t *testing.T) {
	engine, store, mutator, conn := setupEngine(t, Config{})
	conn.online.Store(true)

	a := enqueue(t, store, "task", "t-1", action.OpUpdate)
	enqueue(t, store, "task", "t-1", action.OpUpdate)
	enqueue(t, store, "container", "c-1", action.OpUpdate)

	// Another process is delivering A right now.
	if err := store.MarkInFlight(context.Background(), a); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// A is untouched, B waits behind it, only C is delivered.
	got := mutator.callRoutes()
	if len(got) != 1 || got[0] != "/api/v1/containers/c-1" {
		t.Fatalf("deliveries = %v, want only the container action", got)
	}

	gotA, err := store.Get(context.Background(), a)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gotA.Status != action.StatusInFlight {
		t.Errorf("A status = %s, want in_flight left to its owner", gotA.Status)
	}
}

func TestOnChangeFires(t *testing.T) {
	var changes atomic.Int32
	engine, store, _, conn := setupEngine(t, Config{
		OnChange: func() { changes.Add(1) },
	})
	conn.online.Store(true)

	enqueue(t, store, "task", "t-1", action.OpUpdate)

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if changes.Load() == 0 {
		t.Errorf("OnChange never fired during drain")
	}
}

func TestDrainReportsOutcomes(t *testing.T) {
	type outcome struct {
		id       int64
		resource string
		change   string
	}
	var (
		mu       sync.Mutex
		outcomes []outcome
		tally    []int
	)

	engine, store, mutator, conn := setupEngine(t, Config{
		OnAction: func(actionID int64, resource, change string) {
			mu.Lock()
			outcomes = append(outcomes, outcome{actionID, resource, change})
			mu.Unlock()
		},
		OnSyncComplete: func(processed, failed, remaining int, took time.Duration) {
			mu.Lock()
			tally = []int{processed, failed, remaining}
			mu.Unlock()
		},
	})
	conn.online.Store(true)

	mutator.respond = func(m api.Mutation) error {
		if strings.Contains(m.Route, "/tasks/") {
			return api.ErrRejected
		}
		return nil
	}

	a := enqueue(t, store, "task", "t-1", action.OpUpdate)
	b := enqueue(t, store, "container", "c-1", action.OpUpdate)

	if err := engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	want := []outcome{
		{a, "task/t-1", "failed"},
		{b, "container/c-1", "delivered"},
	}
	if len(outcomes) != len(want) {
		t.Fatalf("reported %d outcomes, want %d: %+v", len(outcomes), len(want), outcomes)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcome %d = %+v, want %+v", i, outcomes[i], want[i])
		}
	}

	if tally == nil {
		t.Fatalf("OnSyncComplete never fired")
	}
	if tally[0] != 1 || tally[1] != 1 || tally[2] != 1 {
		t.Errorf("tally processed/failed/remaining = %v, want [1 1 1]", tally)
	}
}

func TestTriggerDrains(t *testing.T) {
	engine, store, _, conn := setupEngine(t, Config{})
	conn.online.Store(true)

	enqueue(t, store, "task", "t-1", action.OpUpdate)

	engine.Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := mustStatus(t, engine); st.PendingActions == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Trigger did not drain the queue")
}
