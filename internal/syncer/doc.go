// Package syncer drains the boxkite offline action queue against the backend.
//
// Overview
//
// The engine replays queued mutations (create/update/delete of backend
// resources) once connectivity returns, preserving causal order and
// guaranteeing at most one drain at a time.
//
// Architecture
//
//	User action / spool file
//	     ↓ enqueue
//	Durable queue (SQLite)
//	     ↓ drain (WentOnline, manual trigger, periodic tick)
//	  Engine ── one action at a time ──→ backend API
//	     ↓
//	Status facade (isOnline, pending count, lastSync text, isSyncing)
//
// Ordering
//
// Actions are delivered in ascending id order. An action for a resource is
// never delivered before an earlier action on the same resource has either
// succeeded or been marked failed: any non-success outcome blocks the rest
// of that resource's actions for the pass, while actions on independent
// resources continue.
//
// Single-flight
//
// A drain request while a drain is running is absorbed as a no-op. The
// guard is an atomic flag around the whole drain, so triggering sync from
// the connectivity monitor, the periodic ticker, and the CLI at the same
// time is always safe.
//
// Outcomes
//
//   - success (2xx): action removed from the queue
//   - auth (401/403 or no signed-in user): the whole drain aborts, all
//     remaining actions stay pending, the status facade reports that
//     sign-in is required
//   - rejected (other 4xx): action marked failed permanently; it will not
//     self-heal without user correction
//   - transient (network, timeout, 5xx): action stays pending for the next
//     drain; after the attempt ceiling it is marked failed
//
// There is no busy-looping inside a drain pass: a transient failure waits
// for the next trigger rather than retrying inline.
package syncer
