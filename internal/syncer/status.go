package syncer

import (
	"context"
	"time"
)

// Status is the read-only view of the sync engine consumed by the UI.
//
// Every field is derived on demand from the queue store, the connectivity
// monitor, and the engine's drain state; nothing here is cached mutable
// state with invariants of its own.
type Status struct {
	// IsOnline mirrors the connectivity monitor.
	IsOnline bool `json:"is_online"`

	// PendingActions is the live queue count. Failed actions still count
	// as pending so the UI keeps prompting user attention.
	PendingActions int `json:"pending_actions"`

	// IsSyncing is true exactly while a drain pass is running.
	IsSyncing bool `json:"is_syncing"`

	// LastSync is the human-readable summary of the most recent drain,
	// or "Not yet synced" before any drain has completed.
	LastSync string `json:"last_sync"`

	// LastSyncedAt is when the queue last drained completely.
	// Zero before the first fully successful drain.
	LastSyncedAt time.Time `json:"last_synced_at,omitzero"`

	// AuthRequired is true when the last drain aborted because the
	// backend rejected our identity. The UI should prompt re-login
	// rather than waiting for automatic retries.
	AuthRequired bool `json:"auth_required"`
}

// Status returns the current derived view.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	text := e.lastSyncText
	syncedAt := e.lastSyncedAt
	auth := e.authRequired
	e.mu.Unlock()

	return Status{
		IsOnline:       e.conn.IsOnline(),
		PendingActions: count,
		IsSyncing:      e.draining.Load(),
		LastSync:       text,
		LastSyncedAt:   syncedAt,
		AuthRequired:   auth,
	}, nil
}
