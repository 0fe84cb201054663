// Package action defines the pending action model for the boxkite offline
// queue. An action is one mutation (create, update, delete) against a
// backend-managed resource, recorded locally while the client is offline
// and replayed by the sync engine once connectivity returns.
package action

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Op is the kind of mutation an action performs.
type Op string

const (
	// OpCreate creates a new resource on the backend.
	OpCreate Op = "create"
	// OpUpdate replaces fields of an existing resource.
	OpUpdate Op = "update"
	// OpDelete removes a resource.
	OpDelete Op = "delete"
)

// Status is the delivery state of a queued action.
type Status string

const (
	// StatusPending means the action is waiting for delivery.
	StatusPending Status = "pending"
	// StatusInFlight means the sync engine is delivering the action right now.
	// At most one action is in flight at any time.
	StatusInFlight Status = "in_flight"
	// StatusFailed means delivery was rejected or the attempt ceiling was
	// reached. Failed actions stay in the queue until retried or discarded.
	StatusFailed Status = "failed"
)

// PendingAction is one queued mutation.
//
// ID is assigned by the queue store at enqueue time and is strictly
// increasing across the process lifetime, including restarts. Delivery
// order follows ascending ID.
type PendingAction struct {
	ID           int64     `json:"id"`
	ResourceKind string    `json:"resource_kind"`
	ResourceID   string    `json:"resource_id,omitempty"` // empty for create until assigned client-side
	Operation    Op        `json:"operation"`
	Payload      []byte    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	Status       Status    `json:"status"`
}

// Validate checks that the action is well-formed enough to enqueue.
func (a *PendingAction) Validate() error {
	if a.ResourceKind == "" {
		return fmt.Errorf("resource_kind is required")
	}
	switch a.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid operation %q", a.Operation)
	}
	if a.Operation != OpCreate && a.ResourceID == "" {
		return fmt.Errorf("resource_id is required for %s", a.Operation)
	}
	if a.Operation != OpDelete && len(a.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", a.Operation)
	}
	return nil
}

// Method returns the HTTP method used to deliver this action.
func (a *PendingAction) Method() string {
	switch a.Operation {
	case OpCreate:
		return http.MethodPost
	case OpUpdate:
		return http.MethodPut
	case OpDelete:
		return http.MethodDelete
	default:
		return ""
	}
}

// Route returns the backend route for this action, relative to the API base.
//
// Create posts to the collection; update and delete address the resource.
// Create actions carry a client-assigned resource ID so that later offline
// updates can reference a resource the backend has never seen.
func (a *PendingAction) Route() string {
	switch a.Operation {
	case OpCreate:
		return fmt.Sprintf("/api/v1/%ss", a.ResourceKind)
	default:
		return fmt.Sprintf("/api/v1/%ss/%s", a.ResourceKind, a.ResourceID)
	}
}

// ResourceKey identifies the target resource for ordering purposes.
// Actions sharing a key are never delivered out of enqueue order.
func (a *PendingAction) ResourceKey() string {
	return a.ResourceKind + "/" + a.ResourceID
}

// Marshal serializes the action for spool files and wire transfer.
func (a *PendingAction) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action: %w", err)
	}
	return data, nil
}

// Unmarshal parses a spool-file action. The ID and status fields of spooled
// actions are ignored; both are assigned at enqueue time.
func Unmarshal(data []byte) (*PendingAction, error) {
	var a PendingAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	a.ID = 0
	a.Status = StatusPending
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
