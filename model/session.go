package model

import (
	"errors"
	"time"

	"github.com/pitabwire/dealdesk/reconcile"
)

// OperationState is the lifecycle of one asynchronous action.
type OperationState string

const (
	OperationIdle      OperationState = "idle"
	OperationInFlight  OperationState = "in_flight"
	OperationSucceeded OperationState = "succeeded"
	OperationFailed    OperationState = "failed"
)

// Named asynchronous actions tracked per session.
const (
	OpSave   = "save"
	OpReload = "reload"
)

// AsyncOperation tracks one asynchronous action independently of others.
type AsyncOperation struct {
	State      OperationState `json:"state"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// EditSession is the persisted state of one entity being edited.
type EditSession struct {
	ID         string                    `json:"id"`
	EntityType string                    `json:"entity_type"`
	EntityID   string                    `json:"entity_id"`
	TenantID   string                    `json:"tenant_id"`
	SubjectID  string                    `json:"subject_id"`
	Timezone   string                    `json:"timezone"`
	Baseline   reconcile.State           `json:"baseline"`
	Working    reconcile.State           `json:"working"`
	Operations map[string]AsyncOperation `json:"operations"`
	Version    int                       `json:"version"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// IsNew reports whether the entity has not been created on the backend yet.
func (s *EditSession) IsNew() bool {
	return s.EntityID == ""
}

// Operation returns the named operation, idle if it never ran.
func (s *EditSession) Operation(name string) AsyncOperation {
	if op, ok := s.Operations[name]; ok {
		return op
	}
	return AsyncOperation{State: OperationIdle}
}

// StartOperation marks the named operation in flight.
func (s *EditSession) StartOperation(name string, now time.Time) {
	s.setOperation(name, AsyncOperation{State: OperationInFlight, StartedAt: &now})
}

// FinishOperation records the outcome of the named operation. A nil err
// marks it succeeded.
func (s *EditSession) FinishOperation(name string, err error, now time.Time) {
	op := s.Operation(name)
	op.FinishedAt = &now
	op.State = OperationSucceeded
	op.Error = ""
	if err != nil {
		op.State = OperationFailed
		op.Error = err.Error()
		var env *ErrorEnvelope
		if errors.As(err, &env) {
			op.Error = env.Message
		}
	}
	s.setOperation(name, op)
}

func (s *EditSession) setOperation(name string, op AsyncOperation) {
	if s.Operations == nil {
		s.Operations = make(map[string]AsyncOperation)
	}
	s.Operations[name] = op
}

// SessionView is the session as returned to the UI.
type SessionView struct {
	ID          string           `json:"id"`
	EntityType  string           `json:"entity_type"`
	EntityID    string           `json:"entity_id,omitempty"`
	Status      reconcile.Status `json:"status"`
	HasChanges  bool             `json:"has_changes"`
	DirtyFields []string         `json:"dirty_fields"`
	// UnsendableFields are dirty fields no save can send, such as a
	// required date that was cleared. They stay dirty until edited again
	// or reset.
	UnsendableFields []string                  `json:"unsendable_fields"`
	Values           map[string]any            `json:"values"`
	Operations       map[string]AsyncOperation `json:"operations"`
	Version          int                       `json:"version"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// SessionSummary is a compact listing entry.
type SessionSummary struct {
	ID         string           `json:"id"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id,omitempty"`
	Status     reconcile.Status `json:"status"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// SessionFilters narrows a session listing.
type SessionFilters struct {
	EntityType string `json:"entity_type,omitempty"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
}

// FieldChange describes one dirty field for a review screen.
type FieldChange struct {
	Field  string      `json:"field"`
	Kind   string      `json:"kind"`
	Label  string      `json:"label,omitempty"`
	Before any         `json:"before"`
	After  any         `json:"after"`
	Diff   []DiffChunk `json:"diff,omitempty"`
}

// DiffChunk is one run of a text diff. Op is "equal", "insert" or "delete".
type DiffChunk struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

// SaveResult reports the outcome of a save. Skipped is set when there was
// nothing to send and no backend call was made. A skipped save of a dirty
// session lists the reason in Session.UnsendableFields.
type SaveResult struct {
	Saved   bool            `json:"saved"`
	Skipped bool            `json:"skipped"`
	Patch   reconcile.Patch `json:"patch"`
	Session SessionView     `json:"session"`
}
