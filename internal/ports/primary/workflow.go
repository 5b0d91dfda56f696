// Package primary defines the primary ports (driving adapters) for the
// application: the transition API any orchestration caller consumes.
package primary

import "context"

// WorkflowService defines the primary port for entity phase operations.
type WorkflowService interface {
	// CreateEntity creates a new entity in the initial phase.
	CreateEntity(ctx context.Context, req CreateEntityRequest) (*Entity, error)

	// GetEntity retrieves an entity with its full history.
	GetEntity(ctx context.Context, entityID string) (*Entity, error)

	// ListEntities lists entity summaries with optional filters.
	ListEntities(ctx context.Context, filters EntityFilters) ([]*Entity, error)

	// Transition requests a phase transition. Version conflicts are
	// retried internally against the re-read state; only retry
	// exhaustion surfaces.
	Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error)

	// UpdateDetail replaces the free-form phase detail without a phase
	// change. Versioned, no history record.
	UpdateDetail(ctx context.Context, entityID, detail string) (*Entity, error)

	// SetError records a failure in the entity's error slot. Setting the
	// same step again increments its retry count.
	SetError(ctx context.Context, entityID, message, step string) (*Entity, error)

	// ClearError explicitly clears the entity's error slot.
	ClearError(ctx context.Context, entityID string) (*Entity, error)
}

// SyncService defines the primary port for external tag reconciliation.
type SyncService interface {
	// Reconcile recomputes the desired tag set from the entity's
	// current phase and applies it to the external object.
	Reconcile(ctx context.Context, entityID string) (*Entity, error)
}

// CreateEntityRequest contains parameters for creating an entity.
type CreateEntityRequest struct {
	EntityID    string
	ExternalRef string
}

// TransitionRequest contains parameters for a phase transition.
type TransitionRequest struct {
	EntityID    string
	TargetPhase string
	Actor       string // Optional
	Detail      string // Optional
}

// TransitionResult contains the committed entity plus the outcome of the
// downstream tag sync. A sync failure never rolls back the commit.
type TransitionResult struct {
	Entity  *Entity
	SyncErr error
}

// Entity is the caller-facing view of a workflow entity. The field set is
// the persisted layout: JSON-serializable, additive-change tolerant.
type Entity struct {
	EntityID    string            `json:"entity_id"`
	ExternalRef string            `json:"external_ref"`
	Phase       string            `json:"phase"`
	PhaseDetail string            `json:"phase_detail,omitempty"`
	Version     int64             `json:"version"`
	Error       *EntityError      `json:"error,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	History     []TransitionEntry `json:"history"`
}

// TransitionEntry is one immutable history entry.
type TransitionEntry struct {
	FromPhase    string `json:"from_phase"`
	ToPhase      string `json:"to_phase"`
	Detail       string `json:"detail,omitempty"`
	Actor        string `json:"actor,omitempty"`
	Timestamp    string `json:"timestamp"`
	VersionAfter int64  `json:"version_after"`
}

// EntityError is the optional error slot of an entity.
type EntityError struct {
	Message    string `json:"message"`
	Step       string `json:"step"`
	RetryCount int    `json:"retry_count"`
	Timestamp  string `json:"timestamp"`
}

// EntityFilters contains filter options for listing entities.
type EntityFilters struct {
	Phase string
	Limit int
}
