// Package secondary defines the secondary ports (driven adapters) for the
// application. These are the interfaces through which the application
// drives external systems: the ledger store and the external tag system.
package secondary

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyExists is returned when creating an entity whose ID is
	// already present in the ledger.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrNotFound is returned when an entity ID is absent from the ledger.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version no longer matches the expected version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStorageIO is returned when the persistence substrate itself
	// fails. Fatal for the current request only.
	ErrStorageIO = errors.New("storage failure")
)

// Mutator produces the next entity state from the current one. It may
// change Phase, PhaseDetail and Error, and returns a transition record to
// append to the history - nil for mutations that do not affect the phase.
// Version, History and timestamps are owned by the repository.
type Mutator func(rec *EntityRecord) (*TransitionRecord, error)

// EntityRepository defines the secondary port for ledger persistence.
// The snapshot plus its appended history is the single source of truth;
// a reader must never observe a snapshot that disagrees with the last
// history record.
type EntityRepository interface {
	// Create persists a new entity at version 1 with empty history.
	// Returns ErrAlreadyExists if the ID is taken.
	Create(ctx context.Context, rec *EntityRecord) (*EntityRecord, error)

	// GetByID retrieves an entity with its full history.
	// Returns ErrNotFound if absent.
	GetByID(ctx context.Context, entityID string) (*EntityRecord, error)

	// CompareAndSwap applies mutate to the stored entity if and only if
	// its version still equals expectedVersion, appends the returned
	// transition record (if any), increments the version by exactly one
	// and persists snapshot plus history atomically. Returns
	// ErrVersionConflict if the version moved; a failed attempt never
	// consumes a version number.
	CompareAndSwap(ctx context.Context, entityID string, expectedVersion int64, mutate Mutator) (*EntityRecord, error)

	// List retrieves entity summaries matching the given filters,
	// without history, ordered by entity ID.
	List(ctx context.Context, filters EntityFilters) ([]*EntityRecord, error)
}

// EntityRecord represents a workflow entity as stored in the ledger.
type EntityRecord struct {
	EntityID    string
	ExternalRef string
	Phase       string
	PhaseDetail string
	Version     int64
	Error       *ErrorRecord
	CreatedAt   string
	UpdatedAt   string
	History     []*TransitionRecord
}

// TransitionRecord is one immutable entry of an entity's history.
type TransitionRecord struct {
	FromPhase    string
	ToPhase      string
	Detail       string
	Actor        string
	Timestamp    string
	VersionAfter int64
}

// ErrorRecord is the optional error slot on an entity. It is set and
// cleared explicitly, never silently dropped.
type ErrorRecord struct {
	Message    string
	Step       string
	RetryCount int
	Timestamp  string
}

// EntityFilters contains filter options for querying entities.
type EntityFilters struct {
	Phase string
	Limit int
}
