// Package app implements the primary ports: the transition coordinator and
// the external sync service.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/pipectl/internal/core/effects"
	"github.com/example/pipectl/internal/core/phase"
	"github.com/example/pipectl/internal/ctxutil"
	"github.com/example/pipectl/internal/ports/primary"
	"github.com/example/pipectl/internal/ports/secondary"
)

// ErrTooManyConflicts is returned when a transition keeps losing the CAS
// race past the retry bound.
var ErrTooManyConflicts = errors.New("too many version conflicts")

// defaultMaxAttempts bounds the CAS retry loop.
const defaultMaxAttempts = 5

// SyncApplier receives the effect list of a committed transition. Failure
// to apply never rolls the commit back; effects are idempotent and may be
// re-applied by reconciliation.
type SyncApplier interface {
	Apply(ctx context.Context, entityID, externalRef string, effs []effects.TagEffect) error
}

// WorkflowServiceImpl implements the WorkflowService interface. It is the
// transition coordinator: read, validate, compare-and-swap, retry on
// conflict with jittered backoff, then hand effects to the sync layer.
type WorkflowServiceImpl struct {
	entityRepo  secondary.EntityRepository
	machine     *phase.Machine
	syncer      SyncApplier
	maxAttempts int
	newBackoff  func() backoff.BackOff
}

// NewWorkflowService creates a new WorkflowService with injected
// dependencies. syncer may be nil when no downstream sync is wired.
func NewWorkflowService(
	entityRepo secondary.EntityRepository,
	machine *phase.Machine,
	syncer SyncApplier,
) *WorkflowServiceImpl {
	return &WorkflowServiceImpl{
		entityRepo:  entityRepo,
		machine:     machine,
		syncer:      syncer,
		maxAttempts: defaultMaxAttempts,
		newBackoff:  newConflictBackoff,
	}
}

// newConflictBackoff returns the jittered backoff used between CAS
// attempts. BackOff implementations are stateful; always return a fresh
// instance.
func newConflictBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	return bo
}

// CreateEntity creates a new entity in the initial phase.
func (s *WorkflowServiceImpl) CreateEntity(ctx context.Context, req primary.CreateEntityRequest) (*primary.Entity, error) {
	if req.EntityID == "" {
		return nil, fmt.Errorf("entity_id is required")
	}
	if req.ExternalRef == "" {
		return nil, fmt.Errorf("external_ref is required")
	}

	rec, err := s.entityRepo.Create(ctx, &secondary.EntityRecord{
		EntityID:    req.EntityID,
		ExternalRef: req.ExternalRef,
		Phase:       string(phase.Initial),
	})
	if err != nil {
		return nil, err
	}

	return recordToEntity(rec), nil
}

// GetEntity retrieves an entity with its full history.
func (s *WorkflowServiceImpl) GetEntity(ctx context.Context, entityID string) (*primary.Entity, error) {
	rec, err := s.entityRepo.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return recordToEntity(rec), nil
}

// ListEntities lists entity summaries with optional filters.
func (s *WorkflowServiceImpl) ListEntities(ctx context.Context, filters primary.EntityFilters) ([]*primary.Entity, error) {
	recs, err := s.entityRepo.List(ctx, secondary.EntityFilters{
		Phase: filters.Phase,
		Limit: filters.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*primary.Entity, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToEntity(rec))
	}
	return out, nil
}

// Transition requests a phase transition. The expected version is captured
// at read time; on conflict the loop re-reads and re-validates against the
// new state, so a transition that became illegal after losing the race
// fails with the validation error, not a conflict.
func (s *WorkflowServiceImpl) Transition(ctx context.Context, req primary.TransitionRequest) (*primary.TransitionResult, error) {
	target, err := phase.Parse(req.TargetPhase)
	if err != nil {
		return nil, err
	}

	actor := req.Actor
	if actor == "" {
		actor = ctxutil.ActorFromContext(ctx)
	}

	var committed *secondary.EntityRecord
	var effs []effects.TagEffect
	bo := s.newBackoff()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err := s.entityRepo.GetByID(ctx, req.EntityID)
		if err != nil {
			return nil, err
		}

		effs, err = s.machine.Validate(phase.Phase(rec.Phase), target)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", req.EntityID, err)
		}

		committed, err = s.entityRepo.CompareAndSwap(ctx, req.EntityID, rec.Version, func(cur *secondary.EntityRecord) (*secondary.TransitionRecord, error) {
			from := cur.Phase
			cur.Phase = string(target)
			if req.Detail != "" {
				cur.PhaseDetail = req.Detail
			}
			return &secondary.TransitionRecord{
				FromPhase: from,
				ToPhase:   string(target),
				Detail:    req.Detail,
				Actor:     actor,
			}, nil
		})
		if errors.Is(err, secondary.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	if committed == nil {
		return nil, fmt.Errorf("%w: entity %s: gave up after %d attempts",
			ErrTooManyConflicts, req.EntityID, s.maxAttempts)
	}

	result := &primary.TransitionResult{Entity: recordToEntity(committed)}
	if s.syncer != nil {
		if serr := s.syncer.Apply(ctx, committed.EntityID, committed.ExternalRef, effs); serr != nil {
			result.SyncErr = serr
			// The sync layer records its failure in the error slot;
			// re-read so the returned entity carries it.
			if fresh, rerr := s.entityRepo.GetByID(ctx, committed.EntityID); rerr == nil {
				result.Entity = recordToEntity(fresh)
			}
		}
	}
	return result, nil
}

// UpdateDetail replaces the phase detail. Versioned, no history record.
func (s *WorkflowServiceImpl) UpdateDetail(ctx context.Context, entityID, detail string) (*primary.Entity, error) {
	rec, err := s.mutateWithRetry(ctx, entityID, func(cur *secondary.EntityRecord) (*secondary.TransitionRecord, error) {
		cur.PhaseDetail = detail
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return recordToEntity(rec), nil
}

// SetError records a failure in the entity's error slot. Repeated failures
// of the same step increment the retry count; a different step resets it.
func (s *WorkflowServiceImpl) SetError(ctx context.Context, entityID, message, step string) (*primary.Entity, error) {
	if message == "" {
		return nil, fmt.Errorf("error message is required")
	}
	rec, err := s.mutateWithRetry(ctx, entityID, func(cur *secondary.EntityRecord) (*secondary.TransitionRecord, error) {
		retryCount := 1
		if cur.Error != nil && cur.Error.Step == step {
			retryCount = cur.Error.RetryCount + 1
		}
		cur.Error = &secondary.ErrorRecord{
			Message:    message,
			Step:       step,
			RetryCount: retryCount,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return recordToEntity(rec), nil
}

// ClearError explicitly clears the entity's error slot.
func (s *WorkflowServiceImpl) ClearError(ctx context.Context, entityID string) (*primary.Entity, error) {
	rec, err := s.mutateWithRetry(ctx, entityID, func(cur *secondary.EntityRecord) (*secondary.TransitionRecord, error) {
		cur.Error = nil
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return recordToEntity(rec), nil
}

// mutateWithRetry runs a non-phase mutation through the same bounded CAS
// loop as transitions.
func (s *WorkflowServiceImpl) mutateWithRetry(ctx context.Context, entityID string, mutate secondary.Mutator) (*secondary.EntityRecord, error) {
	bo := s.newBackoff()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err := s.entityRepo.GetByID(ctx, entityID)
		if err != nil {
			return nil, err
		}

		updated, err := s.entityRepo.CompareAndSwap(ctx, entityID, rec.Version, mutate)
		if errors.Is(err, secondary.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("%w: entity %s: gave up after %d attempts",
		ErrTooManyConflicts, entityID, s.maxAttempts)
}

// recordToEntity converts a stored record to the caller-facing view.
func recordToEntity(rec *secondary.EntityRecord) *primary.Entity {
	e := &primary.Entity{
		EntityID:    rec.EntityID,
		ExternalRef: rec.ExternalRef,
		Phase:       rec.Phase,
		PhaseDetail: rec.PhaseDetail,
		Version:     rec.Version,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		History:     make([]primary.TransitionEntry, 0, len(rec.History)),
	}
	if rec.Error != nil {
		e.Error = &primary.EntityError{
			Message:    rec.Error.Message,
			Step:       rec.Error.Step,
			RetryCount: rec.Error.RetryCount,
			Timestamp:  rec.Error.Timestamp,
		}
	}
	for _, h := range rec.History {
		e.History = append(e.History, primary.TransitionEntry{
			FromPhase:    h.FromPhase,
			ToPhase:      h.ToPhase,
			Detail:       h.Detail,
			Actor:        h.Actor,
			Timestamp:    h.Timestamp,
			VersionAfter: h.VersionAfter,
		})
	}
	return e
}

var _ primary.WorkflowService = (*WorkflowServiceImpl)(nil)
