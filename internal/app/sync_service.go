package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/pipectl/internal/core/effects"
	"github.com/example/pipectl/internal/core/phase"
	"github.com/example/pipectl/internal/ports/primary"
	"github.com/example/pipectl/internal/ports/secondary"
)

// ErrSyncFailed is returned when the external tag system could not be
// brought in line with the committed phase. The commit itself stands;
// reconciliation can be re-invoked at any time.
var ErrSyncFailed = errors.New("sync failed")

// syncStep names the error-slot step for tag sync failures.
const syncStep = "sync"

// syncMaxElapsed bounds the transient-retry window per effect.
const syncMaxElapsed = 30 * time.Second

// SyncServiceImpl implements SyncService and SyncApplier. It is a pure
// downstream reflector: it reads the ledger and writes the external tag
// system, never the other way around.
type SyncServiceImpl struct {
	entityRepo secondary.EntityRepository
	tags       secondary.TagClient
	machine    *phase.Machine
	newBackoff func() backoff.BackOff
	now        func() time.Time
}

// NewSyncService creates a new SyncService with injected dependencies.
func NewSyncService(
	entityRepo secondary.EntityRepository,
	tags secondary.TagClient,
	machine *phase.Machine,
) *SyncServiceImpl {
	return &SyncServiceImpl{
		entityRepo: entityRepo,
		tags:       tags,
		machine:    machine,
		newBackoff: newSyncBackoff,
		now:        time.Now,
	}
}

func newSyncBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = syncMaxElapsed
	return bo
}

// Apply applies a committed transition's effect list to the external
// object. Transient failures are retried with exponential backoff; a
// terminal failure is recorded in the entity's error slot and surfaced as
// ErrSyncFailed.
func (s *SyncServiceImpl) Apply(ctx context.Context, entityID, externalRef string, effs []effects.TagEffect) error {
	if err := s.applyEffects(ctx, externalRef, effs); err != nil {
		s.recordFailure(ctx, entityID, err)
		return fmt.Errorf("%w: entity %s: %v", ErrSyncFailed, entityID, err)
	}
	s.clearSyncFailure(ctx, entityID)
	return nil
}

// Reconcile recomputes the desired tag set from the entity's current phase
// and applies it, independent of any transition. Only tags this system
// projects are touched; foreign tags on the external object stay put.
func (s *SyncServiceImpl) Reconcile(ctx context.Context, entityID string) (*primary.Entity, error) {
	rec, err := s.entityRepo.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}

	current, err := s.listWithRetry(ctx, rec.ExternalRef)
	if err != nil {
		s.recordFailure(ctx, entityID, err)
		return nil, fmt.Errorf("%w: entity %s: %v", ErrSyncFailed, entityID, err)
	}

	desired := make(map[string]bool)
	for _, tag := range s.machine.DesiredTags(phase.Phase(rec.Phase)) {
		desired[tag] = true
	}
	owned := make(map[string]bool)
	for _, tag := range s.machine.ProjectedTags() {
		owned[tag] = true
	}

	var effs []effects.TagEffect
	present := make(map[string]bool, len(current))
	for _, tag := range current {
		present[tag] = true
		if owned[tag] && !desired[tag] {
			effs = append(effs, effects.RemoveTag(tag))
		}
	}
	for tag := range desired {
		if !present[tag] {
			effs = append(effs, effects.AddTag(tag))
		}
	}

	if err := s.applyEffects(ctx, rec.ExternalRef, effs); err != nil {
		s.recordFailure(ctx, entityID, err)
		return nil, fmt.Errorf("%w: entity %s: %v", ErrSyncFailed, entityID, err)
	}

	s.clearSyncFailure(ctx, entityID)

	rec, err = s.entityRepo.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return recordToEntity(rec), nil
}

// applyEffects runs each effect with transient-failure retry. Effects are
// idempotent, so re-running a partially applied list is safe.
func (s *SyncServiceImpl) applyEffects(ctx context.Context, externalRef string, effs []effects.TagEffect) error {
	for _, eff := range effs {
		op := func() error {
			var err error
			switch eff.Op {
			case effects.OpAdd:
				err = s.tags.AddTag(ctx, externalRef, eff.Tag)
			case effects.OpRemove:
				err = s.tags.RemoveTag(ctx, externalRef, eff.Tag)
			default:
				return backoff.Permanent(fmt.Errorf("unknown effect op %q", eff.Op))
			}
			if err != nil && !errors.Is(err, secondary.ErrTransient) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncServiceImpl) listWithRetry(ctx context.Context, externalRef string) ([]string, error) {
	var tags []string
	op := func() error {
		var err error
		tags, err = s.tags.ListTags(ctx, externalRef)
		if err != nil && !errors.Is(err, secondary.ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		return nil, err
	}
	return tags, nil
}

// recordFailure writes the sync failure into the entity's error slot so a
// later reconciliation has a durable trail. Best effort: the sync error is
// already surfaced to the caller.
func (s *SyncServiceImpl) recordFailure(ctx context.Context, entityID string, cause error) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.entityRepo.GetByID(ctx, entityID)
		if err != nil {
			return
		}
		retryCount := 1
		if rec.Error != nil && rec.Error.Step == syncStep {
			retryCount = rec.Error.RetryCount + 1
		}
		_, err = s.entityRepo.CompareAndSwap(ctx, entityID, rec.Version, func(cur *secondary.EntityRecord) (*secondary.TransitionRecord, error) {
			cur.Error = &secondary.ErrorRecord{
				Message:    cause.Error(),
				Step:       syncStep,
				RetryCount: retryCount,
				Timestamp:  s.now().UTC().Format(time.RFC3339),
			}
			return nil, nil
		})
		if !errors.Is(err, secondary.ErrVersionConflict) {
			return
		}
	}
}

// clearSyncFailure clears a previously recorded sync failure once the
// external state is back in line. Errors set by other steps are left
// alone; clearing those is the caller's explicit decision.
func (s *SyncServiceImpl) clearSyncFailure(ctx context.Context, entityID string) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.entityRepo.GetByID(ctx, entityID)
		if err != nil {
			return
		}
		if rec.Error == nil || rec.Error.Step != syncStep {
			return
		}
		_, err = s.entityRepo.CompareAndSwap(ctx, entityID, rec.Version, func(cur *secondary.EntityRecord) (*secondary.TransitionRecord, error) {
			cur.Error = nil
			return nil, nil
		})
		if !errors.Is(err, secondary.ErrVersionConflict) {
			return
		}
	}
}

var _ primary.SyncService = (*SyncServiceImpl)(nil)
