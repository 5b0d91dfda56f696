package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/pipectl/internal/core/effects"
	"github.com/example/pipectl/internal/core/phase"
	"github.com/example/pipectl/internal/ctxutil"
	"github.com/example/pipectl/internal/ports/primary"
	"github.com/example/pipectl/internal/ports/secondary"
)

// recordingSyncer captures dispatched effect lists.
type recordingSyncer struct {
	mu      sync.Mutex
	applied [][]effects.TagEffect
	err     error
}

func (r *recordingSyncer) Apply(ctx context.Context, entityID, externalRef string, effs []effects.TagEffect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, effs)
	return r.err
}

func newTestWorkflowService(repo *mockEntityRepository, syncer SyncApplier) *WorkflowServiceImpl {
	svc := NewWorkflowService(repo, phase.Default, syncer)
	svc.newBackoff = noBackoff
	return svc
}

func createEntity(t *testing.T, svc *WorkflowServiceImpl, entityID, externalRef string) *primary.Entity {
	t.Helper()

	e, err := svc.CreateEntity(context.Background(), primary.CreateEntityRequest{
		EntityID:    entityID,
		ExternalRef: externalRef,
	})
	if err != nil {
		t.Fatalf("CreateEntity(%s) returned error: %v", entityID, err)
	}
	return e
}

func transition(t *testing.T, svc *WorkflowServiceImpl, entityID, target string) *primary.Entity {
	t.Helper()

	res, err := svc.Transition(context.Background(), primary.TransitionRequest{
		EntityID:    entityID,
		TargetPhase: target,
	})
	if err != nil {
		t.Fatalf("Transition(%s -> %s) returned error: %v", entityID, target, err)
	}
	return res.Entity
}

func TestCreateEntity(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	e := createEntity(t, svc, "E1", "42")

	if e.Phase != "queued" {
		t.Errorf("phase = %s, want queued", e.Phase)
	}
	if e.Version != 1 {
		t.Errorf("version = %d, want 1", e.Version)
	}
	if len(e.History) != 0 {
		t.Errorf("history length = %d, want 0", len(e.History))
	}
}

func TestCreateEntityDuplicate(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	createEntity(t, svc, "E1", "42")

	_, err := svc.CreateEntity(context.Background(), primary.CreateEntityRequest{EntityID: "E1", ExternalRef: "43"})
	if !errors.Is(err, secondary.ErrAlreadyExists) {
		t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateEntityValidation(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	if _, err := svc.CreateEntity(context.Background(), primary.CreateEntityRequest{ExternalRef: "42"}); err == nil {
		t.Error("CreateEntity without entity_id should fail")
	}
	if _, err := svc.CreateEntity(context.Background(), primary.CreateEntityRequest{EntityID: "E1"}); err == nil {
		t.Error("CreateEntity without external_ref should fail")
	}
}

func TestTransitionHappyPath(t *testing.T) {
	syncer := &recordingSyncer{}
	svc := newTestWorkflowService(newMockEntityRepository(), syncer)

	createEntity(t, svc, "E1", "42")
	e := transition(t, svc, "E1", "intake")

	if e.Phase != "intake" {
		t.Errorf("phase = %s, want intake", e.Phase)
	}
	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
	if len(e.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(e.History))
	}
	h := e.History[0]
	if h.FromPhase != "queued" || h.ToPhase != "intake" || h.VersionAfter != 2 {
		t.Errorf("unexpected history record: %+v", h)
	}

	if len(syncer.applied) != 1 {
		t.Fatalf("syncer received %d effect lists, want 1", len(syncer.applied))
	}
	want := []effects.TagEffect{effects.RemoveTag("phase:queued"), effects.AddTag("phase:intake")}
	for i, eff := range want {
		if syncer.applied[0][i] != eff {
			t.Errorf("effect[%d] = %v, want %v", i, syncer.applied[0][i], eff)
		}
	}
}

func TestTransitionActorFromContext(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	createEntity(t, svc, "E1", "42")

	ctx := ctxutil.WithActor(context.Background(), "qa-bot")
	res, err := svc.Transition(ctx, primary.TransitionRequest{
		EntityID:    "E1",
		TargetPhase: "intake",
	})
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if res.Entity.History[0].Actor != "qa-bot" {
		t.Errorf("actor = %q, want qa-bot (from context)", res.Entity.History[0].Actor)
	}

	// An explicit actor wins over the ambient one.
	res, err = svc.Transition(ctx, primary.TransitionRequest{
		EntityID:    "E1",
		TargetPhase: "spec_created",
		Actor:       "alice",
	})
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if res.Entity.History[1].Actor != "alice" {
		t.Errorf("actor = %q, want alice (explicit)", res.Entity.History[1].Actor)
	}
}

func TestTransitionIllegalEdge(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	createEntity(t, svc, "E1", "42")
	transition(t, svc, "E1", "intake")
	transition(t, svc, "E1", "spec_created")

	before, _ := svc.GetEntity(context.Background(), "E1")

	_, err := svc.Transition(context.Background(), primary.TransitionRequest{
		EntityID:    "E1",
		TargetPhase: "implementing",
	})
	if !errors.Is(err, phase.ErrIllegalTransition) {
		t.Fatalf("Transition(spec_created -> implementing) = %v, want ErrIllegalTransition", err)
	}

	// Rejected attempt leaves the entity untouched.
	after, _ := svc.GetEntity(context.Background(), "E1")
	if after.Version != before.Version || len(after.History) != len(before.History) {
		t.Errorf("rejected transition mutated entity: version %d -> %d, history %d -> %d",
			before.Version, after.Version, len(before.History), len(after.History))
	}
}

func TestTransitionFromTerminalPhase(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	createEntity(t, svc, "E1", "42")
	transition(t, svc, "E1", "failed")

	for _, target := range []string{"intake", "implementing", "queued"} {
		_, err := svc.Transition(context.Background(), primary.TransitionRequest{
			EntityID:    "E1",
			TargetPhase: target,
		})
		if !errors.Is(err, phase.ErrTerminalPhase) {
			t.Errorf("Transition(failed -> %s) = %v, want ErrTerminalPhase", target, err)
		}
	}
}

func TestTransitionUnknownPhase(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	createEntity(t, svc, "E1", "42")

	_, err := svc.Transition(context.Background(), primary.TransitionRequest{
		EntityID:    "E1",
		TargetPhase: "shipping",
	})
	if !errors.Is(err, phase.ErrUnknownPhase) {
		t.Errorf("Transition to undeclared phase = %v, want ErrUnknownPhase", err)
	}
}

func TestTransitionEntityNotFound(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	_, err := svc.Transition(context.Background(), primary.TransitionRequest{
		EntityID:    "MISSING",
		TargetPhase: "intake",
	})
	if !errors.Is(err, secondary.ErrNotFound) {
		t.Errorf("Transition on missing entity = %v, want ErrNotFound", err)
	}
}

func TestTransitionVersionMonotonic(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	createEntity(t, svc, "E1", "42")
	steps := []string{"intake", "spec_created", "planning", "plan_review", "plan_approved"}
	var e *primary.Entity
	for _, step := range steps {
		e = transition(t, svc, "E1", step)
	}

	if e.Version != int64(len(steps))+1 {
		t.Errorf("version = %d, want %d", e.Version, len(steps)+1)
	}
	if len(e.History) != len(steps) {
		t.Fatalf("history length = %d, want %d", len(e.History), len(steps))
	}
	for i, h := range e.History {
		if h.VersionAfter != int64(i)+2 {
			t.Errorf("history[%d].version_after = %d, want %d", i, h.VersionAfter, i+2)
		}
	}
	if e.History[len(e.History)-1].ToPhase != e.Phase {
		t.Errorf("last history to_phase %s != phase %s", e.History[len(e.History)-1].ToPhase, e.Phase)
	}
}

func TestConcurrentTransitionsSameVersion(t *testing.T) {
	repo := newMockEntityRepository()
	svc := newTestWorkflowService(repo, nil)

	createEntity(t, svc, "E2", "7")
	for _, step := range []string{"intake", "spec_created", "plan_review"} {
		transition(t, svc, "E2", step)
	}
	// Both callers now see version 4, phase plan_review.

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Transition(context.Background(), primary.TransitionRequest{
				EntityID:    "E2",
				TargetPhase: "plan_approved",
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	var wins, illegals int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, phase.ErrIllegalTransition):
			// Loser re-read phase plan_approved; self-loop is not declared.
			illegals++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || illegals != 1 {
		t.Errorf("wins = %d, illegal = %d; want exactly one of each", wins, illegals)
	}

	// No duplicate history entries.
	e, err := svc.GetEntity(context.Background(), "E2")
	if err != nil {
		t.Fatalf("GetEntity returned error: %v", err)
	}
	if e.Version != 5 {
		t.Errorf("version = %d, want 5", e.Version)
	}
	if len(e.History) != 4 {
		t.Errorf("history length = %d, want 4", len(e.History))
	}
	if e.Phase != "plan_approved" {
		t.Errorf("phase = %s, want plan_approved", e.Phase)
	}
}

func TestTransitionRetriesAfterConflict(t *testing.T) {
	syncer := &recordingSyncer{}
	repo := newMockEntityRepository()
	svc := newTestWorkflowService(repo, syncer)

	createEntity(t, svc, "E1", "42")

	// First CAS attempt loses the race; the re-read state is unchanged
	// and the edge still legal, so the retry commits.
	repo.casConflicts = 1

	result, err := svc.Transition(context.Background(), primary.TransitionRequest{
		EntityID:    "E1",
		TargetPhase: "intake",
		Actor:       "alice",
	})
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}

	e := result.Entity
	if e.Phase != "intake" || e.Version != 2 {
		t.Errorf("committed entity phase=%s version=%d, want intake/2", e.Phase, e.Version)
	}
	if len(e.History) != 1 {
		t.Fatalf("history length = %d, want 1 (no duplicate commit)", len(e.History))
	}
	if e.History[0].VersionAfter != 2 || e.History[0].Actor != "alice" {
		t.Errorf("unexpected history record: %+v", e.History[0])
	}
	if repo.casCalls != 2 {
		t.Errorf("CAS attempts = %d, want 2", repo.casCalls)
	}
	if len(syncer.applied) != 1 {
		t.Errorf("sync dispatches = %d, want 1", len(syncer.applied))
	}
}

func TestTransitionTooManyConflicts(t *testing.T) {
	repo := newMockEntityRepository()
	svc := newTestWorkflowService(repo, nil)

	createEntity(t, svc, "E1", "42")
	repo.casErr = secondary.ErrVersionConflict

	_, err := svc.Transition(context.Background(), primary.TransitionRequest{
		EntityID:    "E1",
		TargetPhase: "intake",
	})
	if !errors.Is(err, ErrTooManyConflicts) {
		t.Fatalf("Transition = %v, want ErrTooManyConflicts", err)
	}
	if repo.casCalls != defaultMaxAttempts {
		t.Errorf("CAS attempts = %d, want %d", repo.casCalls, defaultMaxAttempts)
	}
}

func TestTransitionSyncFailureVisibleInEntity(t *testing.T) {
	repo := newMockEntityRepository()
	tags := newMockTagClient()
	tags.failuresLeft = 10
	tags.failErr = errors.New("403 forbidden")

	svc := newTestWorkflowService(repo, newTestSyncService(repo, tags))

	createEntity(t, svc, "E1", "42")

	res, err := svc.Transition(context.Background(), primary.TransitionRequest{
		EntityID:    "E1",
		TargetPhase: "intake",
	})
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if res.SyncErr == nil {
		t.Fatal("expected SyncErr")
	}

	// The committed entity in the result carries the recorded failure,
	// so callers see it without a second lookup.
	e := res.Entity
	if e.Phase != "intake" || e.Version < 2 {
		t.Errorf("commit not reflected: phase=%s version=%d", e.Phase, e.Version)
	}
	if e.Error == nil || e.Error.Step != "sync" {
		t.Fatalf("error slot not surfaced: %+v", e.Error)
	}
}

func TestTransitionSyncFailureDoesNotRollBack(t *testing.T) {
	syncer := &recordingSyncer{err: errors.New("label service down")}
	svc := newTestWorkflowService(newMockEntityRepository(), syncer)

	createEntity(t, svc, "E1", "42")

	res, err := svc.Transition(context.Background(), primary.TransitionRequest{
		EntityID:    "E1",
		TargetPhase: "intake",
	})
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if res.SyncErr == nil {
		t.Error("expected SyncErr to be set")
	}
	if res.Entity.Phase != "intake" || res.Entity.Version != 2 {
		t.Errorf("commit not retained: phase=%s version=%d", res.Entity.Phase, res.Entity.Version)
	}
}

func TestUpdateDetail(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	createEntity(t, svc, "E1", "42")

	e, err := svc.UpdateDetail(context.Background(), "E1", "triage notes attached")
	if err != nil {
		t.Fatalf("UpdateDetail returned error: %v", err)
	}
	if e.PhaseDetail != "triage notes attached" {
		t.Errorf("phase_detail = %q", e.PhaseDetail)
	}
	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
	if len(e.History) != 0 {
		t.Errorf("history length = %d, want 0 (detail is not phase-affecting)", len(e.History))
	}
}

func TestSetErrorIncrementsRetryCountPerStep(t *testing.T) {
	repo := newMockEntityRepository()
	svc := newTestWorkflowService(repo, nil)

	createEntity(t, svc, "E1", "42")

	e, err := svc.SetError(context.Background(), "E1", "spec lint failed", "intake")
	if err != nil {
		t.Fatalf("SetError returned error: %v", err)
	}
	if e.Error == nil || e.Error.Message != "spec lint failed" || e.Error.Step != "intake" {
		t.Fatalf("error slot = %+v", e.Error)
	}
	if e.Error.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", e.Error.RetryCount)
	}
	if e.Version != 2 {
		t.Errorf("version = %d, want 2", e.Version)
	}
	if len(e.History) != 0 {
		t.Errorf("history length = %d, want 0", len(e.History))
	}

	e, err = svc.SetError(context.Background(), "E1", "spec lint failed again", "intake")
	if err != nil {
		t.Fatalf("SetError returned error: %v", err)
	}
	if e.Error.RetryCount != 2 {
		t.Errorf("same-step retry_count = %d, want 2", e.Error.RetryCount)
	}

	e, err = svc.SetError(context.Background(), "E1", "push rejected", "pr")
	if err != nil {
		t.Fatalf("SetError returned error: %v", err)
	}
	if e.Error.RetryCount != 1 {
		t.Errorf("new-step retry_count = %d, want 1", e.Error.RetryCount)
	}

	if _, err := svc.SetError(context.Background(), "E1", "", "pr"); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestClearError(t *testing.T) {
	repo := newMockEntityRepository()
	svc := newTestWorkflowService(repo, nil)

	createEntity(t, svc, "E1", "42")
	_, err := repo.CompareAndSwap(context.Background(), "E1", 1, func(cur *secondary.EntityRecord) (*secondary.TransitionRecord, error) {
		cur.Error = &secondary.ErrorRecord{Message: "boom", Step: "sync", RetryCount: 2}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("seeding error slot failed: %v", err)
	}

	e, err := svc.ClearError(context.Background(), "E1")
	if err != nil {
		t.Fatalf("ClearError returned error: %v", err)
	}
	if e.Error != nil {
		t.Errorf("error slot not cleared: %+v", e.Error)
	}
	if e.Version != 3 {
		t.Errorf("version = %d, want 3", e.Version)
	}
}

func TestListEntitiesByPhase(t *testing.T) {
	svc := newTestWorkflowService(newMockEntityRepository(), nil)

	createEntity(t, svc, "E1", "1")
	createEntity(t, svc, "E2", "2")
	transition(t, svc, "E2", "intake")

	queued, err := svc.ListEntities(context.Background(), primary.EntityFilters{Phase: "queued"})
	if err != nil {
		t.Fatalf("ListEntities returned error: %v", err)
	}
	if len(queued) != 1 || queued[0].EntityID != "E1" {
		t.Errorf("ListEntities(queued) = %v", queued)
	}
}
