package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/pipectl/internal/ports/secondary"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// mockEntityRepository implements secondary.EntityRepository in memory with
// real compare-and-swap semantics, so concurrency tests exercise the same
// conflict behavior as the SQLite adapter.
type mockEntityRepository struct {
	mu       sync.Mutex
	entities map[string]*secondary.EntityRecord

	casErr       error // forced CAS failure, if set
	casConflicts int   // next N CAS calls lose the race with a version conflict
	getErr       error
	casCalls     int
}

func newMockEntityRepository() *mockEntityRepository {
	return &mockEntityRepository{entities: make(map[string]*secondary.EntityRecord)}
}

func cloneRecord(rec *secondary.EntityRecord) *secondary.EntityRecord {
	out := *rec
	if rec.Error != nil {
		e := *rec.Error
		out.Error = &e
	}
	out.History = make([]*secondary.TransitionRecord, len(rec.History))
	for i, h := range rec.History {
		c := *h
		out.History[i] = &c
	}
	return &out
}

func (m *mockEntityRepository) Create(ctx context.Context, rec *secondary.EntityRecord) (*secondary.EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[rec.EntityID]; ok {
		return nil, fmt.Errorf("%w: %s", secondary.ErrAlreadyExists, rec.EntityID)
	}

	stored := cloneRecord(rec)
	stored.Version = 1
	stored.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	stored.UpdatedAt = stored.CreatedAt
	m.entities[rec.EntityID] = stored

	return cloneRecord(stored), nil
}

func (m *mockEntityRepository) GetByID(ctx context.Context, entityID string) (*secondary.EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", secondary.ErrNotFound, entityID)
	}
	return cloneRecord(rec), nil
}

func (m *mockEntityRepository) CompareAndSwap(ctx context.Context, entityID string, expectedVersion int64, mutate secondary.Mutator) (*secondary.EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.casCalls++
	if m.casErr != nil {
		return nil, m.casErr
	}
	if m.casConflicts > 0 {
		m.casConflicts--
		return nil, fmt.Errorf("%w: entity %s lost the write race", secondary.ErrVersionConflict, entityID)
	}

	rec, ok := m.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", secondary.ErrNotFound, entityID)
	}
	if rec.Version != expectedVersion {
		return nil, fmt.Errorf("%w: entity %s is at version %d, expected %d",
			secondary.ErrVersionConflict, entityID, rec.Version, expectedVersion)
	}

	next := cloneRecord(rec)
	trec, err := mutate(next)
	if err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if trec != nil {
		trec.VersionAfter = next.Version
		trec.Timestamp = next.UpdatedAt
		next.History = append(next.History, trec)
	}
	m.entities[entityID] = next

	return cloneRecord(next), nil
}

func (m *mockEntityRepository) List(ctx context.Context, filters secondary.EntityFilters) ([]*secondary.EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*secondary.EntityRecord
	for _, rec := range m.entities {
		if filters.Phase != "" && rec.Phase != filters.Phase {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

// mockTagClient implements secondary.TagClient with set semantics per
// external ref, plus injectable failures.
type mockTagClient struct {
	mu   sync.Mutex
	tags map[string]map[string]bool // externalRef -> tag set

	addCalls    int
	removeCalls int
	listCalls   int

	// failuresLeft errors the next N mutating calls with failErr.
	failuresLeft int
	failErr      error
}

func newMockTagClient() *mockTagClient {
	return &mockTagClient{tags: make(map[string]map[string]bool)}
}

func (m *mockTagClient) nextErr() error {
	if m.failuresLeft > 0 {
		m.failuresLeft--
		return m.failErr
	}
	return nil
}

func (m *mockTagClient) AddTag(ctx context.Context, externalRef, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addCalls++
	if err := m.nextErr(); err != nil {
		return err
	}
	if m.tags[externalRef] == nil {
		m.tags[externalRef] = make(map[string]bool)
	}
	m.tags[externalRef][tag] = true
	return nil
}

func (m *mockTagClient) RemoveTag(ctx context.Context, externalRef, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeCalls++
	if err := m.nextErr(); err != nil {
		return err
	}
	delete(m.tags[externalRef], tag)
	return nil
}

func (m *mockTagClient) ListTags(ctx context.Context, externalRef string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls++
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	var out []string
	for tag := range m.tags[externalRef] {
		out = append(out, tag)
	}
	return out, nil
}

func (m *mockTagClient) tagSet(externalRef string) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bool, len(m.tags[externalRef]))
	for tag := range m.tags[externalRef] {
		out[tag] = true
	}
	return out
}

// noBackoff keeps retry loops fast in tests. maxRetries bounds the sync
// retry so persistent transient failures terminate.
func noBackoff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func boundedNoBackoff(maxRetries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRetries)
	}
}
