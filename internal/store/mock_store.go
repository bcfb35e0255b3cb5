// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database and to inject persistence failures

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrMockFailure is returned by MockStore methods when FailWrites is set.
var ErrMockFailure = errors.New("mock store failure")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	agents  map[string]*AgentRecord
	samples map[string][]StatSample
	audit   []AuditEntry

	failWrites bool

	// BeforeUpsert, if set, runs inside UpsertAgent before the write. Tests
	// use it to hold a store call open and observe serialization.
	BeforeUpsert func(a *AgentRecord)
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:  make(map[string]*AgentRecord),
		samples: make(map[string][]StatSample),
	}
}

// SetFailWrites makes every write return ErrMockFailure.
func (m *MockStore) SetFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

func (m *MockStore) failing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failWrites
}

// UpsertAgent stores a copy of the record.
func (m *MockStore) UpsertAgent(ctx context.Context, a *AgentRecord) error {
	if hook := m.BeforeUpsert; hook != nil {
		hook(a)
	}
	if m.failing() {
		return ErrMockFailure
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *a
	if existing, ok := m.agents[a.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.agents[a.ID] = &rec
	return nil
}

// GetAgent returns a copy of a stored agent.
func (m *MockStore) GetAgent(id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *a
	return &rec, nil
}

// ListAgents returns copies ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		rec := *a
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkAllOffline sets every agent offline.
func (m *MockStore) MarkAllOffline(ctx context.Context) (int64, error) {
	if m.failing() {
		return 0, ErrMockFailure
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, a := range m.agents {
		if a.Status != AgentStatusOffline {
			a.Status = AgentStatusOffline
			n++
		}
	}
	return n, nil
}

// RecordStatSample appends a sample.
func (m *MockStore) RecordStatSample(ctx context.Context, s *StatSample) error {
	if m.failing() {
		return ErrMockFailure
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.AgentID] = append(m.samples[s.AgentID], *s)
	return nil
}

// QueryHistory returns the most recent samples, oldest first.
func (m *MockStore) QueryHistory(ctx context.Context, agentID string, limit int) ([]StatSample, error) {
	limit = normalizeLimit(limit, DefaultHistoryLimit, MaxHistoryLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.samples[agentID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	out := make([]StatSample, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

// AppendAuditLog appends an entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if m.failing() {
		return ErrMockFailure
	}
	if _, err := prepareAuditEntry(e); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeLimit(f.Limit, DefaultHistoryLimit, MaxHistoryLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audit[i]
		if f.AgentID != nil && e.AgentID != *f.AgentID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Samples returns every recorded sample for an agent.
func (m *MockStore) Samples(agentID string) []StatSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StatSample, len(m.samples[agentID]))
	copy(out, m.samples[agentID])
	return out
}

// AuditEntries returns every entry in insertion order.
func (m *MockStore) AuditEntries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
