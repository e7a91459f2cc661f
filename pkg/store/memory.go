package store

import (
	"context"
	"sync"

	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/matrix"
)

// MemoryStore is an in-memory EntityStore with full CAS semantics, used in
// tests and single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	vendors  map[string]*contracts.Vendor
	risks    map[string]*contracts.Risk
	matrices map[string]*matrix.Matrix
	tasks    map[string]*contracts.TaskInstance
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vendors:  make(map[string]*contracts.Vendor),
		risks:    make(map[string]*contracts.Risk),
		matrices: make(map[string]*matrix.Matrix),
		tasks:    make(map[string]*contracts.TaskInstance),
	}
}

func (s *MemoryStore) PutVendor(_ context.Context, v *contracts.Vendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *v
	s.vendors[v.ID] = &copied
	return nil
}

func (s *MemoryStore) GetVendor(_ context.Context, tenantID, id string) (*contracts.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[id]
	if !ok || v.TenantID != tenantID {
		return nil, ErrNotFound
	}
	copied := *v
	return &copied, nil
}

func (s *MemoryStore) ListVendors(_ context.Context, tenantID string) ([]contracts.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Vendor
	for _, v := range s.vendors {
		if v.TenantID == tenantID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutRisk(_ context.Context, r *contracts.Risk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.risks[r.ID] = &copied
	return nil
}

func (s *MemoryStore) GetRisk(_ context.Context, tenantID, id string) (*contracts.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.risks[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) ListRisks(_ context.Context, tenantID string) ([]contracts.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Risk
	for _, r := range s.risks {
		if r.TenantID == tenantID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutMatrix(_ context.Context, m *matrix.Matrix) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Default {
		for _, other := range s.matrices {
			if other.TenantID == m.TenantID && other.ID != m.ID {
				other.Default = false
			}
		}
	}
	copied := *m
	s.matrices[m.ID] = &copied
	return nil
}

func (s *MemoryStore) Matrix(_ context.Context, id string) (*matrix.Matrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matrices[id]
	if !ok {
		return nil, nil
	}
	copied := *m
	return &copied, nil
}

func (s *MemoryStore) DefaultMatrix(_ context.Context, tenantID string) (*matrix.Matrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.matrices {
		if m.TenantID == tenantID && m.Default {
			copied := *m
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, t *contracts.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status.Open() {
		for _, existing := range s.tasks {
			if existing.TenantID == t.TenantID && existing.EntityID == t.EntityID &&
				existing.Kind == t.Kind && existing.Status.Open() {
				return &contracts.DuplicateOpenTaskError{
					EntityID: t.EntityID,
					Kind:     t.Kind,
					TaskIDs:  []string{existing.ID, t.ID},
				}
			}
		}
	}
	copied := *t
	copied.SentOffsets = append([]int(nil), t.SentOffsets...)
	s.tasks[t.ID] = &copied
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, tenantID, id string) (*contracts.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, tenantID string) ([]contracts.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.TaskInstance
	for _, t := range s.tasks {
		if t.TenantID == tenantID {
			out = append(out, *copyTask(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTasksByEntity(_ context.Context, tenantID, entityID string) ([]contracts.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.TaskInstance
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.EntityID == entityID {
			out = append(out, *copyTask(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOpenTasks(_ context.Context, tenantID string) ([]contracts.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.TaskInstance
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.Status.Open() {
			out = append(out, *copyTask(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateTaskCAS(_ context.Context, t *contracts.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != t.Version {
		return &contracts.StaleWriteError{TaskID: t.ID, Version: t.Version}
	}
	copied := *copyTask(t)
	copied.Version++
	s.tasks[t.ID] = &copied
	return nil
}

func copyTask(t *contracts.TaskInstance) *contracts.TaskInstance {
	copied := *t
	copied.ReminderOffsets = append([]int(nil), t.ReminderOffsets...)
	copied.SentOffsets = append([]int(nil), t.SentOffsets...)
	return &copied
}
