package runstate

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Store persists runs and consortia.
//
// UpdateRun is an atomic read-modify-write. Implementations only persist the
// mutable fields of a run (status, last update, errors, metadata); changes
// mutate makes to the member list or study configuration are discarded.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, mutate func(*Run) error) (*Run, error)
	DeleteRun(ctx context.Context, id string) error
	ListRuns(ctx context.Context, consortiumID string) ([]*Run, error)

	GetConsortium(ctx context.Context, id string) (*Consortium, error)
	SaveConsortium(ctx context.Context, c *Consortium) error
	SetLatestRun(ctx context.Context, consortiumID, runID string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	consortia map[string]*Consortium
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		consortia: make(map[string]*Consortium),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, mutate func(*Run) error) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	stored := current.Clone()
	stored.Status = next.Status
	stored.LastUpdated = next.LastUpdated
	stored.Errors = slices.Clone(next.Errors)
	stored.Metadata = next.Metadata
	s.runs[id] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, consortiumID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0)
	for _, r := range s.runs {
		if r.ConsortiumID == consortiumID {
			out = append(out, r.Clone())
		}
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) GetConsortium(_ context.Context, id string) (*Consortium, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consortia[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) SaveConsortium(_ context.Context, c *Consortium) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consortia[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) SetLatestRun(_ context.Context, consortiumID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consortia[consortiumID]
	if !ok {
		return ErrNotFound
	}
	c.LatestRunID = runID
	return nil
}

// sortRuns orders runs newest first.
func sortRuns(runs []*Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
