package services

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]*Service)}
}

func (s *MemoryStore) Create(ctx context.Context, svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = cloneService(svc)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneService(svc), nil
}

func (s *MemoryStore) List(ctx context.Context, q ListQuery) ([]*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Service
	for _, svc := range s.services {
		if q.Status != "" && svc.Status != q.Status {
			continue
		}
		if q.RequesterID != "" && svc.RequesterID != q.RequesterID {
			continue
		}
		if q.ProviderID != "" && svc.ProviderID != q.ProviderID {
			continue
		}
		out = append(out, cloneService(svc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, expect Status, apply func(*Service) error) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != expect {
		return nil, ErrConflict
	}

	// Mutate a clone so a failing apply leaves the stored record alone.
	staged := cloneService(current)
	if err := apply(staged); err != nil {
		return nil, err
	}
	staged.UpdatedAt = time.Now().UTC()
	s.services[id] = staged
	return cloneService(staged), nil
}

func cloneService(svc *Service) *Service {
	clone := *svc
	if svc.Completion != nil {
		completion := *svc.Completion
		clone.Completion = &completion
	}
	return &clone
}
