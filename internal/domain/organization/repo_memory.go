package organization

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepo is a map-backed Repository.
type MemoryRepo struct {
	mu   sync.RWMutex
	orgs map[string]*Organization
	// Err, when set, is returned by every lookup.
	Err error
}

func NewMemoryRepo(orgs ...*Organization) *MemoryRepo {
	r := &MemoryRepo{orgs: make(map[string]*Organization)}
	for _, o := range orgs {
		cp := *o
		r.orgs[o.ID] = &cp
	}
	return r
}

func (r *MemoryRepo) Create(_ context.Context, org *Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orgs[org.ID]; ok {
		return fmt.Errorf("insert organization: duplicate id %q", org.ID)
	}
	now := time.Now()
	org.CreatedAt, org.UpdatedAt = now, now
	cp := *org
	r.orgs[org.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetOrganization(_ context.Context, id string) (*Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return nil, r.Err
	}
	o, ok := r.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *MemoryRepo) SetActive(_ context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orgs[id]
	if !ok {
		return ErrNotFound
	}
	o.Active = active
	o.UpdatedAt = time.Now()
	return nil
}
