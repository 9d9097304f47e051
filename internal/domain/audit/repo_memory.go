package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepo is a slice-backed Repository.
type MemoryRepo struct {
	mu     sync.RWMutex
	events []*Event
	byID   map[uuid.UUID]int
	// AppendErr, when set, fails every Append.
	AppendErr error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[uuid.UUID]int)}
}

func copyEvent(e *Event) *Event {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (r *MemoryRepo) Append(ctx context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AppendErr != nil {
		return r.AppendErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var prev *Event
	if n := len(r.events); n > 0 {
		prev = r.events[n-1]
	}
	if err := seal(e, prev); err != nil {
		return err
	}
	r.byID[e.ID] = len(r.events)
	r.events = append(r.events, copyEvent(e))
	return nil
}

func (r *MemoryRepo) SetMirrorID(_ context.Context, id uuid.UUID, mirrorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	r.events[i].MirrorID = mirrorID
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(r.events[i]), nil
}

func (r *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Event
	for i := len(r.events) - 1; i >= 0; i-- {
		if f.matches(r.events[i]) {
			matched = append(matched, r.events[i])
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*Event, 0, end-offset)
	for _, e := range matched[offset:end] {
		out = append(out, copyEvent(e))
	}
	return out, total, nil
}

func (r *MemoryRepo) Walk(_ context.Context, fn func(*Event) error) error {
	r.mu.RLock()
	snapshot := make([]*Event, len(r.events))
	for i, e := range r.events {
		snapshot[i] = copyEvent(e)
	}
	r.mu.RUnlock()
	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored events.
func (r *MemoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
