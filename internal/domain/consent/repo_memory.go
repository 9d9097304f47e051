package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryGrantRepo is a map-backed GrantRepository for tests and local runs.
type MemoryGrantRepo struct {
	mu     sync.RWMutex
	grants map[uuid.UUID]*Grant
	now    func() time.Time
}

func NewMemoryGrantRepo() *MemoryGrantRepo {
	return &MemoryGrantRepo{grants: make(map[uuid.UUID]*Grant), now: time.Now}
}

func copyGrant(g *Grant) *Grant {
	cp := *g
	cp.Actions = append([]Action(nil), g.Actions...)
	cp.ResourceTypes = append([]string(nil), g.ResourceTypes...)
	return &cp
}

func (r *MemoryGrantRepo) Create(_ context.Context, g *Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := r.now()
	g.CreatedAt, g.UpdatedAt = now, now
	r.grants[g.ID] = copyGrant(g)
	return nil
}

func (r *MemoryGrantRepo) GetByID(_ context.Context, id uuid.UUID) (*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGrant(g), nil
}

func (r *MemoryGrantRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[id]
	if !ok {
		return ErrNotFound
	}
	g.Status = status
	g.UpdatedAt = r.now()
	return nil
}

func (r *MemoryGrantRepo) ListBySubject(_ context.Context, subjectID string, limit, offset int) ([]*Grant, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matching []*Grant
	for _, g := range r.grants {
		if g.SubjectID == subjectID {
			matching = append(matching, g)
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].CreatedAt.Equal(matching[j].CreatedAt) {
			return matching[i].ID.String() < matching[j].ID.String()
		}
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})

	total := len(matching)
	if offset > total {
		offset = total
	}
	matching = matching[offset:]
	if limit > 0 && limit < len(matching) {
		matching = matching[:limit]
	}

	out := make([]*Grant, len(matching))
	for i, g := range matching {
		out[i] = copyGrant(g)
	}
	return out, total, nil
}

// MemoryTokenRepo is a map-backed TokenRepository.
type MemoryTokenRepo struct {
	mu     sync.RWMutex
	tokens map[uuid.UUID]*Token
}

func NewMemoryTokenRepo() *MemoryTokenRepo {
	return &MemoryTokenRepo{tokens: make(map[uuid.UUID]*Token)}
}

func copyToken(t *Token) *Token {
	cp := *t
	cp.ResourceTypes = append([]string(nil), t.ResourceTypes...)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		cp.RevokedAt = &at
	}
	return &cp
}

func (r *MemoryTokenRepo) Create(_ context.Context, t *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	r.tokens[t.ID] = copyToken(t)
	return nil
}

func (r *MemoryTokenRepo) GetByID(_ context.Context, id uuid.UUID) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyToken(t), nil
}

func (r *MemoryTokenRepo) ListByGrant(_ context.Context, grantID uuid.UUID) ([]*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Token
	for _, t := range r.tokens {
		if t.GrantID == grantID {
			out = append(out, copyToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (r *MemoryTokenRepo) RevokeByGrant(_ context.Context, grantID uuid.UUID, reason string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tokens {
		if t.GrantID == grantID && !t.Revoked {
			t.Revoked = true
			t.RevokedReason = reason
			revokedAt := at
			t.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

// NoTx is a Transactor that runs fn directly. The memory repositories have
// no transactional semantics.
type NoTx struct{}

func (NoTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
