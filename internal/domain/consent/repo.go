package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GrantRepository persists canonical consent grants. GetByID returns
// ErrNotFound for unknown ids.
type GrantRepository interface {
	Create(ctx context.Context, g *Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Grant, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]*Grant, int, error)
}

// TokenRepository persists issued token records and their revocation state.
type TokenRepository interface {
	Create(ctx context.Context, t *Token) error
	GetByID(ctx context.Context, id uuid.UUID) (*Token, error)
	ListByGrant(ctx context.Context, grantID uuid.UUID) ([]*Token, error)
	// RevokeByGrant marks every unrevoked token of the grant revoked and
	// returns how many rows changed.
	RevokeByGrant(ctx context.Context, grantID uuid.UUID, reason string, at time.Time) (int, error)
}
