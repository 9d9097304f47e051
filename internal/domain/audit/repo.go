package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the primary, append-only audit store.
type Repository interface {
	// Append assigns Seq, PrevHash and Hash and stores the event. Appends
	// are serialized so the chain has no forks or gaps.
	Append(ctx context.Context, e *Event) error
	// SetMirrorID back-links the compliance mirror record.
	SetMirrorID(ctx context.Context, id uuid.UUID, mirrorID string) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	// List returns matching events newest first with the total count.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error)
	// Walk visits every event in ascending Seq order.
	Walk(ctx context.Context, fn func(*Event) error) error
}
