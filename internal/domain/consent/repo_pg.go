package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/consentgate/internal/platform/db"
)

// -- Grant Repository --

type grantRepoPG struct {
	pool db.Querier
}

func NewGrantRepo(pool db.Querier) GrantRepository {
	return &grantRepoPG{pool: pool}
}

func (r *grantRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const grantCols = `id, subject_id, grantee_id, purpose, status, period_start, period_end,
	actions, resource_types, created_at, updated_at`

func (r *grantRepoPG) scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	var purpose, status string
	var actions []string
	err := row.Scan(&g.ID, &g.SubjectID, &g.GranteeID, &purpose, &status,
		&g.Period.Start, &g.Period.End, &actions, &g.ResourceTypes, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Purpose = Purpose(purpose)
	g.Status = Status(status)
	for _, a := range actions {
		g.Actions = append(g.Actions, Action(a))
	}
	return &g, nil
}

func (r *grantRepoPG) Create(ctx context.Context, g *Grant) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	actions := make([]string, 0, len(g.Actions))
	for _, a := range g.Actions {
		actions = append(actions, string(a))
	}
	resourceTypes := g.ResourceTypes
	if resourceTypes == nil {
		resourceTypes = []string{}
	}

	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consent_grant (id, subject_id, grantee_id, purpose, status,
			period_start, period_end, actions, resource_types)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		g.ID, g.SubjectID, g.GranteeID, string(g.Purpose), string(g.Status),
		g.Period.Start, g.Period.End, actions, resourceTypes,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert consent grant: %w", err)
	}
	return nil
}

func (r *grantRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Grant, error) {
	g, err := r.scanGrant(r.conn(ctx).QueryRow(ctx,
		`SELECT `+grantCols+` FROM consent_grant WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consent grant: %w", err)
	}
	return g, nil
}

func (r *grantRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE consent_grant SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update consent grant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *grantRepoPG) ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]*Grant, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM consent_grant WHERE subject_id = $1`, subjectID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consent grants: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+grantCols+` FROM consent_grant WHERE subject_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, subjectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list consent grants: %w", err)
	}
	defer rows.Close()

	var items []*Grant
	for rows.Next() {
		g, err := r.scanGrant(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan consent grant: %w", err)
		}
		items = append(items, g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate consent grants: %w", err)
	}
	return items, total, nil
}

// -- Token Repository --

type tokenRepoPG struct {
	pool db.Querier
}

func NewTokenRepo(pool db.Querier) TokenRepository {
	return &tokenRepoPG{pool: pool}
}

func (r *tokenRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const tokenCols = `id, grant_id, subject_id, grantee_id, purpose, resource_types,
	issued_at, expires_at, revoked, revoked_reason, revoked_at`

func (r *tokenRepoPG) scanToken(row pgx.Row) (*Token, error) {
	var t Token
	var purpose string
	var reason *string
	err := row.Scan(&t.ID, &t.GrantID, &t.SubjectID, &t.GranteeID, &purpose, &t.ResourceTypes,
		&t.IssuedAt, &t.ExpiresAt, &t.Revoked, &reason, &t.RevokedAt)
	if err != nil {
		return nil, err
	}
	t.Purpose = Purpose(purpose)
	if reason != nil {
		t.RevokedReason = *reason
	}
	return &t, nil
}

func (r *tokenRepoPG) Create(ctx context.Context, t *Token) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	resourceTypes := t.ResourceTypes
	if resourceTypes == nil {
		resourceTypes = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_token (id, grant_id, subject_id, grantee_id, purpose, resource_types,
			issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.GrantID, t.SubjectID, t.GranteeID, string(t.Purpose), resourceTypes,
		t.IssuedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert consent token: %w", err)
	}
	return nil
}

func (r *tokenRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Token, error) {
	t, err := r.scanToken(r.conn(ctx).QueryRow(ctx,
		`SELECT `+tokenCols+` FROM consent_token WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consent token: %w", err)
	}
	return t, nil
}

func (r *tokenRepoPG) ListByGrant(ctx context.Context, grantID uuid.UUID) ([]*Token, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+tokenCols+` FROM consent_token WHERE grant_id = $1 ORDER BY issued_at`, grantID)
	if err != nil {
		return nil, fmt.Errorf("list consent tokens: %w", err)
	}
	defer rows.Close()

	var items []*Token
	for rows.Next() {
		t, err := r.scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent token: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consent tokens: %w", err)
	}
	return items, nil
}

func (r *tokenRepoPG) RevokeByGrant(ctx context.Context, grantID uuid.UUID, reason string, at time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_token SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE grant_id = $1 AND NOT revoked`, grantID, reason, at)
	if err != nil {
		return 0, fmt.Errorf("revoke consent tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
