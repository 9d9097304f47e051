package organization

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/consentgate/internal/platform/db"
)

type orgRepoPG struct {
	pool db.Querier
}

func NewRepo(pool db.Querier) Repository {
	return &orgRepoPG{pool: pool}
}

func (r *orgRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *orgRepoPG) Create(ctx context.Context, org *Organization) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO organization (id, name, type_code, active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		org.ID, org.Name, org.TypeCode, org.Active,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (r *orgRepoPG) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var o Organization
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, type_code, active, created_at, updated_at
		FROM organization WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.TypeCode, &o.Active, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &o, nil
}

func (r *orgRepoPG) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE organization SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
