package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/consentgate/internal/platform/db"
)

type apiKeyStorePG struct {
	pool db.Querier
}

// NewAPIKeyStorePG returns an APIKeyStore over the organization_api_key table.
func NewAPIKeyStorePG(pool db.Querier) APIKeyStore {
	return &apiKeyStorePG{pool: pool}
}

const apiKeyCols = `id, organization_id, key_hash, key_prefix, status, expires_at, created_at, revoked_at, last_used_at`

func scanAPIKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.OrganizationID, &k.KeyHash, &k.KeyPrefix, &k.Status,
		&k.ExpiresAt, &k.CreatedAt, &k.RevokedAt, &k.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *apiKeyStorePG) CreateKey(ctx context.Context, k *APIKey) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO organization_api_key (id, organization_id, key_hash, key_prefix, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.ID, k.OrganizationID, k.KeyHash, k.KeyPrefix, k.Status, k.ExpiresAt, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *apiKeyStorePG) GetByID(ctx context.Context, id string) (*APIKey, error) {
	k, err := scanAPIKey(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+apiKeyCols+` FROM organization_api_key WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, err
}

func (s *apiKeyStorePG) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanAPIKey(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+apiKeyCols+` FROM organization_api_key WHERE key_hash = $1`, hash))
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return k, err
}

func (s *apiKeyStorePG) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx,
		`UPDATE organization_api_key SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *apiKeyStorePG) Revoke(ctx context.Context, id string, at time.Time) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE organization_api_key SET status = 'revoked', revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}
