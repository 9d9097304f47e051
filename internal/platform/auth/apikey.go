package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrKeyNotFound indicates the requested API key does not exist in the store.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrKeyRevoked indicates the API key has been revoked and can no longer be used.
	ErrKeyRevoked = errors.New("api key revoked")

	// ErrKeyExpired indicates the API key has passed its expiration time.
	ErrKeyExpired = errors.New("api key expired")

	// ErrInvalidKey indicates the provided raw key does not match any stored hash.
	ErrInvalidKey = errors.New("invalid api key")
)

// APIKeyHeader carries the organization credential.
const APIKeyHeader = "X-API-Key"

const (
	apiKeyPrefix      = "cg_org_"
	apiKeyRandomBytes = 24
)

// APIKey identifies an organization to the gateway. Only the SHA-256 hash
// of the key material is stored.
type APIKey struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	KeyHash        string     `json:"-"`
	KeyPrefix      string     `json:"key_prefix"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// APIKeyStore persists organization API keys.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *APIKey) error
	GetByID(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) error
}

// InMemoryAPIKeyStore is a thread-safe map-backed APIKeyStore.
type InMemoryAPIKeyStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string
}

func NewInMemoryAPIKeyStore() *InMemoryAPIKeyStore {
	return &InMemoryAPIKeyStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *InMemoryAPIKeyStore) CreateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyKey(key)
	s.byID[cp.ID] = cp
	s.byHash[cp.KeyHash] = cp.ID
	return nil
}

func (s *InMemoryAPIKeyStore) GetByID(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(k), nil
}

func (s *InMemoryAPIKeyStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(s.byID[id]), nil
}

func (s *InMemoryAPIKeyStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	t := at
	k.LastUsedAt = &t
	return nil
}

func (s *InMemoryAPIKeyStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	if k.Status == "revoked" {
		return nil
	}
	t := at
	k.Status = "revoked"
	k.RevokedAt = &t
	return nil
}

func copyKey(k *APIKey) *APIKey {
	cp := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		cp.RevokedAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

// APIKeyManager generates, validates and revokes organization keys.
type APIKeyManager struct {
	store  APIKeyStore
	logger zerolog.Logger
	nowFn  func() time.Time
}

func NewAPIKeyManager(store APIKeyStore, logger zerolog.Logger) *APIKeyManager {
	return &APIKeyManager{store: store, logger: logger, nowFn: time.Now}
}

// GenerateKey creates a key for organizationID and returns it with the raw
// key string, which is shown exactly once.
func (m *APIKeyManager) GenerateKey(ctx context.Context, organizationID string, expiresAt *time.Time) (*APIKey, string, error) {
	if organizationID == "" {
		return nil, "", fmt.Errorf("organization id is required")
	}
	rawKey, err := generateRawKey()
	if err != nil {
		return nil, "", fmt.Errorf("generating raw key: %w", err)
	}

	key := &APIKey{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		KeyHash:        hashKey(rawKey),
		KeyPrefix:      rawKey[:len(apiKeyPrefix)+6],
		Status:         "active",
		ExpiresAt:      expiresAt,
		CreatedAt:      m.nowFn(),
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("storing key: %w", err)
	}
	return copyKey(key), rawKey, nil
}

// ValidateKey resolves a raw key to its active, unexpired record.
func (m *APIKeyManager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("looking up key: %w", err)
	}

	if key.Status == "revoked" {
		return nil, ErrKeyRevoked
	}
	now := m.nowFn()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	if err := m.store.TouchLastUsed(ctx, key.ID, now); err != nil {
		m.logger.Warn().Err(err).Str("api_key_id", key.ID).Msg("failed to record api key use")
	}
	return key, nil
}

// RevokeKey is idempotent.
func (m *APIKeyManager) RevokeKey(ctx context.Context, id string) error {
	return m.store.Revoke(ctx, id, m.nowFn())
}

func generateRawKey() (string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}

// hashKey returns the hex-encoded SHA-256 hash of the raw key string.
func hashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}

// APIKeyMiddleware authenticates the calling organization from the
// X-API-Key header. The Authorization header is left alone; on gateway
// routes it carries the consent token.
func APIKeyMiddleware(manager *APIKeyManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rawKey := c.Request().Header.Get(APIKeyHeader)
			if rawKey == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}

			key, err := manager.ValidateKey(c.Request().Context(), rawKey)
			if err != nil {
				switch {
				case errors.Is(err, ErrInvalidKey):
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
				case errors.Is(err, ErrKeyRevoked):
					return echo.NewHTTPError(http.StatusUnauthorized, "api key revoked")
				case errors.Is(err, ErrKeyExpired):
					return echo.NewHTTPError(http.StatusUnauthorized, "api key expired")
				default:
					return echo.NewHTTPError(http.StatusServiceUnavailable, "api key validation unavailable").SetInternal(err)
				}
			}

			ctx := context.WithValue(c.Request().Context(), OrganizationIDKey, key.OrganizationID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("api_key_id", key.ID)

			return next(c)
		}
	}
}
