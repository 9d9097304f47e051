package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/platform/consenttoken"
	"github.com/ehr/consentgate/internal/platform/db"
)

// TokenIssuer signs token payloads. *consenttoken.Codec satisfies it.
type TokenIssuer interface {
	Issue(p consenttoken.Payload) (string, error)
}

// DefaultStatusUpdateTimeout bounds the background grant status update that
// follows a revoke.
const DefaultStatusUpdateTimeout = 10 * time.Second

// Service owns the consent lifecycle: grant, revoke and token re-issue.
type Service struct {
	grants        GrantRepository
	tokens        TokenRepository
	tx            db.Transactor
	issuer        TokenIssuer
	logger        zerolog.Logger
	nowFn         func() time.Time
	statusTimeout time.Duration

	bg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFn = now }
}

// WithStatusUpdateTimeout overrides DefaultStatusUpdateTimeout.
func WithStatusUpdateTimeout(d time.Duration) Option {
	return func(s *Service) { s.statusTimeout = d }
}

func NewService(grants GrantRepository, tokens TokenRepository, tx db.Transactor, issuer TokenIssuer, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		grants:        grants,
		tokens:        tokens,
		tx:            tx,
		issuer:        issuer,
		logger:        logger.With().Str("component", "consent").Logger(),
		nowFn:         time.Now,
		statusTimeout: DefaultStatusUpdateTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateGrantInput(in *GrantInput, now time.Time) error {
	var violations []string

	if strings.TrimSpace(in.SubjectID) == "" {
		violations = append(violations, "subject_id is required")
	}
	if strings.TrimSpace(in.GranteeID) == "" {
		violations = append(violations, "grantee_id is required")
	}
	if in.Purpose == "" {
		violations = append(violations, "purpose is required")
	} else if !Purpose(in.Purpose).Valid() {
		violations = append(violations, fmt.Sprintf("purpose %q must be one of TREATMENT, EMERGENCY, INSURANCE, RESEARCH", in.Purpose))
	}

	if len(in.ResourceTypes) == 0 {
		violations = append(violations, "at least one resource type is required")
	}
	for _, rt := range in.ResourceTypes {
		if strings.TrimSpace(rt) == "" {
			violations = append(violations, "resource types must not be blank")
			break
		}
	}

	for _, a := range in.Actions {
		if !Action(a).Valid() {
			violations = append(violations, fmt.Sprintf("action %q is not supported", a))
		}
	}

	if in.ValidUntil.IsZero() {
		violations = append(violations, "valid_until is required")
	} else {
		if !in.ValidFrom.Before(in.ValidUntil) {
			violations = append(violations, "valid_from must be before valid_until")
		}
		if !in.ValidUntil.After(now) {
			violations = append(violations, "valid_until must be in the future")
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// GrantConsent validates the request, creates an active grant and its first
// token in one transaction, and returns the grant with the signed token. The
// signed token is not stored and cannot be retrieved again.
func (s *Service) GrantConsent(ctx context.Context, in GrantInput) (*Grant, string, error) {
	now := s.nowFn()
	if in.ValidFrom.IsZero() {
		in.ValidFrom = now
	}
	if err := validateGrantInput(&in, now); err != nil {
		return nil, "", err
	}

	g := &Grant{
		ID:            uuid.New(),
		SubjectID:     strings.TrimSpace(in.SubjectID),
		GranteeID:     strings.TrimSpace(in.GranteeID),
		Purpose:       Purpose(in.Purpose),
		Status:        StatusActive,
		Period:        Period{Start: in.ValidFrom, End: in.ValidUntil},
		ResourceTypes: dedupe(in.ResourceTypes),
	}
	for _, a := range dedupe(in.Actions) {
		g.Actions = append(g.Actions, Action(a))
	}

	var signed string
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.grants.Create(ctx, g); err != nil {
			return err
		}
		_, tok, err := s.issueToken(ctx, g, now)
		signed = tok
		return err
	})
	if err != nil {
		return nil, "", &DependencyError{Op: "grant consent", Err: err}
	}

	s.logger.Info().
		Str("grant_id", g.ID.String()).
		Str("subject_id", g.SubjectID).
		Str("grantee_id", g.GranteeID).
		Str("purpose", string(g.Purpose)).
		Msg("consent granted")

	return g, signed, nil
}

// issueToken persists a token record for g and signs it. The token expires
// with the grant period.
func (s *Service) issueToken(ctx context.Context, g *Grant, now time.Time) (*Token, string, error) {
	t := &Token{
		ID:            uuid.New(),
		GrantID:       g.ID,
		SubjectID:     g.SubjectID,
		GranteeID:     g.GranteeID,
		Purpose:       g.Purpose,
		ResourceTypes: g.ResourceTypes,
		IssuedAt:      now,
		ExpiresAt:     g.Period.End,
	}
	if err := s.tokens.Create(ctx, t); err != nil {
		return nil, "", err
	}

	signed, err := s.issuer.Issue(consenttoken.Payload{
		TokenID:       t.ID.String(),
		GrantID:       g.ID.String(),
		SubjectID:     t.SubjectID,
		GranteeID:     t.GranteeID,
		Purpose:       string(t.Purpose),
		ResourceTypes: t.ResourceTypes,
		IssuedAt:      t.IssuedAt,
		ExpiresAt:     t.ExpiresAt,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sign consent token: %w", err)
	}
	return t, signed, nil
}

// ownedGrant fetches a grant and checks the caller owns it.
func (s *Service) ownedGrant(ctx context.Context, grantID uuid.UUID, subject string) (*Grant, error) {
	g, err := s.grants.GetByID(ctx, grantID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &DependencyError{Op: "get consent grant", Err: err}
	}
	if subject == "" || g.SubjectID != subject {
		return nil, ErrUnauthorized
	}
	return g, nil
}

// RevokeConsent revokes every live token of the grant before returning, then
// moves the grant to inactive in the background. Revoking an already revoked
// grant succeeds with AlreadyRevoked set.
func (s *Service) RevokeConsent(ctx context.Context, grantID uuid.UUID, requestingSubject, reason string) (*RevokeResult, error) {
	g, err := s.ownedGrant(ctx, grantID, requestingSubject)
	if err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" || reason == RevokeReasonSuperseded {
		reason = "revoked by subject"
	}

	n, err := s.tokens.RevokeByGrant(ctx, g.ID, reason, s.nowFn())
	if err != nil {
		return nil, &DependencyError{Op: "revoke consent tokens", Err: err}
	}

	if g.Status != StatusInactive {
		s.deactivateAsync(ctx, g.ID)
	}

	result := &RevokeResult{GrantID: g.ID, RevokedTokens: n, AlreadyRevoked: n == 0}
	s.logger.Info().
		Str("grant_id", g.ID.String()).
		Int("revoked_tokens", n).
		Bool("already_revoked", result.AlreadyRevoked).
		Msg("consent revoked")
	return result, nil
}

// deactivateAsync sets the grant status to inactive on a context detached
// from the caller. Failures are logged; the token-side revocation already
// blocks reuse.
func (s *Service) deactivateAsync(parent context.Context, grantID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.statusTimeout)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer cancel()
		if err := s.grants.UpdateStatus(ctx, grantID, StatusInactive); err != nil {
			s.logger.Error().Err(err).
				Str("grant_id", grantID.String()).
				Msg("failed to mark revoked consent inactive")
		}
	}()
}

// Wait blocks until background status updates have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

// ReissueToken issues a fresh token for an active, unexpired grant. Earlier
// tokens are revoked as superseded; the grant is unchanged.
func (s *Service) ReissueToken(ctx context.Context, grantID uuid.UUID, requestingSubject string) (*Token, string, error) {
	g, err := s.ownedGrant(ctx, grantID, requestingSubject)
	if err != nil {
		return nil, "", err
	}
	now := s.nowFn()
	if g.Status != StatusActive || g.Period.Expired(now) {
		return nil, "", ErrNotActive
	}

	var (
		tok    *Token
		signed string
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// The grant status lags a revoke; the token records do not.
		revoked, err := s.revokedBySubject(ctx, g.ID)
		if err != nil {
			return err
		}
		if revoked {
			return ErrNotActive
		}
		if _, err := s.tokens.RevokeByGrant(ctx, g.ID, RevokeReasonSuperseded, now); err != nil {
			return err
		}
		tok, signed, err = s.issueToken(ctx, g, now)
		return err
	})
	if errors.Is(err, ErrNotActive) {
		return nil, "", ErrNotActive
	}
	if err != nil {
		return nil, "", &DependencyError{Op: "reissue consent token", Err: err}
	}

	s.logger.Info().
		Str("grant_id", g.ID.String()).
		Str("token_id", tok.ID.String()).
		Msg("consent token reissued")
	return tok, signed, nil
}

// revokedBySubject reports whether any token of the grant was revoked for a
// reason other than being superseded by a reissue.
func (s *Service) revokedBySubject(ctx context.Context, grantID uuid.UUID) (bool, error) {
	tokens, err := s.tokens.ListByGrant(ctx, grantID)
	if err != nil {
		return false, err
	}
	for _, t := range tokens {
		if t.Revoked && t.RevokedReason != RevokeReasonSuperseded {
			return true, nil
		}
	}
	return false, nil
}

// GetGrant returns a grant owned by requestingSubject.
func (s *Service) GetGrant(ctx context.Context, grantID uuid.UUID, requestingSubject string) (*Grant, error) {
	return s.ownedGrant(ctx, grantID, requestingSubject)
}

// ListGrants returns the subject's grants, newest first, and the total count.
func (s *Service) ListGrants(ctx context.Context, subject string, limit, offset int) ([]*Grant, int, error) {
	if subject == "" {
		return nil, 0, ErrUnauthorized
	}
	items, total, err := s.grants.ListBySubject(ctx, subject, limit, offset)
	if err != nil {
		return nil, 0, &DependencyError{Op: "list consent grants", Err: err}
	}
	return items, total, nil
}
