package enforcement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/consentgate/internal/domain/consent"
	"github.com/ehr/consentgate/internal/domain/organization"
	"github.com/ehr/consentgate/internal/platform/consenttoken"
	"github.com/ehr/consentgate/internal/platform/notification"
	"github.com/ehr/consentgate/internal/platform/telemetry"
	"github.com/ehr/consentgate/internal/platform/throttle"
)

const (
	DefaultLookupTimeout       = 2 * time.Second
	DefaultEmergencyMaxPerHour = 10
)

// TokenVerifier checks a signed consent token.
type TokenVerifier interface {
	Verify(signed string) (*consenttoken.Payload, error)
}

// Notifier queues subject notices without blocking.
type Notifier interface {
	Enqueue(n notification.Notice) (string, error)
}

// Engine evaluates access requests. It keeps no per-request state and never
// caches grants or tokens, so a revoke is visible to the next evaluation.
type Engine struct {
	verifier TokenVerifier
	grants   consent.GrantRepository
	tokens   consent.TokenRepository

	orgs            organization.Directory
	limiter         throttle.Store
	notifier        Notifier
	emergencyLimit  int
	emergencyWindow time.Duration

	telemetry     *telemetry.Provider
	logger        zerolog.Logger
	nowFn         func() time.Time
	lookupTimeout time.Duration
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

func WithLookupTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lookupTimeout = d
		}
	}
}

func WithTelemetry(p *telemetry.Provider) Option {
	return func(e *Engine) { e.telemetry = p }
}

// WithEmergencyAccess enables EvaluateEmergency. maxPerHour limits allows
// per organization; zero or less disables the limit.
func WithEmergencyAccess(orgs organization.Directory, limiter throttle.Store, notifier Notifier, maxPerHour int) Option {
	return func(e *Engine) {
		e.orgs = orgs
		e.limiter = limiter
		e.notifier = notifier
		e.emergencyLimit = maxPerHour
	}
}

func NewEngine(verifier TokenVerifier, grants consent.GrantRepository, tokens consent.TokenRepository, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		verifier:        verifier,
		grants:          grants,
		tokens:          tokens,
		emergencyLimit:  DefaultEmergencyMaxPerHour,
		emergencyWindow: time.Hour,
		logger:          logger.With().Str("component", "enforcement").Logger(),
		nowFn:           time.Now,
		lookupTimeout:   DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.Noop()
	}
	return e
}

// Evaluate runs the ordered pipeline: token presence, signature and expiry,
// token record, token claims against the request, then the live grant. The
// first failing check decides the reason. Anything unknown denies.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	ctx, span := e.telemetry.Tracer().Start(ctx, "consent.evaluate", trace.WithAttributes(
		attribute.String("consent.grantee", req.GranteeID),
		attribute.String("consent.resource_type", req.ResourceType),
		attribute.String("consent.action", string(req.Action)),
		attribute.String("consent.purpose", req.Purpose),
	))
	defer span.End()

	d := e.evaluate(ctx, req)
	e.observe(ctx, span, d, req.SubjectID, req.GranteeID, req.ResourceType)
	return d
}

func (e *Engine) evaluate(ctx context.Context, req Request) Decision {
	if req.Token == "" {
		return deny(ReasonNoToken)
	}

	payload, err := e.verifier.Verify(req.Token)
	if err != nil {
		var verr *consenttoken.VerificationError
		if errors.As(err, &verr) {
			if verr.Kind == consenttoken.KindUnavailable {
				return unavailable(ReasonUnavailable)
			}
			return deny(verr.Error())
		}
		e.logger.Error().Err(err).Msg("token verification failed unexpectedly")
		return unavailable(ReasonUnavailable)
	}

	if d, ok := e.checkTokenState(ctx, payload); !ok {
		return d
	}

	for _, check := range claimChecks {
		if reason := check(payload, req); reason != "" {
			return deny(reason)
		}
	}

	grant, d, ok := e.fetchGrant(ctx, payload.GrantID)
	if !ok {
		return d
	}

	now := e.nowFn()
	for _, check := range grantChecks {
		if reason := check(grant, req, now); reason != "" {
			return deny(reason)
		}
	}

	return Decision{
		Allowed: true,
		GrantID: grant.ID.String(),
		Restrictions: &Restrictions{
			ResourceTypes: append([]string(nil), grant.ResourceTypes...),
			ExpiresAt:     effectiveExpiry(payload, grant),
		},
	}
}

func (e *Engine) checkTokenState(ctx context.Context, p *consenttoken.Payload) (Decision, bool) {
	tokenID, err := uuid.Parse(p.TokenID)
	if err != nil {
		return deny(ReasonTokenNotRecognized), false
	}

	lctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()
	record, err := e.tokens.GetByID(lctx, tokenID)
	switch {
	case errors.Is(err, consent.ErrNotFound):
		return deny(ReasonTokenNotRecognized), false
	case err != nil:
		e.logger.Error().Err(err).Str("token_id", p.TokenID).Msg("consent token lookup failed")
		return unavailable(ReasonUnavailable), false
	}

	if reason := checkTokenRecord(record, p); reason != "" {
		return deny(reason), false
	}
	return Decision{}, true
}

func (e *Engine) fetchGrant(ctx context.Context, grantID string) (*consent.Grant, Decision, bool) {
	id, err := uuid.Parse(grantID)
	if err != nil {
		return nil, deny(ReasonGrantNotFound), false
	}

	lctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()
	g, err := e.grants.GetByID(lctx, id)
	switch {
	case errors.Is(err, consent.ErrNotFound):
		return nil, deny(ReasonGrantNotFound), false
	case err != nil:
		e.logger.Error().Err(err).Str("grant_id", grantID).Msg("consent grant lookup failed")
		return nil, unavailable(ReasonUnavailable), false
	}
	return g, Decision{}, true
}

func (e *Engine) observe(ctx context.Context, span trace.Span, d Decision, subject, grantee, resourceType string) {
	span.SetAttributes(
		attribute.Bool("consent.allowed", d.Allowed),
		attribute.Bool("consent.emergency", d.Emergency),
	)
	if d.Reason != "" {
		span.SetAttributes(attribute.String("consent.reason", d.Reason))
	}
	e.telemetry.RecordDecision(ctx, d.Allowed, d.Emergency)

	var ev *zerolog.Event
	switch {
	case d.Allowed && !d.Emergency:
		ev = e.logger.Info()
	default:
		ev = e.logger.Warn()
	}
	ev.Bool("allowed", d.Allowed).
		Bool("emergency", d.Emergency).
		Str("subject_id", subject).
		Str("grantee_id", grantee).
		Str("resource_type", resourceType).
		Str("grant_id", d.GrantID).
		Str("reason", d.Reason).
		Msg("access decision")
}
