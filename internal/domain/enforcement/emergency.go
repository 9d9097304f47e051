package enforcement

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/consentgate/internal/domain/organization"
	"github.com/ehr/consentgate/internal/platform/notification"
)

// EvaluateEmergency decides a token-free emergency request. Checks run in
// order: justification, organization, hospital type, organization active,
// per-organization rate. An allow is limited to the requested resource type
// for EmergencyAccessTTL and queues a notice to the subject; a failed notice
// never withdraws the allow.
func (e *Engine) EvaluateEmergency(ctx context.Context, req EmergencyRequest) Decision {
	ctx, span := e.telemetry.Tracer().Start(ctx, "consent.evaluate_emergency", trace.WithAttributes(
		attribute.String("consent.grantee", req.GranteeID),
		attribute.String("consent.resource_type", req.ResourceType),
	))
	defer span.End()

	d := e.evaluateEmergency(ctx, req)
	e.observe(ctx, span, d, req.SubjectID, req.GranteeID, req.ResourceType)
	if d.Allowed {
		e.notifySubject(req, d)
	}
	return d
}

func (e *Engine) evaluateEmergency(ctx context.Context, req EmergencyRequest) Decision {
	if utf8.RuneCountInString(strings.TrimSpace(req.Justification)) < MinJustificationLength {
		return deny(ReasonJustificationRequired)
	}

	if e.orgs == nil {
		return unavailable(ReasonDirectoryUnavailable)
	}
	lctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	org, err := e.orgs.GetOrganization(lctx, req.GranteeID)
	cancel()
	switch {
	case errors.Is(err, organization.ErrNotFound):
		return deny(ReasonOrganizationNotFound)
	case err != nil:
		e.logger.Error().Err(err).Str("organization_id", req.GranteeID).Msg("organization lookup failed")
		return unavailable(ReasonDirectoryUnavailable)
	}
	if !org.IsHospital() {
		return deny(ReasonNotHospital)
	}
	if !org.Active {
		return deny(ReasonOrganizationInactive)
	}

	if e.limiter != nil && e.emergencyLimit > 0 {
		lctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
		verdict, err := e.limiter.Allow(lctx, "emergency:"+req.GranteeID, e.emergencyLimit, e.emergencyWindow)
		cancel()
		if err != nil {
			e.logger.Error().Err(err).Str("organization_id", req.GranteeID).Msg("emergency throttle failed")
			return unavailable(ReasonEmergencyRateLimitError)
		}
		if !verdict.Allowed {
			return deny(ReasonEmergencyRateLimited)
		}
	}

	return Decision{
		Allowed:   true,
		GrantID:   EmergencyGrantID,
		Emergency: true,
		Restrictions: &Restrictions{
			ResourceTypes: []string{req.ResourceType},
			ExpiresAt:     e.nowFn().Add(EmergencyAccessTTL),
		},
	}
}

func (e *Engine) notifySubject(req EmergencyRequest, d Decision) {
	if e.notifier == nil {
		e.logger.Warn().Str("subject_id", req.SubjectID).Msg("emergency access notice dropped: no notifier configured")
		return
	}
	id, err := e.notifier.Enqueue(notification.Notice{
		SubjectID:      req.SubjectID,
		OrganizationID: req.GranteeID,
		ResourceType:   req.ResourceType,
		Justification:  strings.TrimSpace(req.Justification),
		OccurredAt:     e.nowFn(),
		AccessExpires:  d.Restrictions.ExpiresAt,
	})
	if err != nil {
		e.logger.Warn().Err(err).
			Str("notice_id", id).
			Str("subject_id", req.SubjectID).
			Msg("emergency access notice not queued")
	}
}
