package enforcement

import (
	"time"

	"github.com/ehr/consentgate/internal/domain/consent"
	"github.com/ehr/consentgate/internal/platform/consenttoken"
)

// A claimCheck compares verified token claims with the request. It returns
// a denial reason or "".
type claimCheck func(p *consenttoken.Payload, req Request) string

// A grantCheck validates the live grant. It returns a denial reason or "".
type grantCheck func(g *consent.Grant, req Request, now time.Time) string

var claimChecks = []claimCheck{
	checkTokenSubject,
	checkTokenGrantee,
	checkTokenPurpose,
}

var grantChecks = []grantCheck{
	checkGrantStatus,
	checkGrantAction,
	checkGrantResourceType,
	checkGrantPeriod,
}

func checkTokenSubject(p *consenttoken.Payload, req Request) string {
	if p.SubjectID != req.SubjectID {
		return ReasonSubjectMismatch
	}
	return ""
}

func checkTokenGrantee(p *consenttoken.Payload, req Request) string {
	if p.GranteeID != req.GranteeID {
		return ReasonGranteeMismatch
	}
	return ""
}

func checkTokenPurpose(p *consenttoken.Payload, req Request) string {
	if p.Purpose != req.Purpose {
		return reasonPurposeMismatch(p.Purpose, req.Purpose)
	}
	return ""
}

func checkGrantStatus(g *consent.Grant, _ Request, _ time.Time) string {
	if g.Status != consent.StatusActive {
		return reasonStatus(string(g.Status))
	}
	return ""
}

func checkGrantAction(g *consent.Grant, req Request, _ time.Time) string {
	action, ok := req.Action.consentAction()
	if !ok {
		return reasonUnsupportedAction(string(req.Action))
	}
	if !g.PermitsAction(action) {
		return reasonActionNotPermitted(string(action))
	}
	return ""
}

func checkGrantResourceType(g *consent.Grant, req Request, _ time.Time) string {
	if !g.PermitsResourceType(req.ResourceType) {
		return reasonResourceTypeNotPermitted(req.ResourceType)
	}
	return ""
}

func checkGrantPeriod(g *consent.Grant, _ Request, now time.Time) string {
	if g.Period.NotStarted(now) {
		return ReasonNotStarted
	}
	if g.Period.Expired(now) {
		return ReasonExpired
	}
	return ""
}

// checkTokenRecord validates the persisted token state after lookup.
func checkTokenRecord(t *consent.Token, p *consenttoken.Payload) string {
	if t.GrantID.String() != p.GrantID {
		return ReasonTokenNotRecognized
	}
	if t.Revoked {
		return ReasonTokenRevoked
	}
	return ""
}

// effectiveExpiry is the earlier of the token expiry and the grant end.
func effectiveExpiry(p *consenttoken.Payload, g *consent.Grant) time.Time {
	if p.ExpiresAt.Before(g.Period.End) {
		return p.ExpiresAt
	}
	return g.Period.End
}
