// Package enforcement decides whether an organization may act on a
// patient's records, either under a consent token or through emergency
// access, and serves those decisions over HTTP.
package enforcement

import (
	"time"

	"github.com/ehr/consentgate/internal/domain/consent"
)

// EmergencyGrantID marks decisions made by the emergency path. It is never
// a valid grant id.
const EmergencyGrantID = "emergency-access"

// EmergencyAccessTTL bounds every emergency allow.
const EmergencyAccessTTL = 24 * time.Hour

// MinJustificationLength is the minimum trimmed length, in characters, of
// an emergency justification.
const MinJustificationLength = 10

// Action is the operation an organization requests.
type Action string

const (
	ActionRead   Action = "read"
	ActionSearch Action = "search"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// consentAction maps a request action onto the grant action it needs.
func (a Action) consentAction() (consent.Action, bool) {
	switch a {
	case ActionRead, ActionSearch:
		return consent.ActionRead, true
	case ActionCreate:
		return consent.ActionCreate, true
	case ActionUpdate:
		return consent.ActionUpdate, true
	case ActionDelete:
		return consent.ActionDelete, true
	}
	return "", false
}

// Request is one access request made under a consent token.
type Request struct {
	SubjectID    string `json:"subject_id"`
	GranteeID    string `json:"-"`
	ResourceType string `json:"resource_type"`
	Action       Action `json:"action"`
	Purpose      string `json:"purpose"`
	Token        string `json:"-"`
}

// EmergencyRequest asks for token-free access.
type EmergencyRequest struct {
	SubjectID     string `json:"subject_id"`
	GranteeID     string `json:"-"`
	ResourceType  string `json:"resource_type"`
	Justification string `json:"justification"`
}

// Restrictions must still be applied by the caller to whatever it returns.
// An empty ResourceTypes list means every type.
type Restrictions struct {
	ResourceTypes []string  `json:"resource_types"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Permits reports whether resourceType is inside the restrictions.
func (r *Restrictions) Permits(resourceType string) bool {
	if len(r.ResourceTypes) == 0 {
		return true
	}
	for _, t := range r.ResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Decision is the outcome of one evaluation. It is never stored; the audit
// trail records it.
type Decision struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason,omitempty"`
	GrantID      string        `json:"grant_id,omitempty"`
	Restrictions *Restrictions `json:"restrictions,omitempty"`
	Emergency    bool          `json:"emergency,omitempty"`
	// DependencyFailed marks denials caused by an unavailable collaborator.
	// They are audited with outcome error.
	DependencyFailed bool `json:"-"`
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

func unavailable(reason string) Decision {
	return Decision{Reason: reason, DependencyFailed: true}
}
