package consent

import (
	"time"

	"github.com/google/uuid"
)

// Purpose is the declared purpose of use. The set is closed.
type Purpose string

const (
	PurposeTreatment Purpose = "TREATMENT"
	PurposeEmergency Purpose = "EMERGENCY"
	PurposeInsurance Purpose = "INSURANCE"
	PurposeResearch  Purpose = "RESEARCH"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeTreatment, PurposeEmergency, PurposeInsurance, PurposeResearch:
		return true
	}
	return false
}

// Status mirrors the FHIR Consent.status value set.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusProposed       Status = "proposed"
	StatusActive         Status = "active"
	StatusRejected       Status = "rejected"
	StatusInactive       Status = "inactive"
	StatusEnteredInError Status = "entered-in-error"
)

// Action is a permitted operation class on a grant.
type Action string

const (
	ActionRead   Action = "access-read"
	ActionCreate Action = "access-create"
	ActionUpdate Action = "access-update"
	ActionDelete Action = "access-delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Period is the closed validity window [Start, End].
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) NotStarted(now time.Time) bool { return now.Before(p.Start) }
func (p Period) Expired(now time.Time) bool    { return now.After(p.End) }

// Grant is the canonical consent record. It is never hard-deleted; revoke
// moves it to inactive.
type Grant struct {
	ID            uuid.UUID `json:"id"`
	SubjectID     string    `json:"subject_id"`
	GranteeID     string    `json:"grantee_id"`
	Purpose       Purpose   `json:"purpose"`
	Status        Status    `json:"status"`
	Period        Period    `json:"period"`
	Actions       []Action  `json:"actions"`
	ResourceTypes []string  `json:"resource_types"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PermitsAction reports whether a is allowed. An empty action set permits
// every action.
func (g *Grant) PermitsAction(a Action) bool {
	if len(g.Actions) == 0 {
		return true
	}
	for _, allowed := range g.Actions {
		if allowed == a {
			return true
		}
	}
	return false
}

// PermitsResourceType reports whether resource type t is allowed. An empty
// set permits every type.
func (g *Grant) PermitsResourceType(t string) bool {
	if len(g.ResourceTypes) == 0 {
		return true
	}
	for _, allowed := range g.ResourceTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// Token is the persisted record of an issued consent token. The signed
// string itself is never stored.
type Token struct {
	ID            uuid.UUID  `json:"id"`
	GrantID       uuid.UUID  `json:"grant_id"`
	SubjectID     string     `json:"subject_id"`
	GranteeID     string     `json:"grantee_id"`
	Purpose       Purpose    `json:"purpose"`
	ResourceTypes []string   `json:"resource_types"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Revoked       bool       `json:"revoked"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// GrantInput is the request to create a grant. ValidFrom defaults to now.
type GrantInput struct {
	SubjectID     string    `json:"-"`
	GranteeID     string    `json:"grantee_id"`
	Purpose       string    `json:"purpose"`
	ResourceTypes []string  `json:"resource_types"`
	Actions       []string  `json:"actions,omitempty"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidUntil    time.Time `json:"valid_until"`
}

// RevokeResult describes the outcome of a revoke call.
type RevokeResult struct {
	GrantID        uuid.UUID `json:"grant_id"`
	RevokedTokens  int       `json:"revoked_tokens"`
	AlreadyRevoked bool      `json:"already_revoked"`
}

// RevokeReasonSuperseded marks tokens replaced by ReissueToken.
const RevokeReasonSuperseded = "superseded"
