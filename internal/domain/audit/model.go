// Package audit records every access decision in an append-only, hash-chained
// primary store and mirrors it, best effort, as a FHIR AuditEvent into a
// separate compliance database.
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Outcome of an audited decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

var ErrNotFound = errors.New("audit event not found")

// Event maps to the consent_audit_event table. Everything except MirrorID is
// immutable once appended.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Seq           int64          `json:"seq"`
	SubjectID     string         `json:"subject_id"`
	GranteeID     string         `json:"grantee_id"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id,omitempty"`
	GrantID       string         `json:"grant_id,omitempty"`
	Purpose       string         `json:"purpose"`
	Outcome       Outcome        `json:"outcome"`
	OutcomeReason string         `json:"outcome_reason,omitempty"`
	RequesterIP   string         `json:"requester_ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Recorded      time.Time      `json:"recorded"`
	MirrorID      string         `json:"mirror_id,omitempty"`
	PrevHash      string         `json:"prev_hash"`
	Hash          string         `json:"hash"`
}

// Result identifies the stored representations of one event.
type Result struct {
	PrimaryID   uuid.UUID `json:"primary_id"`
	SecondaryID string    `json:"secondary_id,omitempty"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	SubjectID string
	GranteeID string
	Outcome   Outcome
}

func (f Filter) matches(e *Event) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.GranteeID != "" && e.GranteeID != f.GranteeID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	return true
}
