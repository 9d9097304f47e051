package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// chainDomainKey is "consentgate.audit.event" zero-padded to 32 bytes.
// Changing it invalidates every stored hash.
var chainDomainKey = [32]byte{
	'c', 'o', 'n', 's', 'e', 'n', 't', 'g', 'a', 't', 'e', '.', 'a', 'u', 'd', 'i',
	't', '.', 'e', 'v', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// GenesisHash is the PrevHash of the first event.
const GenesisHash = ""

// sealedFields is the hashed view of an event. Field order is fixed by the
// struct; metadata keys are sorted by encoding/json.
type sealedFields struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	SubjectID     string         `json:"subject_id"`
	GranteeID     string         `json:"grantee_id"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	GrantID       string         `json:"grant_id"`
	Purpose       string         `json:"purpose"`
	Outcome       string         `json:"outcome"`
	OutcomeReason string         `json:"outcome_reason"`
	RequesterIP   string         `json:"requester_ip"`
	UserAgent     string         `json:"user_agent"`
	Metadata      map[string]any `json:"metadata"`
	Recorded      string         `json:"recorded"`
	PrevHash      string         `json:"prev_hash"`
}

// ComputeHash returns the hex BLAKE3 keyed hash of the event's immutable
// fields chained to prevHash.
func ComputeHash(e *Event, prevHash string) (string, error) {
	payload, err := json.Marshal(sealedFields{
		ID:            e.ID.String(),
		Seq:           e.Seq,
		SubjectID:     e.SubjectID,
		GranteeID:     e.GranteeID,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		GrantID:       e.GrantID,
		Purpose:       e.Purpose,
		Outcome:       string(e.Outcome),
		OutcomeReason: e.OutcomeReason,
		RequesterIP:   e.RequesterIP,
		UserAgent:     e.UserAgent,
		Metadata:      nilIfEmpty(e.Metadata),
		Recorded:      e.Recorded.UTC().Format(time.RFC3339Nano),
		PrevHash:      prevHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode audit event: %w", err)
	}
	h, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("audit hasher: %w", err)
	}
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// seal links e after prev (nil for the first event) and sets Seq, PrevHash
// and Hash.
func seal(e *Event, prev *Event) error {
	e.Seq = 1
	e.PrevHash = GenesisHash
	if prev != nil {
		e.Seq = prev.Seq + 1
		e.PrevHash = prev.Hash
	}
	hash, err := ComputeHash(e, e.PrevHash)
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}

// normalizeMetadata round-trips metadata through JSON so that the hashed
// form matches what a JSON column returns on read.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode audit metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode audit metadata: %w", err)
	}
	return out, nil
}

func nilIfEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
