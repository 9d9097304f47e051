package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // registers the "postgres" driver
)

// Mirror stores the compliance-format copy of an event and returns its id.
type Mirror interface {
	Write(ctx context.Context, e *Event) (string, error)
}

// SQLMirror writes FHIR R4 AuditEvent documents to the fhir_audit_event
// table of the compliance database.
type SQLMirror struct {
	db *sql.DB
}

func NewSQLMirror(db *sql.DB) *SQLMirror {
	return &SQLMirror{db: db}
}

// OpenSQLMirror connects to the compliance database with lib/pq.
func OpenSQLMirror(ctx context.Context, databaseURL string) (*SQLMirror, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open audit mirror database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit mirror database: %w", err)
	}
	return NewSQLMirror(db), nil
}

func (m *SQLMirror) Write(ctx context.Context, e *Event) (string, error) {
	id := uuid.New().String()
	doc, err := json.Marshal(ToFHIR(e, id))
	if err != nil {
		return "", fmt.Errorf("encode fhir audit event: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO fhir_audit_event (id, source_event_id, recorded, resource) VALUES ($1, $2, $3, $4)`,
		id, e.ID.String(), e.Recorded, doc)
	if err != nil {
		return "", fmt.Errorf("insert fhir audit event: %w", err)
	}
	return id, nil
}

func (m *SQLMirror) Close() error {
	return m.db.Close()
}

// FHIR outcome codes.
const (
	fhirOutcomeSuccess      = "0"
	fhirOutcomeMinorFailure = "4"
	fhirOutcomeSeriousFail  = "8"
)

func fhirOutcome(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return fhirOutcomeSuccess
	case OutcomeDenied:
		return fhirOutcomeMinorFailure
	default:
		return fhirOutcomeSeriousFail
	}
}

// fhirAction maps a requested action onto the AuditEvent action code.
func fhirAction(action string) string {
	switch strings.ToLower(action) {
	case "create":
		return "C"
	case "update":
		return "U"
	case "delete":
		return "D"
	case "read", "search":
		return "R"
	default:
		return "E"
	}
}

// purposeOfUse maps gateway purposes onto v3 ActReason codes.
var purposeOfUse = map[string]struct{ code, display string }{
	"TREATMENT": {"TREAT", "treatment"},
	"EMERGENCY": {"ETREAT", "emergency treatment"},
	"INSURANCE": {"COVERAGE", "coverage under policy or program"},
	"RESEARCH":  {"HRESCH", "healthcare research"},
}

// ToFHIR renders the event as a FHIR R4 AuditEvent with the given id.
func ToFHIR(e *Event, id string) map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "AuditEvent",
		"id":           id,
		"type": map[string]string{
			"system":  "http://terminology.hl7.org/CodeSystem/audit-event-type",
			"code":    "rest",
			"display": "RESTful Operation",
		},
		"subtype": []map[string]string{{
			"system": "http://hl7.org/fhir/restful-interaction",
			"code":   e.Action,
		}},
		"action":   fhirAction(e.Action),
		"recorded": e.Recorded.UTC().Format(time.RFC3339Nano),
		"outcome":  fhirOutcome(e.Outcome),
		"source": map[string]interface{}{
			"observer": map[string]string{"display": "consent-gateway"},
		},
	}
	if e.OutcomeReason != "" {
		result["outcomeDesc"] = e.OutcomeReason
	}
	if p, ok := purposeOfUse[e.Purpose]; ok {
		result["purposeOfEvent"] = []map[string]interface{}{{
			"coding": []map[string]string{{
				"system":  "http://terminology.hl7.org/CodeSystem/v3-ActReason",
				"code":    p.code,
				"display": p.display,
			}},
		}}
	}

	agent := map[string]interface{}{
		"who": map[string]interface{}{
			"identifier": map[string]string{"value": e.GranteeID},
			"display":    e.GranteeID,
		},
		"requestor": true,
	}
	if e.RequesterIP != "" {
		// type 2: IP address
		agent["network"] = map[string]string{"address": e.RequesterIP, "type": "2"}
	}
	result["agent"] = []map[string]interface{}{agent}

	entities := []map[string]interface{}{{
		"what": map[string]string{"reference": "Patient/" + e.SubjectID},
		"role": map[string]string{
			"system": "http://terminology.hl7.org/CodeSystem/object-role",
			"code":   "1",
		},
	}}
	if e.ResourceID != "" {
		entities = append(entities, map[string]interface{}{
			"what": map[string]string{"reference": e.ResourceType + "/" + e.ResourceID},
		})
	} else if e.ResourceType != "" {
		entities = append(entities, map[string]interface{}{
			"what": map[string]string{"type": e.ResourceType},
		})
	}
	if e.GrantID != "" {
		entities = append(entities, map[string]interface{}{
			"what": map[string]interface{}{
				"identifier": map[string]string{"value": e.GrantID},
				"type":       "Consent",
			},
		})
	}
	result["entity"] = entities
	return result
}
