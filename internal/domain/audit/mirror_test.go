package audit

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

const insertFHIR = `INSERT INTO fhir_audit_event (id, source_event_id, recorded, resource) VALUES ($1, $2, $3, $4)`

func TestSQLMirror_Write(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	e := sampleEvent()
	e.ID = uuid.New()
	e.Recorded = fixedNow

	mock.ExpectExec(regexp.QuoteMeta(insertFHIR)).
		WithArgs(sqlmock.AnyArg(), e.ID.String(), e.Recorded, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := NewSQLMirror(db).Write(context.Background(), e)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("mirror id %q is not a uuid", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLMirror_WriteError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cause := errors.New("relation does not exist")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fhir_audit_event")).WillReturnError(cause)

	e := sampleEvent()
	e.ID = uuid.New()
	if _, err := NewSQLMirror(db).Write(context.Background(), e); !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestSQLMirror_WithRecorder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fhir_audit_event")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewMemoryRepo()
	rec := NewRecorder(repo, nopLogger(), WithMirror(NewSQLMirror(db)))
	res, err := rec.Record(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), res.PrimaryID)
	if stored.MirrorID == "" || stored.MirrorID != res.SecondaryID {
		t.Errorf("back-link %q does not match secondary id %q", stored.MirrorID, res.SecondaryID)
	}
}

func TestToFHIR(t *testing.T) {
	tests := []struct {
		outcome Outcome
		action  string
		code    string
		fhirAct string
	}{
		{OutcomeSuccess, "read", "0", "R"},
		{OutcomeDenied, "search", "4", "R"},
		{OutcomeError, "update", "8", "U"},
		{OutcomeSuccess, "emergency-access", "0", "E"},
	}
	for _, tt := range tests {
		e := sampleEvent()
		e.ID = uuid.New()
		e.Recorded = fixedNow
		e.Outcome = tt.outcome
		e.Action = tt.action
		e.ResourceID = "obs-1"
		e.GrantID = "grant-1"

		doc := ToFHIR(e, "fhir-1")
		raw, err := json.Marshal(doc)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var parsed struct {
			ResourceType   string `json:"resourceType"`
			ID             string `json:"id"`
			Outcome        string `json:"outcome"`
			Action         string `json:"action"`
			PurposeOfEvent []struct {
				Coding []struct {
					Code string `json:"code"`
				} `json:"coding"`
			} `json:"purposeOfEvent"`
			Agent []struct {
				Network struct {
					Address string `json:"address"`
				} `json:"network"`
			} `json:"agent"`
			Entity []struct {
				What map[string]any `json:"what"`
			} `json:"entity"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if parsed.ResourceType != "AuditEvent" || parsed.ID != "fhir-1" {
			t.Errorf("unexpected header: %+v", parsed)
		}
		if parsed.Outcome != tt.code {
			t.Errorf("%s: outcome = %q, want %q", tt.outcome, parsed.Outcome, tt.code)
		}
		if parsed.Action != tt.fhirAct {
			t.Errorf("%s: action = %q, want %q", tt.action, parsed.Action, tt.fhirAct)
		}
		if len(parsed.PurposeOfEvent) != 1 || parsed.PurposeOfEvent[0].Coding[0].Code != "TREAT" {
			t.Errorf("unexpected purpose: %+v", parsed.PurposeOfEvent)
		}
		if len(parsed.Agent) != 1 || parsed.Agent[0].Network.Address != "10.0.0.7" {
			t.Errorf("unexpected agent: %+v", parsed.Agent)
		}
		if len(parsed.Entity) != 3 || parsed.Entity[0].What["reference"] != "Patient/P1" ||
			parsed.Entity[1].What["reference"] != "Observation/obs-1" {
			t.Errorf("unexpected entities: %+v", parsed.Entity)
		}
	}
}
