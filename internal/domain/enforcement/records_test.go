package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ehr/consentgate/internal/domain/audit"
)

type fakeRecords struct {
	records map[string]*ClinicalRecord
	err     error
	calls   int
}

func (f *fakeRecords) Fetch(_ context.Context, resourceType, id string) (*ClinicalRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[resourceType+"/"+id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func observation(id, patient, status string) *ClinicalRecord {
	return &ClinicalRecord{
		ResourceType: "Observation",
		ID:           id,
		Status:       status,
		PatientID:    patient,
		Resource:     json.RawMessage(`{"resourceType":"Observation","id":"` + id + `"}`),
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		patient string
		status  string
	}{
		{"subject", `{"resourceType":"Observation","id":"o1","status":"final","subject":{"reference":"Patient/P1"}}`, "P1", "final"},
		{"patient field", `{"resourceType":"AllergyIntolerance","id":"a1","patient":{"reference":"Patient/P2"}}`, "P2", ""},
		{"absolute reference", `{"resourceType":"Observation","id":"o2","subject":{"reference":"https://fhir.example.org/Patient/P3/_history/2"}}`, "P3", ""},
		{"group subject", `{"resourceType":"Observation","id":"o3","subject":{"reference":"Group/G1"}}`, "", ""},
		{"patient-like segment", `{"resourceType":"Observation","id":"o4","subject":{"reference":"Group/OutPatient/P1"}}`, "", ""},
		{"patient resource", `{"resourceType":"Patient","id":"P1"}`, "P1", ""},
		{"inactive patient", `{"resourceType":"Patient","id":"P1","active":false}`, "P1", "inactive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := parseRecord([]byte(tt.body))
			if err != nil {
				t.Fatalf("parseRecord: %v", err)
			}
			if rec.PatientID != tt.patient || rec.Status != tt.status {
				t.Errorf("got patient=%q status=%q, want %q %q", rec.PatientID, rec.Status, tt.patient, tt.status)
			}
			if string(rec.Resource) != tt.body {
				t.Error("resource body must pass through unchanged")
			}
		})
	}

	if _, err := parseRecord([]byte(`{"id":"x"}`)); err == nil {
		t.Error("expected error for missing resourceType")
	}
	if _, err := parseRecord([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestPatientFromReference(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"Patient/P1", "P1"},
		{"https://fhir.example.org/r4/Patient/P1", "P1"},
		{"Patient/P1/_history/3", "P1"},
		{"OutPatient/P1", ""},
		{"Group/OutPatient/P1", ""},
		{"Patient/", ""},
		{"Patient", ""},
		{"Practitioner/P1", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := patientFromReference(tt.ref); got != tt.want {
			t.Errorf("patientFromReference(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestFHIRRecordClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/fhir+json" {
			t.Errorf("unexpected accept header %q", r.Header.Get("Accept"))
		}
		switch r.URL.Path {
		case "/fhir/Observation/o1":
			w.Header().Set("Content-Type", "application/fhir+json")
			_, _ = w.Write([]byte(`{"resourceType":"Observation","id":"o1","status":"final","subject":{"reference":"Patient/P1"}}`))
		case "/fhir/Observation/gone":
			w.WriteHeader(http.StatusGone)
		case "/fhir/Observation/boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewFHIRRecordClient(srv.URL+"/fhir/", time.Second)
	ctx := context.Background()

	rec, err := client.Fetch(ctx, "Observation", "o1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rec.ID != "o1" || rec.PatientID != "P1" || rec.Status != "final" {
		t.Errorf("unexpected record: %+v", rec)
	}

	for _, id := range []string{"missing", "gone"} {
		if _, err := client.Fetch(ctx, "Observation", id); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("%s: expected ErrRecordNotFound, got %v", id, err)
		}
	}
	if _, err := client.Fetch(ctx, "Observation", "boom"); err == nil || errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected a non-not-found error, got %v", err)
	}
}

func TestScopeRecord(t *testing.T) {
	allow := Decision{Allowed: true, Restrictions: &Restrictions{ResourceTypes: []string{"Observation"}}}

	tests := []struct {
		name string
		rec  *ClinicalRecord
		want string
	}{
		{"in scope", observation("o1", "P1", "final"), ""},
		{"other patient", observation("o1", "P2", "final"), ReasonRecordSubjectMismatch},
		{"no patient", observation("o1", "", "final"), ReasonRecordSubjectMismatch},
		{"entered in error", observation("o1", "P1", "entered-in-error"), ReasonRecordNotActive},
		{"wrong type", &ClinicalRecord{ResourceType: "Condition", ID: "o1", PatientID: "P1"}, ReasonRecordOutOfScope},
		{"different resource returned", observation("o2", "P1", "final"), ReasonRecordNotFound},
	}
	for _, tt := range tests {
		if got := scopeRecord(tt.rec, allow, "P1", "Observation", "o1"); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestHandler_GetRecord(t *testing.T) {
	f := newFixture(t)
	records := &fakeRecords{records: map[string]*ClinicalRecord{
		"Observation/o1": observation("o1", "P1", "final"),
		"Observation/o2": observation("o2", "P2", "final"),
		"Observation/o3": observation("o1", "P1", "final"),
	}}
	s, repo := newGatewayServer(t, f, records)
	_, token := f.grant(t, scenarioInput())

	tests := []struct {
		name    string
		path    string
		code    int
		outcome audit.Outcome
		reason  string
		fetched bool
	}{
		{"allowed", "/api/v1/records/Observation/o1?patient=P1&purpose=TREATMENT", http.StatusOK, audit.OutcomeSuccess, "", true},
		{"purpose mismatch", "/api/v1/records/Observation/o1?patient=P1&purpose=INSURANCE", http.StatusForbidden, audit.OutcomeDenied, "Purpose mismatch: token allows TREATMENT, requested INSURANCE", false},
		{"type not consented", "/api/v1/records/Condition/c1?patient=P1&purpose=TREATMENT", http.StatusForbidden, audit.OutcomeDenied, "Resource type Condition is not permitted by this consent", false},
		{"other patient's record", "/api/v1/records/Observation/o2?patient=P1&purpose=TREATMENT", http.StatusForbidden, audit.OutcomeDenied, ReasonRecordSubjectMismatch, true},
		{"missing record", "/api/v1/records/Observation/o9?patient=P1&purpose=TREATMENT", http.StatusNotFound, audit.OutcomeDenied, ReasonRecordNotFound, true},
		{"store returned another record", "/api/v1/records/Observation/o3?patient=P1&purpose=TREATMENT", http.StatusForbidden, audit.OutcomeDenied, ReasonRecordNotFound, true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := records.calls
			rec := s.do(http.MethodGet, tt.path, "", token)
			if rec.Code != tt.code {
				t.Fatalf("status %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			if fetched := records.calls > before; fetched != tt.fetched {
				t.Errorf("fetched=%v, want %v", fetched, tt.fetched)
			}
			if repo.Len() != i+1 {
				t.Fatalf("expected %d audit events, got %d", i+1, repo.Len())
			}
			ev := lastEvent(t, repo)
			if ev.Outcome != tt.outcome || ev.OutcomeReason != tt.reason {
				t.Errorf("audit outcome=%q reason=%q, want %q %q", ev.Outcome, ev.OutcomeReason, tt.outcome, tt.reason)
			}
			if ev.Action != "read" || ev.ResourceID == "" {
				t.Errorf("unexpected audit event: %+v", ev)
			}
		})
	}
}

func TestHandler_GetRecord_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	records := &fakeRecords{err: errors.New("dial tcp: i/o timeout")}
	s, repo := newGatewayServer(t, f, records)
	_, token := f.grant(t, scenarioInput())

	rec := s.do(http.MethodGet, "/api/v1/records/Observation/o1?patient=P1&purpose=TREATMENT", "", token)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	ev := lastEvent(t, repo)
	if ev.Outcome != audit.OutcomeError || ev.OutcomeReason != ReasonRecordUnavailable {
		t.Errorf("unexpected audit event: %+v", ev)
	}
	if ev.GrantID == "" {
		t.Error("expected the allowing grant on the audit event")
	}
}

func TestHandler_GetRecord_RequiresQuery(t *testing.T) {
	f := newFixture(t)
	s, repo := newGatewayServer(t, f, &fakeRecords{})

	if rec := s.do(http.MethodGet, "/api/v1/records/Observation/o1?patient=P1", "", "tok"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if repo.Len() != 1 {
		t.Fatalf("expected the rejected request audited once, got %d", repo.Len())
	}
	ev := lastEvent(t, repo)
	if ev.Outcome != audit.OutcomeDenied || ev.OutcomeReason != ReasonMalformedRequest {
		t.Errorf("unexpected audit event: %+v", ev)
	}
	if ev.SubjectID != "P1" || ev.ResourceID != "o1" || ev.GranteeID != "ORG1" {
		t.Errorf("audit event lost request context: %+v", ev)
	}
}
