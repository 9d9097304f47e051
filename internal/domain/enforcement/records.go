package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRecordNotFound is returned by a RecordFetcher when the store has no
// such resource.
var ErrRecordNotFound = errors.New("clinical record not found")

// ClinicalRecord is the part of a clinical resource the gateway inspects.
// Resource is passed through unchanged.
type ClinicalRecord struct {
	ResourceType string          `json:"resource_type"`
	ID           string          `json:"id"`
	Status       string          `json:"status,omitempty"`
	PatientID    string          `json:"patient_id,omitempty"`
	Resource     json.RawMessage `json:"resource"`
}

// RecordFetcher reads one resource from the clinical record store.
type RecordFetcher interface {
	Fetch(ctx context.Context, resourceType, id string) (*ClinicalRecord, error)
}

// FHIRRecordClient fetches resources from a FHIR R4 REST endpoint.
type FHIRRecordClient struct {
	baseURL string
	client  *http.Client
}

func NewFHIRRecordClient(baseURL string, timeout time.Duration) *FHIRRecordClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FHIRRecordClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch performs GET {base}/{type}/{id}. A 404 or 410 maps to
// ErrRecordNotFound; any other non-2xx status is an error.
func (c *FHIRRecordClient) Fetch(ctx context.Context, resourceType, id string) (*ClinicalRecord, error) {
	endpoint := c.baseURL + "/" + url.PathEscape(resourceType) + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build record request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", resourceType, id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, ErrRecordNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetch %s/%s: unexpected status %d", resourceType, id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	return parseRecord(body)
}

type fhirReference struct {
	Reference string `json:"reference"`
}

type fhirEnvelope struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Active       *bool          `json:"active"`
	Subject      *fhirReference `json:"subject"`
	Patient      *fhirReference `json:"patient"`
}

func parseRecord(body []byte) (*ClinicalRecord, error) {
	var env fhirEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if env.ResourceType == "" {
		return nil, fmt.Errorf("decode record: missing resourceType")
	}

	rec := &ClinicalRecord{
		ResourceType: env.ResourceType,
		ID:           env.ID,
		Status:       env.Status,
		Resource:     json.RawMessage(body),
	}
	switch {
	case env.ResourceType == "Patient":
		rec.PatientID = env.ID
		if env.Active != nil && !*env.Active {
			rec.Status = "inactive"
		}
	case env.Subject != nil:
		rec.PatientID = patientFromReference(env.Subject.Reference)
	case env.Patient != nil:
		rec.PatientID = patientFromReference(env.Patient.Reference)
	}
	return rec, nil
}

// patientFromReference returns the id of a relative or absolute
// "Patient/{id}" reference, or "" for a reference to anything else.
func patientFromReference(ref string) string {
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return ""
	}
	typ, id := parts[len(parts)-2], parts[len(parts)-1]
	if typ != "Patient" || id == "" {
		return ""
	}
	return id
}

// scopeRecord applies an allow decision to a fetched record. It returns a
// denial reason, or "" when the record may be returned.
func scopeRecord(rec *ClinicalRecord, d Decision, subjectID, resourceType, resourceID string) string {
	if rec.ID != resourceID {
		return ReasonRecordNotFound
	}
	if rec.ResourceType != resourceType {
		return ReasonRecordOutOfScope
	}
	if d.Restrictions != nil && !d.Restrictions.Permits(rec.ResourceType) {
		return ReasonRecordOutOfScope
	}
	if rec.PatientID != subjectID {
		return ReasonRecordSubjectMismatch
	}
	if rec.Status == "entered-in-error" || rec.Status == "inactive" {
		return ReasonRecordNotActive
	}
	return ""
}
