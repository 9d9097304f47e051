package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeMirror records written events and fails while err is set.
type fakeMirror struct {
	mu     sync.Mutex
	events []*Event
	err    error
	nextID string
}

func (m *fakeMirror) Write(ctx context.Context, e *Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.events = append(m.events, e)
	if m.nextID != "" {
		return m.nextID, nil
	}
	return "mirror-" + e.ID.String(), nil
}

// failingMirrorLink fails SetMirrorID while delegating everything else.
type failingMirrorLink struct {
	*MemoryRepo
}

func (failingMirrorLink) SetMirrorID(context.Context, uuid.UUID, string) error {
	return errors.New("update failed")
}

func sampleEvent() *Event {
	return &Event{
		SubjectID:     "P1",
		GranteeID:     "ORG1",
		Action:        "read",
		ResourceType:  "Observation",
		Purpose:       "TREATMENT",
		Outcome:       OutcomeSuccess,
		OutcomeReason: "",
		RequesterIP:   "10.0.0.7",
		UserAgent:     "test",
		Metadata:      map[string]any{"grant_source": "token"},
	}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

func TestRecorder_PrimaryAndMirror(t *testing.T) {
	repo := NewMemoryRepo()
	mirror := &fakeMirror{nextID: "fhir-1"}
	rec := NewRecorder(repo, zerolog.Nop(), WithMirror(mirror), WithClock(func() time.Time { return fixedNow }))

	res, err := rec.Record(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.PrimaryID == uuid.Nil {
		t.Fatal("expected primary id")
	}
	if res.SecondaryID != "fhir-1" {
		t.Errorf("secondary id = %q", res.SecondaryID)
	}

	stored, err := repo.GetByID(context.Background(), res.PrimaryID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.MirrorID != "fhir-1" {
		t.Errorf("expected back-link, got %q", stored.MirrorID)
	}
	if stored.Seq != 1 || stored.PrevHash != GenesisHash || stored.Hash == "" {
		t.Errorf("unexpected chain fields: seq=%d prev=%q hash=%q", stored.Seq, stored.PrevHash, stored.Hash)
	}
	if !stored.Recorded.Equal(fixedNow.Truncate(time.Microsecond)) {
		t.Errorf("recorded = %v, want microsecond precision", stored.Recorded)
	}
}

func TestRecorder_NoMirror(t *testing.T) {
	repo := NewMemoryRepo()
	rec := NewRecorder(repo, zerolog.Nop())

	res, err := rec.Record(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.SecondaryID != "" {
		t.Errorf("expected no secondary id, got %q", res.SecondaryID)
	}
	if repo.Len() != 1 {
		t.Errorf("expected 1 primary event, got %d", repo.Len())
	}
}

func TestRecorder_MirrorFailureSwallowed(t *testing.T) {
	repo := NewMemoryRepo()
	mirror := &fakeMirror{err: errors.New("compliance db down")}
	failures := 0
	rec := NewRecorder(repo, zerolog.Nop(), WithMirror(mirror),
		WithMirrorFailureHook(func(context.Context) { failures++ }))

	res, err := rec.Record(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("mirror failure must not fail the record: %v", err)
	}
	if res.SecondaryID != "" {
		t.Errorf("expected no secondary id, got %q", res.SecondaryID)
	}
	if failures != 1 {
		t.Errorf("failure hook called %d times", failures)
	}
	stored, _ := repo.GetByID(context.Background(), res.PrimaryID)
	if stored.MirrorID != "" {
		t.Errorf("unexpected mirror id %q", stored.MirrorID)
	}
}

func TestRecorder_BackLinkFailureKeepsSecondaryID(t *testing.T) {
	repo := failingMirrorLink{NewMemoryRepo()}
	rec := NewRecorder(repo, zerolog.Nop(), WithMirror(&fakeMirror{nextID: "fhir-9"}))

	res, err := rec.Record(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.SecondaryID != "fhir-9" {
		t.Errorf("secondary id = %q", res.SecondaryID)
	}
}

func TestRecorder_PrimaryFailure(t *testing.T) {
	repo := NewMemoryRepo()
	repo.AppendErr = errors.New("disk full")
	mirror := &fakeMirror{}
	rec := NewRecorder(repo, zerolog.Nop(), WithMirror(mirror))

	_, err := rec.Record(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("expected primary failure to be returned")
	}
	if !errors.Is(err, repo.AppendErr) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if len(mirror.events) != 0 {
		t.Error("mirror must not be written when the primary write fails")
	}
}

func TestRecorder_DetachedFromCallerCancellation(t *testing.T) {
	repo := NewMemoryRepo()
	mirror := &fakeMirror{}
	rec := NewRecorder(repo, zerolog.Nop(), WithMirror(mirror))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := rec.Record(ctx, sampleEvent())
	if err != nil {
		t.Fatalf("Record with cancelled caller context: %v", err)
	}
	if repo.Len() != 1 {
		t.Fatal("expected primary write to complete")
	}
	if res.SecondaryID == "" {
		t.Error("expected mirror write to complete on the detached context")
	}
}

func TestRecorder_ChainsEvents(t *testing.T) {
	repo := NewMemoryRepo()
	rec := NewRecorder(repo, zerolog.Nop())
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		res, err := rec.Record(ctx, sampleEvent())
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		ids = append(ids, res.PrimaryID)
	}

	first, _ := repo.GetByID(ctx, ids[0])
	second, _ := repo.GetByID(ctx, ids[1])
	third, _ := repo.GetByID(ctx, ids[2])
	if second.PrevHash != first.Hash || third.PrevHash != second.Hash {
		t.Error("events are not linked by hash")
	}
	if third.Seq != 3 {
		t.Errorf("seq = %d, want 3", third.Seq)
	}
}
