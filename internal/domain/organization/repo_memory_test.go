package organization

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo(&Organization{ID: "HOSP1", Name: "City Hospital", TypeCode: TypeHospital, Active: true})

	o, err := repo.GetOrganization(ctx, "HOSP1")
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if !o.IsHospital() || !o.Active {
		t.Errorf("unexpected organization: %+v", o)
	}

	// Returned values are copies.
	o.Active = false
	again, _ := repo.GetOrganization(ctx, "HOSP1")
	if !again.Active {
		t.Error("mutating a returned organization changed the stored one")
	}

	if _, err := repo.GetOrganization(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_CreateAndDeactivate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	org := &Organization{ID: "INS1", Name: "Acme Insurance", TypeCode: "insurer", Active: true}
	if err := repo.Create(ctx, org); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if org.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if err := repo.Create(ctx, org); err == nil {
		t.Error("expected duplicate id error")
	}

	if err := repo.SetActive(ctx, "INS1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	o, _ := repo.GetOrganization(ctx, "INS1")
	if o.Active {
		t.Error("expected organization to be inactive")
	}
	if o.IsHospital() {
		t.Error("insurer reported as hospital")
	}
	if err := repo.SetActive(ctx, "nope", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_Err(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Err = errors.New("connection refused")
	if _, err := repo.GetOrganization(context.Background(), "HOSP1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected dependency error, got %v", err)
	}
}
