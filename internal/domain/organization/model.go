// Package organization is the directory of organizations that may request
// access to patient records.
package organization

import (
	"context"
	"errors"
	"time"
)

// TypeHospital is the organization type code allowed to use emergency access.
const TypeHospital = "hospital"

var ErrNotFound = errors.New("organization not found")

// Organization maps to the organization table.
type Organization struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	TypeCode  string    `db:"type_code" json:"type_code"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsHospital reports whether the organization is a hospital.
func (o *Organization) IsHospital() bool { return o.TypeCode == TypeHospital }

// Directory resolves organizations by id.
type Directory interface {
	GetOrganization(ctx context.Context, id string) (*Organization, error)
}

// Repository is a Directory that can also register organizations.
type Repository interface {
	Directory
	Create(ctx context.Context, org *Organization) error
	SetActive(ctx context.Context, id string, active bool) error
}
