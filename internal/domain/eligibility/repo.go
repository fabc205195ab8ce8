package eligibility

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows a List query. Empty fields do not filter.
type Filter struct {
	Statuses      []LifecycleStatus
	TaskID        string
	PatientID     string
	PatientMPI    string
	AppointmentID string
}

// MutateFunc edits a locked record in place and reports whether it changed.
type MutateFunc func(rec *CheckRecord, now time.Time) (bool, error)

// CheckRepository persists check records. Every method except ActiveClinics
// is scoped by clinic. List returns records newest first, ties in insertion order; limit <= 0
// means no limit.
type CheckRepository interface {
	Create(ctx context.Context, rec *CheckRecord) error
	GetByID(ctx context.Context, clinicID string, id uuid.UUID) (*CheckRecord, error)
	GetByTaskID(ctx context.Context, clinicID, taskID string) (*CheckRecord, error)
	MutateByID(ctx context.Context, clinicID string, id uuid.UUID, fn MutateFunc) (*CheckRecord, error)
	MutateByTaskID(ctx context.Context, clinicID, taskID string, fn MutateFunc) (*CheckRecord, error)
	Delete(ctx context.Context, clinicID string, id uuid.UUID) error
	DeleteAll(ctx context.Context, clinicID string) (int64, error)
	List(ctx context.Context, clinicID string, f Filter, limit, offset int) ([]*CheckRecord, int, error)
	// ActiveClinics lists, sorted, the clinics holding pending or processing records.
	ActiveClinics(ctx context.Context) ([]string, error)
}
