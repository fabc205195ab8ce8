package eligibility

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KeyKind names which correlation key a lookup used.
type KeyKind string

const (
	KeyAppointment KeyKind = "appointment_id"
	KeyPatient     KeyKind = "patient_id"
	KeyMPI         KeyKind = "mpi"
)

// PatientKey identifies a patient by one correlation key.
type PatientKey struct {
	Kind  KeyKind
	Value string
}

// Lookup carries every key known for a patient; PriorChecks tries them in
// appointment, patient, MPI order.
type Lookup struct {
	AppointmentID string
	PatientID     string
	MPI           string
}

// TaskRef is either a concrete task id or a symbolic reference to the most
// recent task for an appointment.
type TaskRef struct {
	TaskID        string
	AppointmentID string
}

func (r TaskRef) Symbolic() bool { return r.TaskID == "" }

// Resolution is a record together with its normalized outcome and badge.
type Resolution struct {
	Record         *CheckRecord   `json:"record"`
	Outcome        Outcome        `json:"outcome"`
	Classification Classification `json:"classification"`
}

// Resolve normalizes and classifies a record.
func Resolve(rec *CheckRecord) Resolution {
	outcome := NormalizeRecord(rec)
	return Resolution{Record: rec, Outcome: outcome, Classification: Classify(rec, outcome)}
}

var usableStatuses = []LifecycleStatus{StatusPending, StatusProcessing, StatusComplete, StatusError}

// Service is the history reconciler over persisted checks.
type Service struct {
	checks CheckRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(checks CheckRepository, logger zerolog.Logger) *Service {
	return &Service{checks: checks, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) Create(ctx context.Context, clinicID string, rec *CheckRecord) error {
	if clinicID == "" {
		return ErrClinicRequired
	}
	if rec.TaskID == "" {
		return ErrTaskIDRequired
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, rec.Status)
	}
	now := s.now()
	rec.ClinicID = clinicID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.CompletedAt = nil
	if rec.Status.Terminal() {
		rec.CompletedAt = &now
	}
	return s.checks.Create(ctx, rec)
}

func (s *Service) Update(ctx context.Context, clinicID string, id uuid.UUID, p Patch) (*CheckRecord, error) {
	if clinicID == "" {
		return nil, ErrClinicRequired
	}
	rec, err := s.checks.MutateByID(ctx, clinicID, id, func(rec *CheckRecord, now time.Time) (bool, error) {
		return rec.ApplyPatch(p, now)
	})
	if errors.Is(err, ErrStatusRegression) {
		s.logger.Warn().Str("clinic_id", clinicID).Str("check_id", id.String()).
			Str("from", string(rec.Status)).Str("to", string(p.Status)).Msg("rejected status regression")
	}
	return rec, err
}

// UpdateByTaskID merges a snapshot into the check for taskID. Re-applying the
// same snapshot is a no-op; a regressing status is rejected with
// ErrStatusRegression and the stored record is returned unchanged.
func (s *Service) UpdateByTaskID(ctx context.Context, clinicID, taskID string, snap Snapshot) (*CheckRecord, error) {
	if clinicID == "" {
		return nil, ErrClinicRequired
	}
	if taskID == "" {
		return nil, ErrTaskIDRequired
	}
	rec, err := s.checks.MutateByTaskID(ctx, clinicID, taskID, func(rec *CheckRecord, now time.Time) (bool, error) {
		return rec.Apply(snap, now)
	})
	if errors.Is(err, ErrStatusRegression) {
		s.logger.Warn().Str("clinic_id", clinicID).Str("task_id", taskID).
			Str("from", string(rec.Status)).Str("to", string(snap.Status)).Msg("rejected status regression")
	}
	return rec, err
}

func (s *Service) Delete(ctx context.Context, clinicID string, id uuid.UUID) error {
	if clinicID == "" {
		return ErrClinicRequired
	}
	return s.checks.Delete(ctx, clinicID, id)
}

func (s *Service) ClearAll(ctx context.Context, clinicID string) (int64, error) {
	if clinicID == "" {
		return 0, ErrClinicRequired
	}
	n, err := s.checks.DeleteAll(ctx, clinicID)
	if err == nil {
		s.logger.Info().Str("clinic_id", clinicID).Int64("deleted", n).Msg("cleared eligibility history")
	}
	return n, err
}

// ActiveClinics lists the clinics that still have checks in flight.
func (s *Service) ActiveClinics(ctx context.Context) ([]string, error) {
	return s.checks.ActiveClinics(ctx)
}

func (s *Service) GetByID(ctx context.Context, clinicID string, id uuid.UUID) (*CheckRecord, error) {
	if clinicID == "" {
		return nil, ErrClinicRequired
	}
	return s.checks.GetByID(ctx, clinicID, id)
}

func (s *Service) GetByTaskID(ctx context.Context, clinicID, taskID string) (*CheckRecord, error) {
	if clinicID == "" {
		return nil, ErrClinicRequired
	}
	return s.checks.GetByTaskID(ctx, clinicID, taskID)
}

func (s *Service) GetAll(ctx context.Context, clinicID string, limit, offset int) ([]*CheckRecord, int, error) {
	return s.list(ctx, clinicID, Filter{}, limit, offset)
}

func (s *Service) GetActive(ctx context.Context, clinicID string, limit, offset int) ([]*CheckRecord, int, error) {
	return s.list(ctx, clinicID, Filter{Statuses: []LifecycleStatus{StatusPending, StatusProcessing}}, limit, offset)
}

func (s *Service) GetCompleted(ctx context.Context, clinicID string, limit, offset int) ([]*CheckRecord, int, error) {
	return s.list(ctx, clinicID, Filter{Statuses: []LifecycleStatus{StatusComplete, StatusError}}, limit, offset)
}

func (s *Service) GetByPatientID(ctx context.Context, clinicID, patientID string) ([]*CheckRecord, error) {
	items, _, err := s.list(ctx, clinicID, Filter{PatientID: patientID}, 0, 0)
	return items, err
}

func (s *Service) GetByMPI(ctx context.Context, clinicID, mpi string) ([]*CheckRecord, error) {
	items, _, err := s.list(ctx, clinicID, Filter{PatientMPI: mpi}, 0, 0)
	return items, err
}

func (s *Service) GetByAppointmentID(ctx context.Context, clinicID, appointmentID string) ([]*CheckRecord, error) {
	items, _, err := s.list(ctx, clinicID, Filter{AppointmentID: appointmentID}, 0, 0)
	return items, err
}

func (s *Service) list(ctx context.Context, clinicID string, f Filter, limit, offset int) ([]*CheckRecord, int, error) {
	if clinicID == "" {
		return nil, 0, ErrClinicRequired
	}
	return s.checks.List(ctx, clinicID, f, limit, offset)
}

func (s *Service) byKey(ctx context.Context, clinicID string, key PatientKey) ([]*CheckRecord, error) {
	switch key.Kind {
	case KeyAppointment:
		return s.GetByAppointmentID(ctx, clinicID, key.Value)
	case KeyPatient:
		return s.GetByPatientID(ctx, clinicID, key.Value)
	case KeyMPI:
		return s.GetByMPI(ctx, clinicID, key.Value)
	default:
		return nil, fmt.Errorf("unknown patient key kind %q", key.Kind)
	}
}

// CurrentStatus answers "what is this patient's eligibility right now": the
// newest usable record found under key, resolved and classified.
func (s *Service) CurrentStatus(ctx context.Context, clinicID string, key PatientKey) (*Resolution, error) {
	if key.Value == "" {
		return nil, fmt.Errorf("%s is required", key.Kind)
	}
	records, err := s.byKey(ctx, clinicID, key)
	if err != nil {
		return nil, err
	}
	current := SelectCurrent(records)
	if current == nil {
		return nil, ErrNotFound
	}
	res := Resolve(current)
	return &res, nil
}

// SelectCurrent returns the most recently created record whose lifecycle
// status is usable. Ties on CreatedAt go to the earlier insertion.
func SelectCurrent(records []*CheckRecord) *CheckRecord {
	candidates := make([]*CheckRecord, 0, len(records))
	for _, r := range records {
		if r != nil && r.Status.Valid() {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })
	return candidates[0]
}

// PriorChecks walks appointment id, patient id, then MPI and stops at the
// first key that yields any record. Results of different keys are never
// merged.
func (s *Service) PriorChecks(ctx context.Context, clinicID string, l Lookup) ([]*CheckRecord, KeyKind, error) {
	chain := []PatientKey{
		{Kind: KeyAppointment, Value: l.AppointmentID},
		{Kind: KeyPatient, Value: l.PatientID},
		{Kind: KeyMPI, Value: l.MPI},
	}
	for _, key := range chain {
		if key.Value == "" {
			continue
		}
		records, err := s.byKey(ctx, clinicID, key)
		if err != nil {
			return nil, "", err
		}
		if len(records) > 0 {
			return records, key.Kind, nil
		}
	}
	return nil, "", nil
}

// ResolveTaskRef turns a task reference into a concrete task id. A symbolic
// reference resolves to the task of the appointment's current check.
func (s *Service) ResolveTaskRef(ctx context.Context, clinicID string, ref TaskRef) (string, error) {
	if !ref.Symbolic() {
		return ref.TaskID, nil
	}
	if ref.AppointmentID == "" {
		return "", ErrUnresolvableTask
	}
	records, err := s.GetByAppointmentID(ctx, clinicID, ref.AppointmentID)
	if err != nil {
		return "", err
	}
	current := SelectCurrent(records)
	if current == nil || current.TaskID == "" {
		return "", ErrUnresolvableTask
	}
	return current.TaskID, nil
}
