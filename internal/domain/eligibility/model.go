package eligibility

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("eligibility check not found")
	ErrStatusRegression = errors.New("status transition would regress the check lifecycle")
	ErrInvalidStatus    = errors.New("invalid lifecycle status")
	ErrUnresolvableTask = errors.New("task reference does not resolve to any check")
	ErrClinicRequired   = errors.New("clinic id is required")
	ErrTaskIDRequired   = errors.New("task id is required")
	ErrDuplicateTask    = errors.New("a check already exists for this task id")
)

// LifecycleStatus is the progress of a check, not its verdict.
type LifecycleStatus string

const (
	StatusPending    LifecycleStatus = "pending"
	StatusProcessing LifecycleStatus = "processing"
	StatusComplete   LifecycleStatus = "complete"
	StatusError      LifecycleStatus = "error"
)

var lifecycleRank = map[LifecycleStatus]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusComplete:   2,
	StatusError:      2,
}

func (s LifecycleStatus) Valid() bool {
	_, ok := lifecycleRank[s]
	return ok
}

func (s LifecycleStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// CanAdvanceTo reports whether next is a legal successor of s. Re-applying
// the current status is allowed; terminal statuses accept nothing else.
func (s LifecycleStatus) CanAdvanceTo(next LifecycleStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() || !next.Valid() {
		return false
	}
	return lifecycleRank[next] > lifecycleRank[s]
}

// InterimResults are artifacts the remote task produces while still running.
type InterimResults struct {
	Screenshot string          `json:"screenshot,omitempty"`
	Documents  json.RawMessage `json:"documents,omitempty"`
}

func (i *InterimResults) empty() bool {
	return i == nil || (i.Screenshot == "" && len(i.Documents) == 0)
}

// CheckRecord maps to the eligibility_check table.
type CheckRecord struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Seq             int64           `db:"seq" json:"-"`
	ClinicID        string          `db:"clinic_id" json:"clinic_id"`
	TaskID          string          `db:"task_id" json:"task_id"`
	PatientID       *string         `db:"patient_id" json:"patient_id,omitempty"`
	PatientMPI      *string         `db:"patient_mpi" json:"patient_mpi,omitempty"`
	AppointmentID   *string         `db:"appointment_id" json:"appointment_id,omitempty"`
	EncounterID     *string         `db:"encounter_id" json:"encounter_id,omitempty"`
	PayerID         *string         `db:"payer_id" json:"payer_id,omitempty"`
	SearchAll       bool            `db:"search_all" json:"search_all"`
	Status          LifecycleStatus `db:"status" json:"status"`
	Result          json.RawMessage `db:"result" json:"result,omitempty"`
	EnrichedResult  json.RawMessage `db:"enriched_result" json:"enriched_result,omitempty"`
	InterimResults  *InterimResults `db:"interim_results" json:"interim_results,omitempty"`
	PollingAttempts int             `db:"polling_attempts" json:"polling_attempts"`
	Error           *string         `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Snapshot is one field set written against a check. Zero-valued fields are
// not written, so writers touching disjoint fields never overwrite each other.
type Snapshot struct {
	Status         LifecycleStatus `json:"status,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	EnrichedResult json.RawMessage `json:"enriched_result,omitempty"`
	Interim        *InterimResults `json:"interim_results,omitempty"`
	Error          *string         `json:"error,omitempty"`
	Attempts       int             `json:"polling_attempts,omitempty"`
}

// Patch is a caller-driven update: a snapshot plus correlation keys.
type Patch struct {
	Snapshot
	PatientID     *string `json:"patient_id,omitempty"`
	PatientMPI    *string `json:"patient_mpi,omitempty"`
	AppointmentID *string `json:"appointment_id,omitempty"`
	EncounterID   *string `json:"encounter_id,omitempty"`
}

// Apply merges s into the record. A status write that would move the
// lifecycle backwards rejects the whole snapshot and leaves r untouched.
func (r *CheckRecord) Apply(s Snapshot, now time.Time) (bool, error) {
	if s.Status != "" {
		if !s.Status.Valid() {
			return false, ErrInvalidStatus
		}
		if !r.Status.CanAdvanceTo(s.Status) {
			return false, ErrStatusRegression
		}
	}

	changed := false
	if s.Status != "" && s.Status != r.Status {
		r.Status = s.Status
		if s.Status.Terminal() {
			t := now
			r.CompletedAt = &t
		}
		changed = true
	}
	if len(s.Result) > 0 && !bytes.Equal(s.Result, r.Result) {
		r.Result = s.Result
		changed = true
	}
	if len(s.EnrichedResult) > 0 && !bytes.Equal(s.EnrichedResult, r.EnrichedResult) {
		r.EnrichedResult = s.EnrichedResult
		changed = true
	}
	if !s.Interim.empty() {
		merged := mergeInterim(r.InterimResults, s.Interim)
		if r.InterimResults == nil || !interimEqual(merged, r.InterimResults) {
			r.InterimResults = merged
			changed = true
		}
	}
	if s.Error != nil && (r.Error == nil || *r.Error != *s.Error) {
		e := *s.Error
		r.Error = &e
		changed = true
	}
	if s.Attempts > r.PollingAttempts {
		r.PollingAttempts = s.Attempts
		changed = true
	}
	if changed {
		r.UpdatedAt = now
	}
	return changed, nil
}

// ApplyPatch applies the snapshot part first so a rejected status leaves the
// correlation keys untouched as well.
func (r *CheckRecord) ApplyPatch(p Patch, now time.Time) (bool, error) {
	changed, err := r.Apply(p.Snapshot, now)
	if err != nil {
		return false, err
	}
	for _, kv := range []struct {
		dst **string
		src *string
	}{
		{&r.PatientID, p.PatientID},
		{&r.PatientMPI, p.PatientMPI},
		{&r.AppointmentID, p.AppointmentID},
		{&r.EncounterID, p.EncounterID},
	} {
		if kv.src == nil {
			continue
		}
		if *kv.dst == nil || **kv.dst != *kv.src {
			v := *kv.src
			*kv.dst = &v
			changed = true
		}
	}
	if changed {
		r.UpdatedAt = now
	}
	return changed, nil
}

func mergeInterim(cur, next *InterimResults) *InterimResults {
	out := &InterimResults{}
	if cur != nil {
		*out = *cur
	}
	if next.Screenshot != "" {
		out.Screenshot = next.Screenshot
	}
	if len(next.Documents) > 0 {
		out.Documents = next.Documents
	}
	return out
}

func interimEqual(a, b *InterimResults) bool {
	return a.Screenshot == b.Screenshot && bytes.Equal(a.Documents, b.Documents)
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
