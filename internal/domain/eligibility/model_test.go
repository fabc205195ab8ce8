package eligibility

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestLifecycleStatus_CanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to LifecycleStatus
		want     bool
	}{
		{StatusPending, StatusPending, true},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusComplete, true},
		{StatusPending, StatusError, true},
		{StatusProcessing, StatusPending, false},
		{StatusProcessing, StatusComplete, true},
		{StatusComplete, StatusProcessing, false},
		{StatusComplete, StatusError, false},
		{StatusError, StatusComplete, false},
		{StatusError, StatusError, true},
		{StatusPending, LifecycleStatus("queued"), false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func rank(s LifecycleStatus) int { return lifecycleRank[s] }

func TestApply_StatusNeverRegresses(t *testing.T) {
	sequences := [][]LifecycleStatus{
		{StatusPending, StatusProcessing, StatusPending, StatusComplete, StatusProcessing},
		{StatusProcessing, StatusProcessing, StatusError, StatusComplete, StatusPending},
		{StatusComplete, StatusPending, StatusProcessing},
		{StatusPending, StatusError, StatusError},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, seq := range sequences {
		rec := &CheckRecord{Status: StatusPending}
		prev := rec.Status
		for _, s := range seq {
			before := *rec
			_, err := rec.Apply(Snapshot{Status: s}, now)
			if err != nil {
				if !errors.Is(err, ErrStatusRegression) {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.Status != before.Status || rec.UpdatedAt != before.UpdatedAt {
					t.Fatalf("rejected snapshot changed the record")
				}
			}
			if rank(rec.Status) < rank(prev) {
				t.Fatalf("status regressed from %s to %s in %v", prev, rec.Status, seq)
			}
			if rec.Status.Terminal() != (rec.CompletedAt != nil) {
				t.Fatalf("completed_at must be set iff terminal (status %s)", rec.Status)
			}
			prev = rec.Status
		}
	}
}

func TestApply_RejectedSnapshotWritesNothing(t *testing.T) {
	rec := &CheckRecord{Status: StatusComplete, PollingAttempts: 2}
	_, err := rec.Apply(Snapshot{
		Status:   StatusProcessing,
		Interim:  &InterimResults{Screenshot: "shot.png"},
		Attempts: 9,
	}, time.Now())
	if !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("expected ErrStatusRegression, got %v", err)
	}
	if rec.InterimResults != nil || rec.PollingAttempts != 2 {
		t.Errorf("rejected snapshot leaked fields: %+v", rec)
	}
}

func TestApply_IdempotentSnapshot(t *testing.T) {
	rec := &CheckRecord{Status: StatusPending}
	snap := Snapshot{
		Status:   StatusProcessing,
		Result:   json.RawMessage(`{"data":{}}`),
		Interim:  &InterimResults{Screenshot: "s1"},
		Attempts: 1,
	}
	now := time.Now()
	changed, err := rec.Apply(snap, now)
	if err != nil || !changed {
		t.Fatalf("first apply: changed=%v err=%v", changed, err)
	}
	changed, err = rec.Apply(snap, now.Add(time.Second))
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if changed {
		t.Error("re-applying the same snapshot must be a no-op")
	}
	if !rec.UpdatedAt.Equal(now) {
		t.Error("no-op apply must not touch updated_at")
	}
}

func TestApply_DisjointFieldWritersDoNotClobber(t *testing.T) {
	rec := &CheckRecord{Status: StatusProcessing}
	now := time.Now()
	if _, err := rec.Apply(Snapshot{Status: StatusComplete, Result: json.RawMessage(`{"data":{"is_eligible":true}}`)}, now); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Apply(Snapshot{EnrichedResult: json.RawMessage(`{"data":{"is_eligible":true,"network":"ppo"}}`)}, now); err != nil {
		t.Fatalf("field-only write on a terminal record: %v", err)
	}
	if _, err := rec.Apply(Snapshot{Interim: &InterimResults{Documents: json.RawMessage(`["a.pdf"]`)}}, now); err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusComplete || len(rec.Result) == 0 || len(rec.EnrichedResult) == 0 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if string(rec.InterimResults.Documents) != `["a.pdf"]` {
		t.Errorf("documents not merged: %s", rec.InterimResults.Documents)
	}
}

func TestApply_AttemptsOnlyGrow(t *testing.T) {
	rec := &CheckRecord{Status: StatusPending, PollingAttempts: 5}
	rec.Apply(Snapshot{Attempts: 3}, time.Now())
	if rec.PollingAttempts != 5 {
		t.Errorf("expected attempts to stay 5, got %d", rec.PollingAttempts)
	}
}

func TestApply_InvalidStatus(t *testing.T) {
	rec := &CheckRecord{Status: StatusPending}
	if _, err := rec.Apply(Snapshot{Status: "done"}, time.Now()); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestApplyPatch_RejectedStatusKeepsKeys(t *testing.T) {
	rec := &CheckRecord{Status: StatusError, PatientID: strPtr("p-1")}
	_, err := rec.ApplyPatch(Patch{
		Snapshot:  Snapshot{Status: StatusPending},
		PatientID: strPtr("p-2"),
	}, time.Now())
	if !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("expected regression, got %v", err)
	}
	if *rec.PatientID != "p-1" {
		t.Errorf("patient id changed on rejected patch: %s", *rec.PatientID)
	}
}

func TestApplyPatch_SetsKeys(t *testing.T) {
	rec := &CheckRecord{Status: StatusPending}
	changed, err := rec.ApplyPatch(Patch{AppointmentID: strPtr("appt-9"), PatientMPI: strPtr("mpi-1")}, time.Now())
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if strVal(rec.AppointmentID) != "appt-9" || strVal(rec.PatientMPI) != "mpi-1" {
		t.Errorf("keys not set: %+v", rec)
	}
}
