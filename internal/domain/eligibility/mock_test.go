package eligibility

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =========== In-memory repository ===========

type memRepo struct {
	mu      sync.Mutex
	seq     int64
	records []*CheckRecord
	now     func() time.Time

	// query counters keyed by the filter field used
	calls map[string]int
}

func newMemRepo() *memRepo {
	return &memRepo{calls: make(map[string]int), now: func() time.Time { return time.Now().UTC() }}
}

func cloneRecord(r *CheckRecord) *CheckRecord {
	c := *r
	if r.InterimResults != nil {
		i := *r.InterimResults
		c.InterimResults = &i
	}
	return &c
}

func (m *memRepo) Create(_ context.Context, rec *CheckRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ClinicID == rec.ClinicID && r.TaskID == rec.TaskID {
			return ErrDuplicateTask
		}
	}
	m.seq++
	rec.ID = uuid.New()
	rec.Seq = m.seq
	m.records = append(m.records, cloneRecord(rec))
	return nil
}

func (m *memRepo) find(clinicID string, match func(*CheckRecord) bool) (int, bool) {
	for i, r := range m.records {
		if r.ClinicID == clinicID && match(r) {
			return i, true
		}
	}
	return -1, false
}

func (m *memRepo) GetByID(_ context.Context, clinicID string, id uuid.UUID) (*CheckRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.find(clinicID, func(r *CheckRecord) bool { return r.ID == id })
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(m.records[i]), nil
}

func (m *memRepo) GetByTaskID(_ context.Context, clinicID, taskID string) (*CheckRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.find(clinicID, func(r *CheckRecord) bool { return r.TaskID == taskID })
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(m.records[i]), nil
}

func (m *memRepo) mutate(clinicID string, match func(*CheckRecord) bool, fn MutateFunc) (*CheckRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.find(clinicID, match)
	if !ok {
		return nil, ErrNotFound
	}
	work := cloneRecord(m.records[i])
	changed, err := fn(work, m.now())
	if err != nil {
		return cloneRecord(m.records[i]), err
	}
	if changed {
		m.records[i] = work
	}
	return cloneRecord(m.records[i]), nil
}

func (m *memRepo) MutateByID(_ context.Context, clinicID string, id uuid.UUID, fn MutateFunc) (*CheckRecord, error) {
	return m.mutate(clinicID, func(r *CheckRecord) bool { return r.ID == id }, fn)
}

func (m *memRepo) MutateByTaskID(_ context.Context, clinicID, taskID string, fn MutateFunc) (*CheckRecord, error) {
	return m.mutate(clinicID, func(r *CheckRecord) bool { return r.TaskID == taskID }, fn)
}

func (m *memRepo) Delete(_ context.Context, clinicID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.find(clinicID, func(r *CheckRecord) bool { return r.ID == id })
	if !ok {
		return ErrNotFound
	}
	m.records = append(m.records[:i], m.records[i+1:]...)
	return nil
}

func (m *memRepo) DeleteAll(_ context.Context, clinicID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if r.ClinicID == clinicID {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}

func (m *memRepo) ActiveClinics(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, r := range m.records {
		if !r.Status.Terminal() && !seen[r.ClinicID] {
			seen[r.ClinicID] = true
			out = append(out, r.ClinicID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memRepo) List(_ context.Context, clinicID string, f Filter, limit, offset int) ([]*CheckRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case f.AppointmentID != "":
		m.calls["appointment_id"]++
	case f.PatientID != "":
		m.calls["patient_id"]++
	case f.PatientMPI != "":
		m.calls["mpi"]++
	default:
		m.calls["list"]++
	}

	var out []*CheckRecord
	for _, r := range m.records {
		if r.ClinicID != clinicID || !matchesFilter(r, f) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func matchesFilter(r *CheckRecord, f Filter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if f.PatientID != "" && strVal(r.PatientID) != f.PatientID {
		return false
	}
	if f.PatientMPI != "" && strVal(r.PatientMPI) != f.PatientMPI {
		return false
	}
	if f.AppointmentID != "" && strVal(r.AppointmentID) != f.AppointmentID {
		return false
	}
	return true
}

func (m *memRepo) callCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// =========== Fake scheduler ===========

type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler only runs callbacks when the test fires them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// FireNext runs the oldest pending timer and reports whether one existed.
func (s *fakeScheduler) FireNext() bool {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()
	if next == nil {
		return false
	}
	next.f()
	return true
}

// =========== Fake status source ===========

type sourceStep struct {
	snap Snapshot
	err  error
}

type fakeSource struct {
	mu    sync.Mutex
	steps map[string][]sourceStep
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{steps: make(map[string][]sourceStep), calls: make(map[string]int)}
}

func (f *fakeSource) push(taskID string, snap Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[taskID] = append(f.steps[taskID], sourceStep{snap, err})
}

func (f *fakeSource) TaskStatus(_ context.Context, taskID string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[taskID]++
	steps := f.steps[taskID]
	if len(steps) == 0 {
		return Snapshot{Status: StatusProcessing}, nil
	}
	step := steps[0]
	if len(steps) > 1 {
		f.steps[taskID] = steps[1:]
	}
	return step.snap, step.err
}

func (f *fakeSource) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

// =========== Fake enricher ===========

type fakeEnricher struct {
	raw   json.RawMessage
	err   error
	mu    sync.Mutex
	calls int
}

func (e *fakeEnricher) Enrich(_ context.Context, _, _ string) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.raw, e.err
}

// =========== Event recorder ===========

type recorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *recorder) listen(ev LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last(t EventType) (LifecycleEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return LifecycleEvent{}, false
}

func strPtr(s string) *string { return &s }
