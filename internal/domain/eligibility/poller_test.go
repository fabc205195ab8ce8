package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type pollerFixture struct {
	svc      *Service
	repo     *memRepo
	source   *fakeSource
	sched    *fakeScheduler
	events   *recorder
	enricher *fakeEnricher
	poller   *Poller
}

func newPollerFixture(t *testing.T, enricher *fakeEnricher) *pollerFixture {
	t.Helper()
	svc, repo := newTestService()
	f := &pollerFixture{
		svc:    svc,
		repo:   repo,
		source: newFakeSource(),
		sched:  &fakeScheduler{},
		events: &recorder{},
	}
	cfg := PollerConfig{
		ClinicID:  testClinic,
		Source:    f.source,
		Store:     svc,
		Scheduler: f.sched,
		Interval:  time.Second,
		Listener:  f.events.listen,
		Logger:    zerolog.Nop(),
	}
	if enricher != nil {
		f.enricher = enricher
		cfg.Enricher = enricher
	}
	f.poller = NewPoller(cfg)
	t.Cleanup(f.poller.Close)
	return f
}

func TestPoller_EndToEnd(t *testing.T) {
	f := newPollerFixture(t, nil)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "abc-123"})

	f.source.push("abc-123", Snapshot{Status: StatusProcessing, Interim: &InterimResults{Screenshot: "shot-1.png"}}, nil)
	f.source.push("abc-123", Snapshot{Status: StatusComplete, Result: json.RawMessage(`{"data":{"is_eligible":true}}`)}, nil)

	if err := f.poller.Bind(ctx, "abc-123"); err != nil {
		t.Fatal(err)
	}
	if f.poller.State() != StatePolling {
		t.Fatalf("expected polling, got %s", f.poller.State())
	}

	f.sched.FireNext()
	rec, err := f.svc.GetByTaskID(ctx, testClinic, "abc-123")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusProcessing || rec.PollingAttempts != 1 {
		t.Errorf("after first poll: status=%s attempts=%d", rec.Status, rec.PollingAttempts)
	}
	if rec.InterimResults == nil || rec.InterimResults.Screenshot != "shot-1.png" {
		t.Errorf("expected interim screenshot, got %+v", rec.InterimResults)
	}

	f.sched.FireNext()
	rec, _ = f.svc.GetByTaskID(ctx, testClinic, "abc-123")
	if rec.Status != StatusComplete || rec.CompletedAt == nil {
		t.Errorf("expected complete with completed_at, got %s %v", rec.Status, rec.CompletedAt)
	}
	if got := Resolve(rec).Classification.Status; got != DisplayEligible {
		t.Errorf("expected eligible, got %s", got)
	}
	if f.poller.State() != StateResolved {
		t.Errorf("expected resolved, got %s", f.poller.State())
	}
	if n := f.sched.Pending(); n != 0 {
		t.Errorf("expected zero pending timers after resolve, got %d", n)
	}
	if f.sched.FireNext() {
		t.Error("no timer should remain")
	}
	if calls := f.source.callCount("abc-123"); calls != 2 {
		t.Errorf("expected exactly 2 status requests, got %d", calls)
	}

	want := []EventType{EventStarted, EventSnapshot, EventSnapshot, EventResolved}
	if got := f.events.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
	resolved, _ := f.events.last(EventResolved)
	if resolved.Classification == nil || resolved.Classification.Status != DisplayEligible {
		t.Errorf("resolved event should carry the classification, got %+v", resolved.Classification)
	}
}

func TestPoller_RebindSameResolvedTaskIsNoop(t *testing.T) {
	f := newPollerFixture(t, nil)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "t-1"})
	f.source.push("t-1", Snapshot{Status: StatusError, Error: strPtr("member_not_found")}, nil)

	f.poller.Bind(ctx, "t-1")
	f.sched.FireNext()
	if f.poller.State() != StateResolved {
		t.Fatalf("expected resolved, got %s", f.poller.State())
	}
	f.poller.Bind(ctx, "t-1")
	if f.sched.Pending() != 0 || f.source.callCount("t-1") != 1 {
		t.Error("a resolved task must not be polled again")
	}
}

func TestPoller_TransportErrorRetries(t *testing.T) {
	f := newPollerFixture(t, nil)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "t-1", Status: StatusProcessing})
	f.source.push("t-1", Snapshot{}, errors.New("connection reset"))
	f.source.push("t-1", Snapshot{Status: StatusComplete}, nil)

	f.poller.Bind(ctx, "t-1")
	f.sched.FireNext()

	rec, _ := f.svc.GetByTaskID(ctx, testClinic, "t-1")
	if rec.Status != StatusProcessing || rec.PollingAttempts != 0 {
		t.Errorf("transport failure must not touch the record: %+v", rec)
	}
	if f.poller.State() != StatePolling || f.sched.Pending() != 1 {
		t.Fatalf("expected a retry to be scheduled, state=%s pending=%d", f.poller.State(), f.sched.Pending())
	}

	f.sched.FireNext()
	if f.poller.State() != StateResolved {
		t.Errorf("expected resolved after retry, got %s", f.poller.State())
	}
}

func TestPoller_CloseCancelsTimers(t *testing.T) {
	f := newPollerFixture(t, nil)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "t-1"})

	f.poller.Bind(ctx, "t-1")
	f.sched.FireNext()
	if f.sched.Pending() != 1 {
		t.Fatalf("expected the next poll to be scheduled, got %d", f.sched.Pending())
	}

	f.poller.Close()
	if n := f.sched.Pending(); n != 0 {
		t.Errorf("expected zero pending timers after close, got %d", n)
	}
	if err := f.poller.Bind(ctx, "t-1"); !errors.Is(err, ErrPollerClosed) {
		t.Errorf("expected ErrPollerClosed, got %v", err)
	}
}

func TestPoller_RebindCancelsPreviousBinding(t *testing.T) {
	f := newPollerFixture(t, nil)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "first"})
	seed(t, f.svc, &CheckRecord{TaskID: "second"})

	f.poller.Bind(ctx, "first")
	f.poller.Bind(ctx, "second")

	if n := f.sched.Pending(); n != 1 {
		t.Fatalf("expected only the new binding's timer, got %d pending", n)
	}
	f.sched.FireNext()
	if f.source.callCount("first") != 0 {
		t.Error("the previous binding must not issue requests after rebinding")
	}
	if f.source.callCount("second") != 1 || f.poller.TaskID() != "second" {
		t.Errorf("expected the new binding to poll, task=%s", f.poller.TaskID())
	}
}

func TestPoller_StaleTimerIsIgnored(t *testing.T) {
	f := newPollerFixture(t, nil)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "first"})

	f.poller.Bind(ctx, "first")
	f.sched.mu.Lock()
	stale := f.sched.timers[0]
	f.sched.mu.Unlock()
	f.poller.Unbind()

	stale.f()
	if f.source.callCount("first") != 0 {
		t.Error("a timer from a cancelled binding must not poll")
	}
	if f.poller.State() != StateIdle {
		t.Errorf("expected idle, got %s", f.poller.State())
	}
}

func TestPoller_EmptyTaskID(t *testing.T) {
	f := newPollerFixture(t, nil)
	if err := f.poller.Bind(context.Background(), ""); !errors.Is(err, ErrTaskIDRequired) {
		t.Fatalf("expected ErrTaskIDRequired, got %v", err)
	}
	if f.poller.State() != StateIdle || f.sched.Pending() != 0 {
		t.Errorf("an empty task id must leave the poller idle")
	}
}

// flakyStore fails the first n writes as if the database were unreachable.
type flakyStore struct {
	SnapshotStore
	failures int
}

func (s *flakyStore) UpdateByTaskID(ctx context.Context, clinicID, taskID string, snap Snapshot) (*CheckRecord, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection refused")
	}
	return s.SnapshotStore.UpdateByTaskID(ctx, clinicID, taskID, snap)
}

func TestPoller_StoreFailureRetriesInsteadOfResolving(t *testing.T) {
	svc, _ := newTestService()
	source := newFakeSource()
	sched := &fakeScheduler{}
	events := &recorder{}
	p := NewPoller(PollerConfig{
		ClinicID:  testClinic,
		Source:    source,
		Store:     &flakyStore{SnapshotStore: svc, failures: 1},
		Scheduler: sched,
		Interval:  time.Second,
		Listener:  events.listen,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(p.Close)

	ctx := context.Background()
	seed(t, svc, &CheckRecord{TaskID: "t-1"})
	source.push("t-1", Snapshot{Status: StatusComplete, Result: json.RawMessage(`{"data":{"is_eligible":true}}`)}, nil)

	p.Bind(ctx, "t-1")
	sched.FireNext()

	if p.State() != StatePolling || sched.Pending() != 1 {
		t.Fatalf("an unsaved verdict must be polled again, state=%s pending=%d", p.State(), sched.Pending())
	}
	if _, ok := events.last(EventResolved); ok {
		t.Fatal("no resolved event expected before the verdict is stored")
	}
	rec, _ := svc.GetByTaskID(ctx, testClinic, "t-1")
	if rec.Status != StatusPending || rec.PollingAttempts != 0 {
		t.Errorf("nothing should be stored yet: status=%s attempts=%d", rec.Status, rec.PollingAttempts)
	}

	sched.FireNext()

	rec, _ = svc.GetByTaskID(ctx, testClinic, "t-1")
	if rec.Status != StatusComplete || rec.CompletedAt == nil {
		t.Fatalf("expected the retried verdict to be stored, got %+v", rec)
	}
	if rec.PollingAttempts != 1 {
		t.Errorf("the failed write must not count as an attempt, got %d", rec.PollingAttempts)
	}
	if got := Resolve(rec).Classification.Status; got != DisplayEligible {
		t.Errorf("expected eligible, got %s", got)
	}
	if p.State() != StateResolved || sched.Pending() != 0 {
		t.Errorf("expected resolved with no timers, state=%s", p.State())
	}
	if source.callCount("t-1") != 2 {
		t.Errorf("expected two polls, got %d", source.callCount("t-1"))
	}
}

func TestPoller_StaleSnapshotDoesNotRegress(t *testing.T) {
	f := newPollerFixture(t, nil)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "t-1", Status: StatusComplete, Result: json.RawMessage(`{"data":{"is_eligible":false}}`)})
	f.source.push("t-1", Snapshot{Status: StatusProcessing}, nil)

	f.poller.Bind(ctx, "t-1")
	f.sched.FireNext()

	rec, _ := f.svc.GetByTaskID(ctx, testClinic, "t-1")
	if rec.Status != StatusComplete {
		t.Errorf("stored status regressed to %s", rec.Status)
	}
	if f.poller.State() != StateResolved || f.sched.Pending() != 0 {
		t.Errorf("a terminal stored record resolves the poller, state=%s", f.poller.State())
	}
}

func TestPoller_EnrichmentAfterResolve(t *testing.T) {
	enricher := &fakeEnricher{raw: json.RawMessage(`{"data":{"is_eligible":true,"network":"HMO"}}`)}
	f := newPollerFixture(t, enricher)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "t-1"})
	f.source.push("t-1", Snapshot{Status: StatusProcessing}, nil)
	f.source.push("t-1", Snapshot{Status: StatusComplete, Result: json.RawMessage(`{"data":{}}`)}, nil)

	f.poller.Bind(ctx, "t-1")
	f.sched.FireNext()
	if enricher.calls != 0 {
		t.Fatal("enrichment must wait for a terminal state")
	}
	f.sched.FireNext()
	f.poller.Wait()

	rec, _ := f.svc.GetByTaskID(ctx, testClinic, "t-1")
	if len(rec.EnrichedResult) == 0 {
		t.Fatal("expected the enriched payload to be stored")
	}
	if got := Resolve(rec).Classification.Status; got != DisplayEligible {
		t.Errorf("expected the enriched payload to drive classification, got %s", got)
	}
	if _, ok := f.events.last(EventEnriched); !ok {
		t.Error("expected an enriched event")
	}
}

func TestPoller_EnrichmentFailureKeepsResolvedRecord(t *testing.T) {
	enricher := &fakeEnricher{err: errors.New("v3 unavailable")}
	f := newPollerFixture(t, enricher)
	ctx := context.Background()
	seed(t, f.svc, &CheckRecord{TaskID: "t-1"})
	f.source.push("t-1", Snapshot{Status: StatusComplete, Result: json.RawMessage(`{"data":{"is_eligible":false}}`)}, nil)

	f.poller.Bind(ctx, "t-1")
	f.sched.FireNext()
	f.poller.Wait()

	rec, _ := f.svc.GetByTaskID(ctx, testClinic, "t-1")
	if rec.Status != StatusComplete || len(rec.EnrichedResult) != 0 {
		t.Errorf("unexpected record after failed enrichment: %+v", rec)
	}
	if f.poller.State() != StateResolved {
		t.Errorf("expected resolved, got %s", f.poller.State())
	}
	if _, ok := f.events.last(EventEnriched); ok {
		t.Error("no enriched event expected on failure")
	}
}

func TestPoller_MissingRecordStillResolves(t *testing.T) {
	f := newPollerFixture(t, nil)
	f.source.push("ghost", Snapshot{Status: StatusComplete}, nil)

	f.poller.Bind(context.Background(), "ghost")
	f.sched.FireNext()

	if f.poller.State() != StateResolved || f.sched.Pending() != 0 {
		t.Errorf("expected resolved with no timers, state=%s", f.poller.State())
	}
	ev, _ := f.events.last(EventResolved)
	if ev.Record != nil {
		t.Error("expected a nil record when the history store has none")
	}
}
