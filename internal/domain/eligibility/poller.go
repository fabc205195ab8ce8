package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PollState is the state of a Poller's current binding.
type PollState string

const (
	StateIdle     PollState = "idle"
	StatePolling  PollState = "polling"
	StateResolved PollState = "resolved"
)

var ErrPollerClosed = errors.New("poller is closed")

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot timers. Tests substitute a fake to observe
// pending timers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemScheduler schedules on the runtime timer heap.
var SystemScheduler Scheduler = systemScheduler{}

// StatusSource reports the remote status of a task.
type StatusSource interface {
	TaskStatus(ctx context.Context, taskID string) (Snapshot, error)
}

// SnapshotStore persists poll snapshots by task id.
type SnapshotStore interface {
	UpdateByTaskID(ctx context.Context, clinicID, taskID string, snap Snapshot) (*CheckRecord, error)
}

// Enricher fetches the richer v3 payload for a finished task.
type Enricher interface {
	Enrich(ctx context.Context, clinicID, taskID string) (json.RawMessage, error)
}

// PollerConfig wires a Poller to its collaborators. Enricher and Listener
// may be nil.
type PollerConfig struct {
	ClinicID        string
	Source          StatusSource
	Store           SnapshotStore
	Enricher        Enricher
	Scheduler       Scheduler
	Interval        time.Duration
	EnrichTimeout   time.Duration
	Listener        EventListener
	Logger          zerolog.Logger
	enrichmentGroup *sync.WaitGroup
}

// Poller owns the poll loop for the task bound to one view. Rebinding
// cancels the previous binding before the new one starts; a binding that
// reaches Resolved never schedules another request.
type Poller struct {
	cfg    PollerConfig
	wg     *sync.WaitGroup
	logger zerolog.Logger

	mu       sync.Mutex
	state    PollState
	taskID   string
	gen      uint64
	attempts int
	timer    Timer
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Scheduler == nil {
		cfg.Scheduler = SystemScheduler
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 30 * time.Second
	}
	wg := cfg.enrichmentGroup
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	return &Poller{
		cfg:    cfg,
		wg:     wg,
		logger: cfg.Logger.With().Str("clinic_id", cfg.ClinicID).Logger(),
		state:  StateIdle,
	}
}

func (p *Poller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) TaskID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.taskID
}

// Bind points the poller at a concrete task id. Symbolic references are
// resolved by the caller; until Bind succeeds the poller stays Idle. Binding
// the task that is already bound is a no-op, so a Resolved task is never
// polled again.
func (p *Poller) Bind(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrTaskIDRequired
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	if taskID == p.taskID && p.state != StateIdle {
		p.mu.Unlock()
		return nil
	}
	p.unbindLocked()
	p.taskID = taskID
	p.state = StatePolling
	p.attempts = 0
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.scheduleLocked(0)
	p.mu.Unlock()

	p.logger.Debug().Str("task_id", taskID).Msg("poller bound")
	p.emit(LifecycleEvent{Type: EventStarted, TaskID: taskID, State: StatePolling})
	return nil
}

// Unbind stops the current binding and returns the poller to Idle.
func (p *Poller) Unbind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked()
}

// Close stops the poller for good. Pending timers are cancelled before it
// returns.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.unbindLocked()
}

// Wait blocks until enrichment fetches started by this poller have finished.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) unbindLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.taskID = ""
	p.state = StateIdle
}

func (p *Poller) scheduleLocked(d time.Duration) {
	gen := p.gen
	p.timer = p.cfg.Scheduler.AfterFunc(d, func() { p.tick(gen) })
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if p.gen != gen || p.state != StatePolling {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	ctx, taskID := p.ctx, p.taskID
	p.mu.Unlock()

	log := p.logger.With().Str("task_id", taskID).Logger()

	snap, err := p.cfg.Source.TaskStatus(ctx, taskID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("task status request failed")
		}
		p.rescheduleIfCurrent(gen)
		return
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.attempts++
	snap.Attempts = p.attempts
	p.mu.Unlock()

	rec, err := p.cfg.Store.UpdateByTaskID(ctx, p.cfg.ClinicID, taskID, snap)
	switch {
	case err == nil:
	case errors.Is(err, ErrStatusRegression):
		// stale snapshot; the stored record already moved on
	case errors.Is(err, ErrNotFound):
		log.Warn().Msg("no history record for polled task")
		rec = nil
	default:
		// nothing was persisted: poll again instead of resolving on an
		// unsaved verdict
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to store task snapshot")
		}
		p.mu.Lock()
		if p.gen == gen {
			p.attempts--
		}
		p.mu.Unlock()
		p.rescheduleIfCurrent(gen)
		return
	}

	terminal := snap.Status.Terminal() || (rec != nil && rec.Status.Terminal())

	p.mu.Lock()
	if p.gen != gen || p.state != StatePolling {
		p.mu.Unlock()
		return
	}
	if terminal {
		p.state = StateResolved
	} else {
		p.scheduleLocked(p.cfg.Interval)
	}
	p.mu.Unlock()

	p.emit(LifecycleEvent{Type: EventSnapshot, TaskID: taskID, State: stateFor(terminal), Record: rec})
	if !terminal {
		return
	}
	log.Info().Str("status", string(snap.Status)).Msg("task resolved")
	p.emit(LifecycleEvent{Type: EventResolved, TaskID: taskID, State: StateResolved, Record: rec})

	if p.cfg.Enricher != nil {
		p.wg.Add(1)
		go p.enrich(ctx, taskID)
	}
}

func (p *Poller) rescheduleIfCurrent(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen && p.state == StatePolling {
		p.scheduleLocked(p.cfg.Interval)
	}
}

// enrich runs outside the poll loop. Its failure leaves the resolved record
// as it is.
func (p *Poller) enrich(parent context.Context, taskID string) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.cfg.EnrichTimeout)
	defer cancel()

	log := p.logger.With().Str("task_id", taskID).Logger()
	raw, err := p.cfg.Enricher.Enrich(ctx, p.cfg.ClinicID, taskID)
	if err != nil {
		log.Warn().Err(err).Msg("enrichment fetch failed")
		return
	}
	if len(raw) == 0 {
		return
	}
	rec, err := p.cfg.Store.UpdateByTaskID(ctx, p.cfg.ClinicID, taskID, Snapshot{EnrichedResult: raw})
	if err != nil {
		log.Warn().Err(err).Msg("failed to store enriched result")
		return
	}
	p.emit(LifecycleEvent{Type: EventEnriched, TaskID: taskID, State: StateResolved, Record: rec})
}

func (p *Poller) emit(ev LifecycleEvent) {
	if p.cfg.Listener == nil {
		return
	}
	ev.ClinicID = p.cfg.ClinicID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Record != nil {
		res := Resolve(ev.Record)
		ev.Classification = &res.Classification
	}
	p.cfg.Listener(ev)
}

func stateFor(terminal bool) PollState {
	if terminal {
		return StateResolved
	}
	return StatePolling
}
