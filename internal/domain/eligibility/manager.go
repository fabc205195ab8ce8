package eligibility

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ManagerConfig holds what every poller the manager creates shares.
type ManagerConfig struct {
	Source        StatusSource
	Enricher      Enricher
	Scheduler     Scheduler
	Interval      time.Duration
	EnrichTimeout time.Duration
}

// Manager runs one Poller per (clinic, task id) so many checks progress at
// once without sharing poll state. Resolved pollers are dropped from the
// active set as soon as they resolve.
type Manager struct {
	svc    *Service
	cfg    ManagerConfig
	logger zerolog.Logger
	events Fanout

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pollers map[pollKey]*Poller
}

const resumeConcurrency = 4

type pollKey struct {
	clinicID string
	taskID   string
}

func NewManager(svc *Service, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pollers: make(map[pollKey]*Poller),
	}
}

// Subscribe registers a listener for events of every poller.
func (m *Manager) Subscribe(l EventListener) {
	m.events.Subscribe(l)
}

// Watch ensures a poller is running for ref and returns the concrete task id
// it is bound to. A task whose stored record is already terminal is not
// polled again.
func (m *Manager) Watch(ctx context.Context, clinicID string, ref TaskRef) (string, error) {
	if clinicID == "" {
		return "", ErrClinicRequired
	}
	if ref.Symbolic() {
		taskID, err := m.svc.ResolveTaskRef(ctx, clinicID, ref)
		if err != nil {
			m.events.Emit(LifecycleEvent{Type: EventUnresolvable, ClinicID: clinicID, State: StateIdle, Err: err.Error(), At: time.Now().UTC()})
			return "", err
		}
		ref = TaskRef{TaskID: taskID}
	}

	key := pollKey{clinicID, ref.TaskID}
	m.mu.Lock()
	_, running := m.pollers[key]
	m.mu.Unlock()
	if running {
		return ref.TaskID, nil
	}
	if rec, err := m.svc.GetByTaskID(ctx, clinicID, ref.TaskID); err == nil && rec.Status.Terminal() {
		return ref.TaskID, nil
	}

	p := NewPoller(PollerConfig{
		ClinicID:        clinicID,
		Source:          m.cfg.Source,
		Store:           m.svc,
		Enricher:        m.cfg.Enricher,
		Scheduler:       m.cfg.Scheduler,
		Interval:        m.cfg.Interval,
		EnrichTimeout:   m.cfg.EnrichTimeout,
		Listener:        m.handle,
		Logger:          m.logger,
		enrichmentGroup: &m.wg,
	})

	m.mu.Lock()
	if _, ok := m.pollers[key]; ok {
		m.mu.Unlock()
		return ref.TaskID, nil
	}
	m.pollers[key] = p
	m.mu.Unlock()

	if err := p.Bind(m.ctx, ref.TaskID); err != nil {
		m.remove(key, p)
		return "", err
	}
	return ref.TaskID, nil
}

// Stop cancels the poller for a task, if any.
func (m *Manager) Stop(clinicID, taskID string) bool {
	key := pollKey{clinicID, taskID}
	m.mu.Lock()
	p, ok := m.pollers[key]
	delete(m.pollers, key)
	m.mu.Unlock()
	if ok {
		p.Close()
	}
	return ok
}

// Active lists the task ids still being polled for a clinic.
func (m *Manager) Active(clinicID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.pollers {
		if k.clinicID == clinicID {
			out = append(out, k.taskID)
		}
	}
	sort.Strings(out)
	return out
}

// Resume rebinds pollers for every non-terminal record of a clinic.
func (m *Manager) Resume(ctx context.Context, clinicID string) (int, error) {
	active, _, err := m.svc.GetActive(ctx, clinicID, 0, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range active {
		if _, err := m.Watch(ctx, clinicID, TaskRef{TaskID: rec.TaskID}); err != nil {
			m.logger.Warn().Err(err).Str("clinic_id", clinicID).Str("task_id", rec.TaskID).Msg("failed to resume poller")
			continue
		}
		n++
	}
	if n > 0 {
		m.logger.Info().Str("clinic_id", clinicID).Int("count", n).Msg("resumed pollers")
	}
	return n, nil
}

// ResumeAll resumes every clinic that has in-flight checks, a few clinics at
// a time. The first clinic that fails to load stops the rest.
func (m *Manager) ResumeAll(ctx context.Context) (int, error) {
	clinics, err := m.svc.ActiveClinics(ctx)
	if err != nil {
		return 0, err
	}
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeConcurrency)
	for _, clinicID := range clinics {
		clinicID := clinicID
		g.Go(func() error {
			n, err := m.Resume(gctx, clinicID)
			total.Add(int64(n))
			if err != nil {
				return fmt.Errorf("resume clinic %s: %w", clinicID, err)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(total.Load()), err
}

// Shutdown closes every poller and waits for in-flight enrichment fetches,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	pollers := make([]*Poller, 0, len(m.pollers))
	for k, p := range m.pollers {
		pollers = append(pollers, p)
		delete(m.pollers, k)
	}
	m.mu.Unlock()

	for _, p := range pollers {
		p.Close()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handle(ev LifecycleEvent) {
	if ev.Type == EventResolved {
		m.mu.Lock()
		delete(m.pollers, pollKey{ev.ClinicID, ev.TaskID})
		m.mu.Unlock()
	}
	m.events.Emit(ev)
}

func (m *Manager) remove(key pollKey, p *Poller) {
	m.mu.Lock()
	if m.pollers[key] == p {
		delete(m.pollers, key)
	}
	m.mu.Unlock()
	p.Close()
}
