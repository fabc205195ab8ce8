package eligibility

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresentationMode is how a view shows a check.
type PresentationMode string

const (
	ModeLiveModal     PresentationMode = "live_modal"
	ModeResultsDrawer PresentationMode = "results_drawer"
)

// Presentation is the mediator's decision for one check.
type Presentation struct {
	TaskID           string           `json:"task_id"`
	Mode             PresentationMode `json:"mode"`
	Classification   Classification   `json:"classification"`
	Outcome          Outcome          `json:"outcome"`
	Record           *CheckRecord     `json:"record,omitempty"`
	AutoTransitioned bool             `json:"auto_transitioned"`
}

// Decide picks the mode for a record: in-flight checks get the live modal,
// terminal ones the results drawer. A missing record is shown as pending.
func Decide(rec *CheckRecord) Presentation {
	if rec == nil {
		return Presentation{Mode: ModeLiveModal, Classification: Classify(nil, nil), Outcome: NoOutcome{}}
	}
	res := Resolve(rec)
	mode := ModeLiveModal
	if rec.Status.Terminal() {
		mode = ModeResultsDrawer
	}
	return Presentation{
		TaskID:         rec.TaskID,
		Mode:           mode,
		Classification: res.Classification,
		Outcome:        res.Outcome,
		Record:         rec,
	}
}

// Mediator tracks which checks are open in a view and flips an open live
// modal to the results drawer when its poller resolves.
type Mediator struct {
	notify EventListener
	logger zerolog.Logger

	mu    sync.Mutex
	views map[pollKey]PresentationMode
}

func NewMediator(notify EventListener, logger zerolog.Logger) *Mediator {
	return &Mediator{notify: notify, logger: logger, views: make(map[pollKey]PresentationMode)}
}

// Open records that a view shows rec and returns how to show it.
func (m *Mediator) Open(clinicID string, rec *CheckRecord) Presentation {
	p := Decide(rec)
	if p.TaskID == "" {
		return p
	}
	m.mu.Lock()
	m.views[pollKey{clinicID, p.TaskID}] = p.Mode
	m.mu.Unlock()
	return p
}

// Close forgets the view for a task. It reports whether one was open.
func (m *Mediator) Close(clinicID, taskID string) bool {
	key := pollKey{clinicID, taskID}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.views[key]
	delete(m.views, key)
	return ok
}

// CloseClinic forgets every view of a clinic and returns how many were open.
func (m *Mediator) CloseClinic(clinicID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.views {
		if k.clinicID == clinicID {
			delete(m.views, k)
			n++
		}
	}
	return n
}

// Mode returns the current mode of an open view.
func (m *Mediator) Mode(clinicID, taskID string) (PresentationMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.views[pollKey{clinicID, taskID}]
	return mode, ok
}

// HandleEvent is subscribed to the poll manager.
func (m *Mediator) HandleEvent(ev LifecycleEvent) {
	if ev.Type != EventResolved && ev.Type != EventEnriched {
		return
	}
	key := pollKey{ev.ClinicID, ev.TaskID}
	m.mu.Lock()
	mode, open := m.views[key]
	transition := open && mode == ModeLiveModal && ev.Type == EventResolved
	if transition {
		m.views[key] = ModeResultsDrawer
	}
	m.mu.Unlock()
	if !open {
		return
	}

	var p Presentation
	if ev.Record != nil {
		p = Decide(ev.Record)
	} else {
		p = Presentation{TaskID: ev.TaskID, Mode: ModeResultsDrawer, Outcome: NoOutcome{}, Classification: classification(DisplayCouldNotDetermine)}
	}
	p.AutoTransitioned = transition
	if transition {
		m.logger.Debug().Str("clinic_id", ev.ClinicID).Str("task_id", ev.TaskID).Msg("live modal moved to results drawer")
	}
	if m.notify != nil {
		m.notify(LifecycleEvent{
			Type:           EventPresentation,
			ClinicID:       ev.ClinicID,
			TaskID:         ev.TaskID,
			State:          StateResolved,
			Record:         p.Record,
			Classification: &p.Classification,
			Presentation:   &p,
			At:             time.Now().UTC(),
		})
	}
}
