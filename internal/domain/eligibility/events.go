package eligibility

import (
	"sync"
	"time"
)

// EventType names a lifecycle event a view can subscribe to.
type EventType string

const (
	EventStarted      EventType = "started"
	EventSnapshot     EventType = "snapshot"
	EventResolved     EventType = "resolved"
	EventUnresolvable EventType = "unresolvable"
	EventEnriched     EventType = "enriched"
	EventPresentation EventType = "presentation"
)

// LifecycleEvent is emitted by pollers and the presentation mediator.
// Record is nil when the history store could not be read or written.
type LifecycleEvent struct {
	Type           EventType       `json:"type"`
	ClinicID       string          `json:"clinic_id"`
	TaskID         string          `json:"task_id,omitempty"`
	State          PollState       `json:"state,omitempty"`
	Record         *CheckRecord    `json:"record,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Presentation   *Presentation   `json:"presentation,omitempty"`
	Err            string          `json:"error,omitempty"`
	At             time.Time       `json:"at"`
}

// EventListener receives lifecycle events synchronously. Listeners must not
// block.
type EventListener func(LifecycleEvent)

// Fanout delivers each event to every subscribed listener in subscription
// order.
type Fanout struct {
	mu        sync.RWMutex
	listeners []EventListener
}

func (f *Fanout) Subscribe(l EventListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *Fanout) Emit(ev LifecycleEvent) {
	f.mu.RLock()
	ls := make([]EventListener, len(f.listeners))
	copy(ls, f.listeners)
	f.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}
