package core

import (
	"sync"
	"time"
)

// TaskletEvent is one entry of a tasklet's ordered event list (spec §3).
type TaskletEvent int

const (
	EventScheduled TaskletEvent = iota
	EventRunning
	EventBeforeCoAwait
	EventAfterCoAwait
	EventFinished
)

func (e TaskletEvent) String() string {
	switch e {
	case EventScheduled:
		return "SCHEDULED"
	case EventRunning:
		return "RUNNING"
	case EventBeforeCoAwait:
		return "BEFORE_CO_AWAIT"
	case EventAfterCoAwait:
		return "AFTER_CO_AWAIT"
	case EventFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// TaskletEventRecord timestamps one event.
type TaskletEventRecord struct {
	Event TaskletEvent
	At    time.Time
}

// Tasklet is the introspection record for one in-flight operation (spec
// §3): pool name, title, optional parent id, and an ordered event log.
// Created by TaskletAdmin.Create and retained per-process for
// diagnostic queries even after it finishes. The resolver does not
// create tasklets; only callers of Create produce them.
type Tasklet struct {
	ID       uint64
	Pool     string
	Title    string
	ClientID uint64 // 0 means no parent
	HasClient bool

	mu     sync.Mutex
	events []TaskletEventRecord
}

// Events returns a copy of the tasklet's event log.
func (t *Tasklet) Events() []TaskletEventRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskletEventRecord, len(t.events))
	copy(out, t.events)
	return out
}

// Record appends an event with the current time.
func (t *Tasklet) Record(e TaskletEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, TaskletEventRecord{Event: e, At: time.Now()})
}

// IsFinished reports whether the tasklet's last event is FINISHED.
func (t *Tasklet) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events) > 0 && t.events[len(t.events)-1].Event == EventFinished
}

// TaskletAdmin is the process-wide registry of tasklets, owned by the
// top-level Resources object (spec §9 design note: "port [process
// singletons] as explicit resources owned by the top-level resources
// object so tests can construct independent instances") rather than a
// package-level singleton.
type TaskletAdmin struct {
	mu      sync.Mutex
	nextID  uint64
	tasklets map[uint64]*Tasklet
}

// NewTaskletAdmin constructs an empty registry.
func NewTaskletAdmin() *TaskletAdmin {
	return &TaskletAdmin{tasklets: map[uint64]*Tasklet{}}
}

// Create registers a new tasklet, eagerly recording SCHEDULED.
func (a *TaskletAdmin) Create(pool, title string, clientID uint64, hasClient bool) *Tasklet {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.mu.Unlock()

	t := &Tasklet{ID: id, Pool: pool, Title: title, ClientID: clientID, HasClient: hasClient}
	t.Record(EventScheduled)

	a.mu.Lock()
	a.tasklets[id] = t
	a.mu.Unlock()
	return t
}

// Get retrieves a tasklet by id for diagnostic queries.
func (a *TaskletAdmin) Get(id uint64) (*Tasklet, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasklets[id]
	return t, ok
}

// All returns every retained tasklet, finished or not.
func (a *TaskletAdmin) All() []*Tasklet {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Tasklet, 0, len(a.tasklets))
	for _, t := range a.tasklets {
		out = append(out, t)
	}
	return out
}
