// Package policy tracks the lifecycle of a scene download and decides when a
// failed or offline scene should be retried.
package policy

import (
	"fmt"
	"sync"
	"time"
)

// State is one step in a scene's download lifecycle.
type State string

const (
	StateRequested        State = "requested"
	StateOffline          State = "offline"
	StateOrdered          State = "ordered"
	StateAvailable        State = "available"
	StateDownloading      State = "downloading"
	StateDownloaded       State = "downloaded"
	StateFailed           State = "failed"
	StateTerminallyFailed State = "terminally_failed"
)

// transitions lists the allowed next states for each state. Downloaded and
// terminally failed are terminal.
var transitions = map[State][]State{
	StateRequested:   {StateOffline, StateAvailable, StateDownloading, StateFailed},
	StateOffline:     {StateOrdered, StateAvailable, StateFailed},
	StateOrdered:     {StateOffline, StateAvailable, StateFailed},
	StateAvailable:   {StateDownloading, StateOffline, StateFailed},
	StateDownloading: {StateDownloaded, StateOffline, StateFailed},
	StateFailed:      {StateRequested, StateTerminallyFailed},
}

func (s State) Terminal() bool {
	return s == StateDownloaded || s == StateTerminallyFailed
}

// InvalidTransitionError is returned when a scene is moved to a state its
// current state does not allow.
type InvalidTransitionError struct {
	SceneID string
	From    State
	To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("scene %s cannot move from %s to %s", e.SceneID, e.From, e.To)
}

// Record is a snapshot of one tracked scene.
type Record struct {
	SceneID   string
	State     State
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Tracker keeps per-scene state with a bounded attempt count. Once a scene
// fails maxAttempts times it is moved to terminally failed and never retried.
type Tracker struct {
	mu          sync.Mutex
	records     map[string]*Record
	maxAttempts int
	now         func() time.Time
}

const DefaultMaxAttempts = 3

func NewTracker(maxAttempts int) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Tracker{
		records:     make(map[string]*Record),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Request registers a scene, or resets a failed one for another attempt.
// Requesting a terminal scene is a no-op on terminally failed and an error
// would be pointless, so the current record is returned as-is.
func (t *Tracker) Request(sceneID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[sceneID]
	if !ok {
		record = &Record{SceneID: sceneID, State: StateRequested, UpdatedAt: t.now()}
		t.records[sceneID] = record

		return *record
	}

	if record.State == StateFailed && record.Attempts < t.maxAttempts {
		record.State = StateRequested
		record.UpdatedAt = t.now()
	}

	return *record
}

// Transition moves a scene to the given state, enforcing the lifecycle.
// Moving to failed counts an attempt and escalates to terminally failed once
// the attempt budget is spent.
func (t *Tracker) Transition(sceneID string, to State, cause error) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[sceneID]
	if !ok {
		return Record{}, fmt.Errorf("scene %s is not tracked", sceneID)
	}

	if !allowed(record.State, to) {
		return *record, &InvalidTransitionError{SceneID: sceneID, From: record.State, To: to}
	}

	record.State = to
	record.UpdatedAt = t.now()

	if cause != nil {
		record.LastError = cause.Error()
	}

	if to == StateFailed {
		record.Attempts++
		if record.Attempts >= t.maxAttempts {
			record.State = StateTerminallyFailed
		}
	}

	return *record, nil
}

// Get returns the record for a scene, if tracked.
func (t *Tracker) Get(sceneID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[sceneID]
	if !ok {
		return Record{}, false
	}

	return *record, true
}

// Pending returns the scene ids still worth retrying: everything not in a
// terminal state.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []string

	for id, record := range t.records {
		if !record.State.Terminal() {
			pending = append(pending, id)
		}
	}

	return pending
}

func allowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}
