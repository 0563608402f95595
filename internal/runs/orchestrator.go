// Package runs tracks run lifecycles and turns them into ordered, versioned
// run events.
//
// An Orchestrator owns one run's state machine. A Bus owns the process-wide
// registry of orchestrators, per-run event sequence counters, and the set of
// run event listeners.
package runs

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/toolgate/pkg/contracts"
)

// Status is a run lifecycle status.
type Status string

const (
	StatusQueued          Status = "QUEUED"
	StatusRunning         Status = "RUNNING"
	StatusWaitingApproval Status = "WAITING_APPROVAL"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Statuses lists every status.
var Statuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusWaitingApproval,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// DefaultFailureReason is stored when a run fails without a reason.
const DefaultFailureReason = "Run failed"

// StateChangedType is the Type of every StateChangedEvent.
const StateChangedType = "run.state.changed"

var (
	// ErrInvalidTransition matches every InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid run transition")
	// ErrInvalidTimestamp is returned by ParseTimestamp.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	// ErrRunIDRequired is returned when a blank run id is used.
	ErrRunIDRequired = errors.New("run id is required")
)

var transitions = map[Status][]Status{
	StatusQueued:          {StatusRunning, StatusCancelled},
	StatusRunning:         {StatusWaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusWaitingApproval: {StatusRunning, StatusFailed, StatusCancelled},
	StatusCompleted:       {},
	StatusFailed:          {},
	StatusCancelled:       {},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// InvalidTransitionError names a rejected transition.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid run transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// State is a snapshot of one run.
type State struct {
	RunID         string         `json:"runId"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	FailureReason string         `json:"failureReason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (s State) clone() State {
	if s.Metadata != nil {
		s.Metadata = maps.Clone(s.Metadata)
	}
	return s
}

// TransitionOptions tune a single transition.
type TransitionOptions struct {
	// At stamps UpdatedAt; zero means now.
	At time.Time
	// FailureReason is kept only when moving to FAILED.
	FailureReason string
	// Metadata is shallow-merged over the existing metadata.
	Metadata map[string]any
}

// StateChangedEvent is delivered to orchestrator subscribers after every
// accepted transition.
type StateChangedEvent struct {
	Type  string    `json:"type"`
	RunID string    `json:"runId"`
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
	State State     `json:"state"`
}

// NewQueuedState returns the initial state of a run created at at.
func NewQueuedState(runID string, at time.Time) State {
	at = at.UTC()
	return State{RunID: runID, Status: StatusQueued, CreatedAt: at, UpdatedAt: at}
}

// ParseTimestamp parses an ISO-8601 timestamp for use as TransitionOptions.At.
func ParseTimestamp(value string) (time.Time, error) {
	t, ok := contracts.ParseTimestamp(value)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
	}
	return t.UTC(), nil
}

// TransitionState applies a transition to current without side effects.
func TransitionState(current State, next Status, opts TransitionOptions, now time.Time) (State, error) {
	if !CanTransition(current.Status, next) {
		return current, &InvalidTransitionError{From: current.Status, To: next}
	}

	out := current.clone()
	out.Status = next
	out.UpdatedAt = now.UTC()
	if !opts.At.IsZero() {
		out.UpdatedAt = opts.At.UTC()
	}
	if opts.Metadata != nil {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(opts.Metadata))
		}
		maps.Copy(out.Metadata, opts.Metadata)
	}

	if next == StatusFailed {
		switch {
		case strings.TrimSpace(opts.FailureReason) != "":
			out.FailureReason = opts.FailureReason
		case out.FailureReason == "":
			out.FailureReason = DefaultFailureReason
		}
	} else {
		out.FailureReason = ""
	}
	return out, nil
}

// Subscriber observes state changes of one orchestrator.
type Subscriber func(StateChangedEvent)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Orchestrator is the state machine of a single run. Transitions are
// serialized, and subscribers observe them in commit order. Changes are
// delivered on the transitioning goroutine after the state lock is released;
// a transition committed while another goroutine is delivering is handed to
// that goroutine instead, so it may still be queued when Transition returns.
// A panicking subscriber propagates to the goroutine delivering the change.
type Orchestrator struct {
	mu          sync.Mutex
	state       State
	subscribers []subscriberEntry
	nextID      uint64
	now         func() time.Time

	pending    []StateChangedEvent
	delivering bool
}

// NewOrchestrator creates an orchestrator in QUEUED, stamped now.
func NewOrchestrator(runID string) *Orchestrator {
	return NewOrchestratorFromState(NewQueuedState(runID, time.Now()))
}

// NewOrchestratorFromState resumes an orchestrator from a saved state.
func NewOrchestratorFromState(state State) *Orchestrator {
	return &Orchestrator{state: state.clone(), now: time.Now}
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Subscribe registers fn and returns a function that removes it.
func (o *Orchestrator) Subscribe(fn Subscriber) (unsubscribe func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subscribers = append(o.subscribers, subscriberEntry{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subscribers {
				if s.id == id {
					o.subscribers = append(o.subscribers[:i:i], o.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// Transition moves the run to next. An invalid transition returns an
// *InvalidTransitionError and leaves the state untouched.
func (o *Orchestrator) Transition(next Status, opts TransitionOptions) (State, error) {
	o.mu.Lock()
	previous := o.state
	updated, err := TransitionState(previous, next, opts, o.now())
	if err != nil {
		o.mu.Unlock()
		return previous.clone(), err
	}
	o.state = updated
	o.pending = append(o.pending, StateChangedEvent{
		Type:  StateChangedType,
		RunID: updated.RunID,
		From:  previous.Status,
		To:    updated.Status,
		At:    updated.UpdatedAt,
		State: updated.clone(),
	})
	if o.delivering {
		o.mu.Unlock()
		return updated.clone(), nil
	}
	o.delivering = true
	o.mu.Unlock()

	o.deliver()
	return updated.clone(), nil
}

// deliver drains pending changes in commit order. A subscriber panic drops
// the rest of the batch being delivered.
func (o *Orchestrator) deliver() {
	defer func() {
		o.mu.Lock()
		o.delivering = false
		o.mu.Unlock()
	}()

	o.mu.Lock()
	for len(o.pending) > 0 {
		batch := o.pending
		o.pending = nil
		subscribers := slices.Clone(o.subscribers)
		o.mu.Unlock()

		for _, event := range batch {
			for _, s := range subscribers {
				e := event
				e.State = event.State.clone()
				s.fn(e)
			}
		}
		o.mu.Lock()
	}
	o.mu.Unlock()
}

// Start moves a queued run to RUNNING.
func (o *Orchestrator) Start(opts TransitionOptions) (State, error) {
	return o.Transition(StatusRunning, opts)
}

// WaitForApproval parks a running run until Resume.
func (o *Orchestrator) WaitForApproval(opts TransitionOptions) (State, error) {
	return o.Transition(StatusWaitingApproval, opts)
}

// Resume moves a run waiting for approval back to RUNNING.
func (o *Orchestrator) Resume(opts TransitionOptions) (State, error) {
	return o.Transition(StatusRunning, opts)
}

// Complete finishes a running run.
func (o *Orchestrator) Complete(opts TransitionOptions) (State, error) {
	return o.Transition(StatusCompleted, opts)
}

// Fail moves the run to FAILED with reason.
func (o *Orchestrator) Fail(reason string, opts TransitionOptions) (State, error) {
	opts.FailureReason = reason
	return o.Transition(StatusFailed, opts)
}

// Cancel stops a run that has not finished.
func (o *Orchestrator) Cancel(opts TransitionOptions) (State, error) {
	return o.Transition(StatusCancelled, opts)
}
