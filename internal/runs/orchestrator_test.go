package runs

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestOrchestratorStartComplete(t *testing.T) {
	o := NewOrchestrator("run-1")

	var events []StateChangedEvent
	o.Subscribe(func(e StateChangedEvent) { events = append(events, e) })

	if _, err := o.Start(TransitionOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := o.Complete(TransitionOptions{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].From != StatusQueued || events[0].To != StatusRunning {
		t.Errorf("first event = %s -> %s", events[0].From, events[0].To)
	}
	if events[1].From != StatusRunning || events[1].To != StatusCompleted {
		t.Errorf("second event = %s -> %s", events[1].From, events[1].To)
	}
	if events[1].Type != StateChangedType || events[1].RunID != "run-1" {
		t.Errorf("event = %+v", events[1])
	}

	_, err := o.Start(TransitionOptions{})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Start() after completion error = %v", err)
	}
	if err.Error() != "invalid run transition: COMPLETED -> RUNNING" {
		t.Errorf("error = %q", err.Error())
	}
	if o.State().Status != StatusCompleted {
		t.Errorf("status = %s", o.State().Status)
	}
}

func TestTransitionFailureReason(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	o := NewOrchestratorFromState(NewQueuedState("run-f", at))

	if _, err := o.Start(TransitionOptions{Metadata: map[string]any{"a": 1}}); err != nil {
		t.Fatal(err)
	}
	state, err := o.Fail("", TransitionOptions{At: at.Add(time.Minute), Metadata: map[string]any{"b": 2}})
	if err != nil {
		t.Fatal(err)
	}
	if state.FailureReason != DefaultFailureReason {
		t.Errorf("FailureReason = %q", state.FailureReason)
	}
	if state.Metadata["a"] != 1 || state.Metadata["b"] != 2 {
		t.Errorf("Metadata = %v", state.Metadata)
	}
	if !state.UpdatedAt.Equal(at.Add(time.Minute)) || !state.CreatedAt.Equal(at) {
		t.Errorf("timestamps = %v / %v", state.CreatedAt, state.UpdatedAt)
	}

	// A waiting run that failed earlier and was resumed loses its reason.
	resumed := State{RunID: "run-g", Status: StatusWaitingApproval, FailureReason: "stale"}
	next, err := TransitionState(resumed, StatusRunning, TransitionOptions{}, at)
	if err != nil {
		t.Fatal(err)
	}
	if next.FailureReason != "" {
		t.Errorf("FailureReason = %q, want cleared", next.FailureReason)
	}

	kept, err := TransitionState(resumed, StatusFailed, TransitionOptions{}, at)
	if err != nil {
		t.Fatal(err)
	}
	if kept.FailureReason != "stale" {
		t.Errorf("FailureReason = %q, want earlier reason", kept.FailureReason)
	}

	explicit, _ := TransitionState(resumed, StatusFailed, TransitionOptions{FailureReason: "boom"}, at)
	if explicit.FailureReason != "boom" {
		t.Errorf("FailureReason = %q", explicit.FailureReason)
	}
}

func TestStateIsCopied(t *testing.T) {
	o := NewOrchestrator("run-c")
	if _, err := o.Start(TransitionOptions{Metadata: map[string]any{"k": "v"}}); err != nil {
		t.Fatal(err)
	}
	snapshot := o.State()
	snapshot.Metadata["k"] = "mutated"
	if o.State().Metadata["k"] != "v" {
		t.Error("State() exposed internal metadata")
	}
}

func TestUnsubscribe(t *testing.T) {
	o := NewOrchestrator("run-u")
	calls := 0
	unsubscribe := o.Subscribe(func(StateChangedEvent) { calls++ })
	unsubscribe()
	unsubscribe()
	if _, err := o.Start(TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("calls = %d after unsubscribe", calls)
	}
}

func TestSubscriberPanicPropagates(t *testing.T) {
	o := NewOrchestrator("run-p")
	o.Subscribe(func(StateChangedEvent) { panic("listener failed") })

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic")
		}
		if o.State().Status != StatusRunning {
			t.Errorf("status = %s, want RUNNING", o.State().Status)
		}
	}()
	_, _ = o.Start(TransitionOptions{})
}

func TestConcurrentTransitionsDeliverInCommitOrder(t *testing.T) {
	o := NewOrchestrator("run-c")
	entered := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once
	o.Subscribe(func(StateChangedEvent) {
		first.Do(func() {
			close(entered)
			<-release
		})
	})
	var mu sync.Mutex
	var seen []Status
	o.Subscribe(func(e StateChangedEvent) {
		mu.Lock()
		seen = append(seen, e.To)
		mu.Unlock()
	})

	started := make(chan error, 1)
	go func() {
		_, err := o.Start(TransitionOptions{})
		started <- err
	}()
	<-entered

	// Start is still being delivered; Complete commits behind it.
	state, err := o.Complete(TransitionOptions{})
	if err != nil || state.Status != StatusCompleted {
		t.Fatalf("Complete() = %+v, %v", state, err)
	}
	close(release)
	if err := <-started; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []Status{StatusRunning, StatusCompleted}; !reflect.DeepEqual(seen, want) {
		t.Errorf("delivered %v, want %v", seen, want)
	}
}

func TestSubscriberMayTransitionSameRun(t *testing.T) {
	o := NewOrchestrator("run-n")
	var seen []Status
	o.Subscribe(func(e StateChangedEvent) {
		seen = append(seen, e.To)
		if e.To == StatusRunning {
			if _, err := o.Complete(TransitionOptions{}); err != nil {
				t.Errorf("nested Complete() error = %v", err)
			}
			if o.State().Status != StatusCompleted {
				t.Errorf("state inside subscriber = %s", o.State().Status)
			}
		}
	})

	if _, err := o.Start(TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	if want := []Status{StatusRunning, StatusCompleted}; !reflect.DeepEqual(seen, want) {
		t.Errorf("delivered %v, want %v", seen, want)
	}
}

func TestSubscriberPanicDoesNotWedgeDelivery(t *testing.T) {
	o := NewOrchestrator("run-w")
	calls := 0
	o.Subscribe(func(e StateChangedEvent) {
		calls++
		if e.To == StatusRunning {
			panic("listener failed")
		}
	})
	func() {
		defer func() { _ = recover() }()
		_, _ = o.Start(TransitionOptions{})
	}()
	if _, err := o.Complete(TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestParseTimestamp(t *testing.T) {
	if _, err := ParseTimestamp("2026-01-02T03:04:05Z"); err != nil {
		t.Errorf("ParseTimestamp() error = %v", err)
	}
	_, err := ParseTimestamp("yesterday")
	if !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("error = %v", err)
	}
	if want := `invalid timestamp: "yesterday"`; err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusCompleted || s == StatusFailed || s == StatusCancelled
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
	}
}

func TestTransitionTableClosureProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statusGen := gen.IntRange(0, len(Statuses)-1).Map(func(i int) Status { return Statuses[i] })

	properties.Property("only table transitions change state and notify once", prop.ForAll(
		func(from, to Status) bool {
			start := State{RunID: "run-prop", Status: from}
			o := NewOrchestratorFromState(start)
			var seen []StateChangedEvent
			o.Subscribe(func(e StateChangedEvent) { seen = append(seen, e) })

			state, err := o.Transition(to, TransitionOptions{})
			if CanTransition(from, to) {
				return err == nil && state.Status == to && len(seen) == 1 &&
					seen[0].From == from && seen[0].To == to
			}
			return errors.Is(err, ErrInvalidTransition) && o.State().Status == from && len(seen) == 0
		},
		statusGen,
		statusGen,
	))

	properties.TestingRun(t)
}
