package runs

import (
	"sync"

	"github.com/haasonsaas/toolgate/pkg/contracts"
)

var (
	defaultBusOnce sync.Once
	defaultBus     *Bus
)

// Default returns the process-wide bus.
func Default() *Bus {
	defaultBusOnce.Do(func() {
		defaultBus = NewBus()
	})
	return defaultBus
}

// OnRunEvent subscribes to the default bus.
func OnRunEvent(fn Listener) (unsubscribe func()) {
	return Default().OnRunEvent(fn)
}

// EmitRunEvent emits on the default bus.
func EmitRunEvent(in EmitInput) contracts.RunEventV1 {
	return Default().Emit(in)
}

// TransitionRunWithEvents transitions a run on the default bus.
func TransitionRunWithEvents(runID string, next Status, opts TransitionOptions) {
	Default().TransitionRun(runID, next, opts)
}

// MarkRunStarted starts a run on the default bus.
func MarkRunStarted(runID string, opts TransitionOptions) {
	Default().MarkRunStarted(runID, opts)
}

// MarkRunCompleted completes a run on the default bus.
func MarkRunCompleted(runID string, opts TransitionOptions) {
	Default().MarkRunCompleted(runID, opts)
}

// EmitRunToolStartedEvent emits tool.started on the default bus.
func EmitRunToolStartedEvent(in ToolEventInput) contracts.RunEventV1 {
	return Default().EmitToolStarted(in)
}

// EmitRunToolCompletedEvent emits tool.completed on the default bus.
func EmitRunToolCompletedEvent(in ToolCompletedInput) contracts.RunEventV1 {
	return Default().EmitToolCompleted(in)
}

// ResetRunEventsForTest clears the default bus.
func ResetRunEventsForTest() {
	Default().Reset()
}
