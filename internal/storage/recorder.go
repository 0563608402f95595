package storage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

// Recorder writes every event of a bus to a RunStore, plus a state snapshot
// after each lifecycle event. Store failures are logged and never reach the
// emitter.
type Recorder struct {
	store   RunStore
	bus     *runs.Bus
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder creates a recorder for bus.
func NewRecorder(store RunStore, bus *runs.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		bus:     bus,
		logger:  logger.With("component", "run-recorder"),
		timeout: 5 * time.Second,
	}
}

// Attach subscribes the recorder to the bus. When the store prunes runs on
// its own, pruned runs are evicted from the bus as well.
func (r *Recorder) Attach() (detach func()) {
	unsubscribe := r.bus.OnRunEvent(r.record)
	pruner, ok := r.store.(Pruner)
	if !ok {
		return unsubscribe
	}
	pruner.OnPrune(r.forget)
	return func() {
		unsubscribe()
		pruner.OnPrune(nil)
	}
}

func (r *Recorder) forget(runID string) {
	r.bus.Evict(runID)
	r.logger.Debug("run pruned from history", "run_id", runID)
}

func (r *Recorder) record(event contracts.RunEventV1) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Warn("failed to store run event", "event_id", event.EventID, "error", err)
	}
	if !isLifecycleEvent(event) {
		return
	}
	state, ok := r.bus.State(event.RunID)
	if !ok {
		return
	}
	if err := r.store.SaveState(ctx, state); err != nil {
		r.logger.Warn("failed to store run state", "run_id", event.RunID, "error", err)
	}
}

func isLifecycleEvent(event contracts.RunEventV1) bool {
	if !strings.HasPrefix(string(event.Type), "run.") {
		return false
	}
	_, ok := event.Data["status"]
	return ok
}
