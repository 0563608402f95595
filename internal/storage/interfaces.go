// Package storage keeps the history of run events and the latest state of
// each run in process, for replay to late subscribers and for run queries.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

var ErrNotFound = errors.New("not found")

// RunRecord is the latest recorded snapshot of a run.
type RunRecord struct {
	State runs.State `json:"state"`
	// LastSeq is the highest event sequence number stored for the run.
	LastSeq uint64 `json:"lastSeq"`
}

// Pruner is implemented by stores that forget runs on their own. A Recorder
// registers with it so that forgotten runs are also evicted from the bus.
type Pruner interface {
	OnPrune(fn func(runID string))
}

// RunStore records run events and state snapshots.
type RunStore interface {
	// AppendEvent stores an event. Storing an event id twice is a no-op.
	AppendEvent(ctx context.Context, event contracts.RunEventV1) error
	// SaveState upserts the snapshot of a run, keeping its original creation time.
	SaveState(ctx context.Context, state runs.State) error
	// Events returns the events of a run with a sequence above afterSeq,
	// ordered by sequence. Zero returns every stored event.
	Events(ctx context.Context, runID string, afterSeq uint64) ([]contracts.RunEventV1, error)
	// GetRun returns ErrNotFound for unknown runs.
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	// ListRuns returns runs most recently updated first. An empty status
	// matches every run; limit <= 0 means no limit.
	ListRuns(ctx context.Context, status runs.Status, limit int) ([]RunRecord, error)
	Close() error
}
