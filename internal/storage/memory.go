package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

// MemoryRunStore provides an in-memory RunStore.
type MemoryRunStore struct {
	mu     sync.RWMutex
	events map[string][]contracts.RunEventV1
	seen   map[string]bool
	states map[string]runs.State
	// untracked holds run ids that have events but no saved state, keyed to
	// the store clock of their latest event.
	untracked map[string]uint64
	clock     uint64

	maxFinished int
	onPrune     func(runID string)
}

// MemoryOption configures a MemoryRunStore.
type MemoryOption func(*MemoryRunStore)

// WithMaxFinishedRuns bounds how many terminal runs are kept. When a run
// finishes past the bound, the least recently updated terminal run is
// forgotten together with its events. Event histories of runs that never
// saved a state are bounded the same way, oldest activity first. Zero keeps
// everything.
func WithMaxFinishedRuns(n int) MemoryOption {
	return func(s *MemoryRunStore) {
		s.maxFinished = max(n, 0)
	}
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore(opts ...MemoryOption) *MemoryRunStore {
	s := &MemoryRunStore{
		events:    make(map[string][]contracts.RunEventV1),
		seen:      make(map[string]bool),
		states:    make(map[string]runs.State),
		untracked: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnPrune registers fn to be called, outside the store lock, with each run id
// the store forgets. A nil fn unregisters.
func (s *MemoryRunStore) OnPrune(fn func(runID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPrune = fn
}

func (s *MemoryRunStore) AppendEvent(ctx context.Context, event contracts.RunEventV1) error {
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.RunID) == "" {
		return fmt.Errorf("event id and run id are required")
	}
	s.mu.Lock()
	if s.seen[event.EventID] {
		s.mu.Unlock()
		return nil
	}
	s.seen[event.EventID] = true
	s.events[event.RunID] = append(s.events[event.RunID], event)

	var pruned []string
	if _, ok := s.states[event.RunID]; !ok {
		s.clock++
		s.untracked[event.RunID] = s.clock
		pruned = s.pruneUntrackedLocked()
	}
	hook := s.onPrune
	s.mu.Unlock()

	notifyPruned(hook, pruned)
	return nil
}

func (s *MemoryRunStore) SaveState(ctx context.Context, state runs.State) error {
	if strings.TrimSpace(state.RunID) == "" {
		return runs.ErrRunIDRequired
	}
	s.mu.Lock()
	if existing, ok := s.states[state.RunID]; ok {
		state.CreatedAt = existing.CreatedAt
	}
	state.Metadata = maps.Clone(state.Metadata)
	s.states[state.RunID] = state
	delete(s.untracked, state.RunID)

	var pruned []string
	if state.Status.Terminal() {
		pruned = s.pruneFinishedLocked()
	}
	hook := s.onPrune
	s.mu.Unlock()

	notifyPruned(hook, pruned)
	return nil
}

func notifyPruned(hook func(string), runIDs []string) {
	if hook == nil {
		return
	}
	for _, id := range runIDs {
		hook(id)
	}
}

func (s *MemoryRunStore) pruneFinishedLocked() []string {
	if s.maxFinished == 0 {
		return nil
	}
	var finished []runs.State
	for _, state := range s.states {
		if state.Status.Terminal() {
			finished = append(finished, state)
		}
	}
	if len(finished) <= s.maxFinished {
		return nil
	}
	sort.Slice(finished, func(i, j int) bool {
		a, b := finished[i], finished[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.RunID < b.RunID
	})
	stale := finished[:len(finished)-s.maxFinished]
	pruned := make([]string, 0, len(stale))
	for _, state := range stale {
		s.forgetLocked(state.RunID)
		pruned = append(pruned, state.RunID)
	}
	return pruned
}

func (s *MemoryRunStore) pruneUntrackedLocked() []string {
	if s.maxFinished == 0 {
		return nil
	}
	var pruned []string
	for len(s.untracked) > s.maxFinished {
		oldest, oldestAt := "", uint64(0)
		for id, at := range s.untracked {
			if oldest == "" || at < oldestAt {
				oldest, oldestAt = id, at
			}
		}
		s.forgetLocked(oldest)
		pruned = append(pruned, oldest)
	}
	return pruned
}

func (s *MemoryRunStore) forgetLocked(runID string) {
	for _, event := range s.events[runID] {
		delete(s.seen, event.EventID)
	}
	delete(s.events, runID)
	delete(s.states, runID)
	delete(s.untracked, runID)
}

func (s *MemoryRunStore) Events(ctx context.Context, runID string, afterSeq uint64) ([]contracts.RunEventV1, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[runID]
	out := make([]contracts.RunEventV1, 0, len(events))
	for _, event := range events {
		if runs.EventSeq(event.EventID) > afterSeq {
			out = append(out, event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return runs.EventSeq(out[i].EventID) < runs.EventSeq(out[j].EventID)
	})
	return out, nil
}

func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return s.recordLocked(state), nil
}

func (s *MemoryRunStore) ListRuns(ctx context.Context, status runs.Status, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]RunRecord, 0, len(s.states))
	for _, state := range s.states {
		if status != "" && state.Status != status {
			continue
		}
		records = append(records, s.recordLocked(state))
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].State, records[j].State
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.RunID < b.RunID
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryRunStore) Close() error {
	return nil
}

func (s *MemoryRunStore) recordLocked(state runs.State) RunRecord {
	var last uint64
	for _, event := range s.events[state.RunID] {
		last = max(last, runs.EventSeq(event.EventID))
	}
	state.Metadata = maps.Clone(state.Metadata)
	return RunRecord{State: state, LastSeq: last}
}
