package runs

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

// Error codes carried by run events.
const (
	CodeRunFailed    = "RUN_FAILED"
	CodeRunCancelled = "RUN_CANCELLED"
	CodeToolError    = "TOOL_ERROR"
	CodePolicyDenied = "POLICY_DENIED"
)

const (
	// DefaultPolicyDecisionID is reported when neither an id nor a trace is known.
	DefaultPolicyDecisionID = "policy.decision.unavailable"

	defaultRunFailedMessage   = "Run failed."
	defaultToolErrorMessage   = "Tool execution failed."
	defaultPolicyBlockMessage = "Tool invocation denied by policy."
)

// Listener receives every emitted run event.
type Listener func(contracts.RunEventV1)

type listenerEntry struct {
	id uint64
	fn Listener
}

// EmitInput is a run event before the bus stamps version, id and time.
type EmitInput struct {
	RunID string
	Type  contracts.RunEventType
	// CreatedAt defaults to now.
	CreatedAt  string
	Message    string
	Tool       *contracts.ToolInvocationV1
	OutputText string
	Error      *contracts.RunEventErrorV1
	Data       map[string]any
}

// ToolEventInput describes the tool call a tool event is about.
type ToolEventInput struct {
	RunID      string
	ToolName   string
	ToolCallID string
	Args       any

	PolicyDecisionID    string
	PolicyDecisionTrace *contracts.PolicyDecisionTraceV1
}

// ToolCompletedInput adds the outcome of the call.
type ToolCompletedInput struct {
	ToolEventInput

	Result       any
	IsError      bool
	Meta         string
	ErrorMessage string
}

// Bus emits run events. It owns the orchestrator registry, per-run
// sequence counters and the listener set.
//
// Listeners run synchronously on the emitting goroutine. Events are
// delivered in sequence order to every listener: an Emit that happens while
// another delivery is in progress (concurrently or from inside a listener) is
// queued and delivered by the goroutine already dispatching.
type Bus struct {
	mu            sync.Mutex
	orchestrators map[string]*Orchestrator
	seq           map[string]uint64
	listeners     []listenerEntry
	nextID        uint64

	pending     []contracts.RunEventV1
	dispatching bool

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for dropped listener panics.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records emitted events and transitions.
func WithMetrics(m *observability.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		orchestrators: make(map[string]*Orchestrator),
		seq:           make(map[string]uint64),
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnRunEvent registers a listener and returns its unsubscribe function.
func (b *Bus) OnRunEvent(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit stamps in and delivers it to every listener.
func (b *Bus) Emit(in EmitInput) contracts.RunEventV1 {
	b.mu.Lock()
	event := b.stampLocked(in)
	b.pending = append(b.pending, event)
	if b.dispatching {
		b.mu.Unlock()
		return event
	}
	b.dispatching = true
	for len(b.pending) > 0 {
		batch := b.pending
		b.pending = nil
		listeners := make([]listenerEntry, len(b.listeners))
		copy(listeners, b.listeners)
		b.mu.Unlock()

		for _, ev := range batch {
			b.metrics.RecordRunEvent(string(ev.Type))
			for _, l := range listeners {
				b.deliver(l.fn, ev)
			}
		}
		b.mu.Lock()
	}
	b.dispatching = false
	b.mu.Unlock()
	return event
}

func (b *Bus) stampLocked(in EmitInput) contracts.RunEventV1 {
	b.seq[in.RunID]++
	createdAt := in.CreatedAt
	if createdAt == "" {
		createdAt = contracts.FormatTimestamp(b.now())
	}
	return contracts.RunEventV1{
		Version:    contracts.RunEventVersion,
		EventID:    fmt.Sprintf("%s:%d", in.RunID, b.seq[in.RunID]),
		RunID:      in.RunID,
		Type:       in.Type,
		CreatedAt:  createdAt,
		Message:    in.Message,
		Tool:       in.Tool,
		OutputText: in.OutputText,
		Error:      in.Error,
		Data:       in.Data,
	}
}

// EventSeq returns the per-run sequence number encoded in an event id, or 0
// when the id is not of the "<runId>:<seq>" form.
func EventSeq(eventID string) uint64 {
	idx := strings.LastIndex(eventID, ":")
	if idx < 0 {
		return 0
	}
	seq, err := strconv.ParseUint(eventID[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func (b *Bus) deliver(fn Listener, event contracts.RunEventV1) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("run event listener panicked",
				"event_id", event.EventID,
				"type", string(event.Type),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(event)
}

// Orchestrator returns the orchestrator for runID, creating it in QUEUED on
// first use. Its transitions are published as run events.
func (b *Bus) Orchestrator(runID string) (*Orchestrator, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, ErrRunIDRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orchestrators[runID]; ok {
		return o, nil
	}
	return b.trackLocked(NewQueuedState(runID, b.now())), nil
}

// CreateRun starts tracking runID in QUEUED. created is false when the run
// is already tracked, in which case o is the existing orchestrator.
func (b *Bus) CreateRun(runID string) (o *Orchestrator, created bool, err error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, false, ErrRunIDRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orchestrators[runID]; ok {
		return o, false, nil
	}
	return b.trackLocked(NewQueuedState(runID, b.now())), true, nil
}

func (b *Bus) trackLocked(state State) *Orchestrator {
	o := NewOrchestratorFromState(state)
	o.now = b.now
	o.Subscribe(b.publishTransition)
	b.orchestrators[state.RunID] = o
	return o
}

// State returns the tracked state of runID.
func (b *Bus) State(runID string) (State, bool) {
	b.mu.Lock()
	o, ok := b.orchestrators[strings.TrimSpace(runID)]
	b.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return o.State(), true
}

// TransitionRun moves runID to next. A blank id, a transition to the
// current status, or a transition outside the table is ignored.
func (b *Bus) TransitionRun(runID string, next Status, opts TransitionOptions) {
	o, err := b.Orchestrator(runID)
	if err != nil {
		return
	}
	current := o.State().Status
	if current == next || !CanTransition(current, next) {
		return
	}
	if _, err := o.Transition(next, opts); err != nil && !errors.Is(err, ErrInvalidTransition) {
		b.logger.Debug("run transition failed", "run_id", runID, "error", err)
	}
}

// MarkRunStarted moves runID to RUNNING, tracking it first if needed.
func (b *Bus) MarkRunStarted(runID string, opts TransitionOptions) {
	b.TransitionRun(runID, StatusRunning, opts)
}

// MarkRunCompleted moves runID to COMPLETED.
func (b *Bus) MarkRunCompleted(runID string, opts TransitionOptions) {
	b.TransitionRun(runID, StatusCompleted, opts)
}

// MarkRunFailed fails runID with reason.
func (b *Bus) MarkRunFailed(runID, reason string, opts TransitionOptions) {
	opts.FailureReason = reason
	b.TransitionRun(runID, StatusFailed, opts)
}

// MarkRunCancelled moves runID to CANCELLED.
func (b *Bus) MarkRunCancelled(runID string, opts TransitionOptions) {
	b.TransitionRun(runID, StatusCancelled, opts)
}

// Evict forgets the orchestrator of runID. Its sequence counter is kept, so
// event ids stay unique if the run is seen again.
func (b *Bus) Evict(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orchestrators, strings.TrimSpace(runID))
}

// Reset drops all orchestrators, sequence counters and listeners.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orchestrators = make(map[string]*Orchestrator)
	b.seq = make(map[string]uint64)
	b.listeners = nil
}

func (b *Bus) publishTransition(event StateChangedEvent) {
	b.metrics.RecordRunTransition(string(event.From), string(event.To))

	eventType := transitionEventType(event.From, event.To)
	data := map[string]any{
		"from":   string(event.From),
		"to":     string(event.To),
		"status": string(event.State.Status),
	}
	if event.State.Metadata != nil {
		data["metadata"] = event.State.Metadata
	}
	if event.State.FailureReason != "" {
		data["failureReason"] = event.State.FailureReason
	}

	b.Emit(EmitInput{
		RunID:     event.RunID,
		Type:      eventType,
		CreatedAt: contracts.FormatTimestamp(event.At),
		Message:   transitionMessage(eventType),
		Error:     transitionError(event),
		Data:      data,
	})
}

func transitionEventType(from, to Status) contracts.RunEventType {
	switch {
	case from == StatusQueued && to == StatusRunning:
		return contracts.EventRunStarted
	case to == StatusCompleted:
		return contracts.EventRunCompleted
	case to == StatusFailed, to == StatusCancelled:
		return contracts.EventRunFailed
	default:
		return contracts.EventRunProgress
	}
}

func transitionMessage(eventType contracts.RunEventType) string {
	switch eventType {
	case contracts.EventRunStarted:
		return "Run started."
	case contracts.EventRunCompleted:
		return "Run completed."
	case contracts.EventRunFailed:
		return "Run failed."
	default:
		return "Run state updated."
	}
}

func transitionError(event StateChangedEvent) *contracts.RunEventErrorV1 {
	switch event.To {
	case StatusFailed:
		return &contracts.RunEventErrorV1{
			Code:    CodeRunFailed,
			Message: firstNonBlank(event.State.FailureReason, defaultRunFailedMessage),
		}
	case StatusCancelled:
		return &contracts.RunEventErrorV1{Code: CodeRunCancelled, Message: "Run cancelled."}
	}
	return nil
}

// EmitToolStarted emits tool.started for a call about to run.
func (b *Bus) EmitToolStarted(in ToolEventInput) contracts.RunEventV1 {
	tool := toolInvocation(in)
	return b.Emit(EmitInput{
		RunID: in.RunID,
		Type:  contracts.EventToolStarted,
		Tool:  &tool,
		Data:  policyDecisionData(in, nil),
	})
}

// EmitToolCompleted emits tool.completed with the call's outcome.
func (b *Bus) EmitToolCompleted(in ToolCompletedInput) contracts.RunEventV1 {
	tool := toolInvocation(in.ToolEventInput)
	data := policyDecisionData(in.ToolEventInput, in.Result)
	data["isError"] = in.IsError
	if in.Meta != "" {
		data["meta"] = in.Meta
	}
	if in.Result != nil {
		data["result"] = in.Result
	}

	var eventErr *contracts.RunEventErrorV1
	if in.IsError {
		eventErr = &contracts.RunEventErrorV1{
			Code:    CodeToolError,
			Message: firstNonBlank(in.ErrorMessage, defaultToolErrorMessage),
		}
	}
	return b.Emit(EmitInput{
		RunID: in.RunID,
		Type:  contracts.EventToolCompleted,
		Tool:  &tool,
		Error: eventErr,
		Data:  data,
	})
}

// EmitPolicyBlocked emits policy.blocked for a call the policy denied.
func (b *Bus) EmitPolicyBlocked(in ToolEventInput, reason string) contracts.RunEventV1 {
	tool := toolInvocation(in)
	message := firstNonBlank(reason, defaultPolicyBlockMessage)
	return b.Emit(EmitInput{
		RunID:   in.RunID,
		Type:    contracts.EventPolicyBlocked,
		Message: message,
		Tool:    &tool,
		Error:   &contracts.RunEventErrorV1{Code: CodePolicyDenied, Message: message},
		Data:    policyDecisionData(in, nil),
	})
}

func toolInvocation(in ToolEventInput) contracts.ToolInvocationV1 {
	return contracts.NewToolInvocation(contracts.ToolInvocationParams{
		Name:   in.ToolName,
		CallID: in.ToolCallID,
		Input:  in.Args,
	})
}

func policyDecisionData(in ToolEventInput, result any) map[string]any {
	trace, found := ResolvePolicyDecisionTrace(in.PolicyDecisionTrace, in.Args, result)

	id := strings.TrimSpace(in.PolicyDecisionID)
	if id == "" && found {
		id = strings.TrimSpace(trace.DecisionID)
	}
	if id == "" {
		id = DefaultPolicyDecisionID
	}

	data := map[string]any{"policyDecisionId": id}
	if found {
		data["policyDecisionTrace"] = trace
	}
	return data
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
