package toolruntime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/runs"
)

// Config configures a Runtime. Every field is optional.
type Config struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Bus receives tool events for invocations that carry a run id.
	Bus *runs.Bus
	// Defaults sit beneath tool and call options.
	Defaults InvocationOptions
	// Evaluator gates invocations that do not bring their own.
	Evaluator policy.Evaluator
	// Registry defaults to an empty registry.
	Registry *Registry
}

// Runtime holds the shared dependencies of tool invocations. A nil *Runtime
// is valid for Invoke and provides no defaults, observability or events.
type Runtime struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	bus      *runs.Bus
	defaults InvocationOptions
	registry *Registry

	mu        sync.RWMutex
	evaluator policy.Evaluator
}

// New creates a Runtime.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Runtime{
		logger:    logger.With("component", "toolruntime"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		bus:       cfg.Bus,
		defaults:  cfg.Defaults,
		evaluator: cfg.Evaluator,
		registry:  registry,
	}
}

// Registry returns the runtime's tool registry.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// SetEvaluator swaps the runtime evaluator, typically after a config reload.
// Invocations already past policy evaluation keep the decision they got.
func (r *Runtime) SetEvaluator(evaluator policy.Evaluator) {
	r.mu.Lock()
	r.evaluator = evaluator
	r.mu.Unlock()
}

// Call is a registry-backed invocation.
type Call struct {
	RunID   string
	Name    string
	CallID  string
	Input   any
	Options InvocationOptions
	Policy  PolicyOptions

	OnPolicyDecision func(policy.Decision)
}

// Call looks up a registered tool and invokes it with runtime defaults,
// then the tool's defaults, then the call's options.
func (r *Runtime) Call(ctx context.Context, call Call) (Result[any], error) {
	tool, ok := r.registry.Get(call.Name)
	if !ok {
		return Result[any]{}, &NotFoundError{ToolName: call.Name}
	}
	return Invoke(ctx, r, Params[any, any]{
		RunID:      call.RunID,
		ToolName:   tool.Name,
		ToolCallID: call.CallID,
		Input:      call.Input,
		Invoke: func(ctx context.Context, input any) (any, error) {
			return tool.Handler(ctx, input, InvokeMeta{Attempt: AttemptFromContext(ctx)})
		},
		Policy:           call.Policy,
		Options:          tool.Defaults.Merge(call.Options),
		OnPolicyDecision: call.OnPolicyDecision,
	})
}

func (r *Runtime) log() *slog.Logger {
	if r == nil {
		return slog.Default()
	}
	return r.logger
}

func (r *Runtime) metricsOrNil() *observability.Metrics {
	if r == nil {
		return nil
	}
	return r.metrics
}

func (r *Runtime) tracerOrNil() *observability.Tracer {
	if r == nil {
		return nil
	}
	return r.tracer
}

func (r *Runtime) options(call InvocationOptions) InvocationOptions {
	if r == nil {
		return call
	}
	return r.defaults.Merge(call)
}

func (r *Runtime) evaluatorFor(opts PolicyOptions) policy.Evaluator {
	if opts.Evaluate != nil {
		return opts.Evaluate
	}
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evaluator
}

func (r *Runtime) record(toolName, outcome string, start time.Time) {
	r.metricsOrNil().RecordToolInvocation(toolName, outcome, time.Since(start).Seconds())
}

// toolEvents publishes the tool events of one invocation. It is inert when
// there is no bus or no run id.
type toolEvents struct {
	bus *runs.Bus
	in  runs.ToolEventInput
}

func (r *Runtime) toolEvents(in runs.ToolEventInput) toolEvents {
	if r == nil || r.bus == nil || in.RunID == "" {
		return toolEvents{}
	}
	return toolEvents{bus: r.bus, in: in}
}

func (e toolEvents) started() {
	if e.bus != nil {
		e.bus.EmitToolStarted(e.in)
	}
}

func (e toolEvents) completed(result any, err error) {
	if e.bus == nil {
		return
	}
	out := runs.ToolCompletedInput{ToolEventInput: e.in, Result: result}
	if err != nil {
		out.IsError = true
		out.ErrorMessage = err.Error()
	}
	e.bus.EmitToolCompleted(out)
}

func (e toolEvents) blocked(reason string) {
	if e.bus != nil {
		e.bus.EmitPolicyBlocked(e.in, reason)
	}
}
