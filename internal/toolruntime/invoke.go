package toolruntime

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/toolgate/internal/backoff"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

// Invoke evaluates policy for the call and, if allowed, runs p.Invoke under
// the retry budget with a per-attempt timeout.
//
// The policy is evaluated once per call, not per attempt, and
// OnPolicyDecision sees that single decision. Every returned error is an
// *InvocationError carrying the decision metadata. A denial wraps
// *DeniedError. A timed-out attempt is not cancelled; it runs on in the
// background and its result is discarded.
func Invoke[In, Out any](ctx context.Context, rt *Runtime, p Params[In, Out]) (Result[Out], error) {
	start := time.Now()
	toolName := contracts.NormalizeToolName(p.ToolName)
	opts := rt.options(p.Options)

	tool := contracts.NewToolInvocation(contracts.ToolInvocationParams{
		Name:    toolName,
		CallID:  p.ToolCallID,
		Input:   p.Input,
		Timeout: opts.timeout(),
	})

	ctx = observability.WithToolCallID(ctx, tool.ID)
	if p.RunID != "" {
		ctx = observability.WithRunID(ctx, p.RunID)
	}
	ctx, span := rt.tracerOrNil().TraceToolInvocation(ctx, toolName, tool.ID, p.RunID)
	defer span.End()

	decision := evaluateInvocationPolicy(rt, toolName, p.Policy)
	trace := BuildDecisionTrace(decision, time.Now())
	meta := Metadata{
		Decision:            decision,
		Tool:                tool,
		Policy:              NewEnvelope(decision, trace),
		PolicyDecisionTrace: trace,
	}

	observability.RecordDecision(span, decision.DecisionID, string(decision.Effect), decision.MatchedRules, decision.RequiresApproval)
	rt.metricsOrNil().RecordPolicyDecision(string(decision.Effect), decision.RequiresApproval)
	rt.log().DebugContext(ctx, "tool policy decision",
		"tool", toolName,
		"decision_id", decision.DecisionID,
		"effect", string(decision.Effect),
		"matched_rules", decision.MatchedRules,
		"requires_approval", decision.RequiresApproval,
	)

	if p.OnPolicyDecision != nil {
		p.OnPolicyDecision(decision)
	}

	var args any
	if tool.Args != nil {
		args = tool.Args
	}
	events := rt.toolEvents(runs.ToolEventInput{
		RunID:               p.RunID,
		ToolName:            toolName,
		ToolCallID:          tool.ID,
		Args:                args,
		PolicyDecisionID:    decision.DecisionID,
		PolicyDecisionTrace: &trace,
	})

	fail := func(outcome string, err error) (Result[Out], error) {
		rt.record(toolName, outcome, start)
		observability.RecordError(span, err)
		return Result[Out]{}, &InvocationError{Metadata: meta, Err: err}
	}

	if !decision.Allowed() {
		denied := &DeniedError{Decision: decision}
		rt.log().InfoContext(ctx, "tool invocation denied",
			"tool", toolName,
			"decision_id", decision.DecisionID,
			"reason", denied.Error(),
		)
		events.blocked(denied.Error())
		return fail("denied", denied)
	}

	retry, err := opts.validate()
	if err != nil {
		return fail("error", err)
	}
	if p.Invoke == nil {
		return fail("error", ErrMissingInvoke)
	}

	events.started()
	res, err := backoff.Retry(ctx, retry, func(ctx context.Context, attempt int) (Out, error) {
		rt.metricsOrNil().RecordToolAttempt(toolName)
		return runAttempt(withAttempt(ctx, attempt), rt, toolName, opts.Timeout, p.Invoke, p.Input)
	})
	if err != nil {
		events.completed(nil, err)
		outcome := "error"
		if errors.Is(err, ErrTimeout) {
			outcome = "timeout"
		}
		rt.log().WarnContext(ctx, "tool invocation failed",
			"tool", toolName,
			"attempts", res.Attempts,
			"error", err,
		)
		return fail(outcome, err)
	}

	events.completed(res.Value, nil)
	rt.record(toolName, "success", start)
	return Result[Out]{
		Result:              res.Value,
		Decision:            decision,
		Tool:                tool,
		Policy:              meta.Policy,
		PolicyDecisionTrace: trace,
		Attempts:            res.Attempts,
	}, nil
}

func evaluateInvocationPolicy(rt *Runtime, toolName string, opts PolicyOptions) policy.Decision {
	pctx := DefaultPolicyContext(toolName)
	if opts.Context != nil {
		pctx = *opts.Context
	}

	allowReason := opts.DefaultAllowReason
	if allowReason == "" {
		allowReason = DefaultAllowReason
	}
	evaluator := rt.evaluatorFor(opts)

	return policy.Evaluate(policy.EvaluateParams{
		Context:    pctx,
		DecisionID: opts.DecisionID,
		Evaluate: func(c policy.Context) *policy.Evaluation {
			if evaluator != nil {
				if evaluation := evaluator(c); evaluation != nil {
					return evaluation
				}
			}
			return policy.Allow(allowReason)
		},
	})
}

type attemptOutcome[Out any] struct {
	value Out
	err   error
}

// runAttempt runs one attempt. With a timeout the tool runs on its own
// goroutine and the first of result, timer or ctx wins. The tool keeps its
// original ctx, so losing the race does not cancel it. A nil timeout runs
// the tool inline.
func runAttempt[In, Out any](
	ctx context.Context,
	rt *Runtime,
	toolName string,
	timeout *time.Duration,
	invoke func(context.Context, In) (Out, error),
	input In,
) (Out, error) {
	if timeout == nil {
		return safeInvoke(ctx, toolName, invoke, input)
	}

	resultCh := make(chan attemptOutcome[Out])
	abandoned := make(chan struct{})

	go func() {
		value, err := safeInvoke(ctx, toolName, invoke, input)
		select {
		case resultCh <- attemptOutcome[Out]{value: value, err: err}:
		case <-abandoned:
			rt.log().WarnContext(ctx, "tool execution completed after timeout, result discarded",
				"tool", toolName,
				"attempt", AttemptFromContext(ctx),
				"error", err,
			)
		}
	}()

	timer := time.NewTimer(*timeout)
	defer timer.Stop()

	var zero Out
	select {
	case out := <-resultCh:
		return out.value, out.err
	case <-timer.C:
		close(abandoned)
		return zero, &TimeoutError{ToolName: toolName, Timeout: *timeout}
	case <-ctx.Done():
		close(abandoned)
		return zero, ctx.Err()
	}
}

func safeInvoke[In, Out any](ctx context.Context, toolName string, invoke func(context.Context, In) (Out, error), input In) (value Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{ToolName: toolName, Value: r}
		}
	}()
	return invoke(ctx, input)
}
