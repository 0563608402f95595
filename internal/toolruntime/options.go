// Package toolruntime invokes tools behind a policy gate with per-attempt
// timeouts and retry.
//
// Every invocation is evaluated exactly once by the policy engine before any
// attempt runs. Denied invocations never reach the tool. Allowed invocations
// run under the retry budget, and each attempt races the tool against its
// timeout. Successes, failures and denials all carry the decision and its
// wire trace.
package toolruntime

import (
	"context"
	"time"

	"github.com/haasonsaas/toolgate/internal/backoff"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

// InvocationOptions bound a single invocation.
type InvocationOptions struct {
	// Timeout applies to each attempt. Nil disables it; zero expires as
	// soon as the attempt starts.
	Timeout *time.Duration
	// Retry is the attempt budget. Nil means a single attempt.
	Retry *backoff.RetryOptions
}

// Timeout returns d for use as InvocationOptions.Timeout.
func Timeout(d time.Duration) *time.Duration {
	return &d
}

// Merge returns o with the fields set in override replacing its own.
// Retry is replaced as a whole, not field by field.
func (o InvocationOptions) Merge(override InvocationOptions) InvocationOptions {
	if override.Timeout != nil {
		o.Timeout = override.Timeout
	}
	if override.Retry != nil {
		o.Retry = override.Retry
	}
	return o
}

func (o InvocationOptions) timeout() time.Duration {
	if o.Timeout == nil {
		return 0
	}
	return *o.Timeout
}

func (o InvocationOptions) validate() (backoff.RetryOptions, error) {
	if o.Timeout != nil && *o.Timeout < 0 {
		return backoff.RetryOptions{}, ErrInvalidTimeout
	}
	var retry backoff.RetryOptions
	if o.Retry != nil {
		retry = *o.Retry
	}
	return retry.Normalize()
}

// PolicyOptions configure the policy gate for one invocation.
type PolicyOptions struct {
	// Context replaces the default tool context when set.
	Context *policy.Context
	// Evaluate overrides the runtime's evaluator.
	Evaluate policy.Evaluator
	// DecisionID is used when the evaluator does not pin one.
	DecisionID string
	// DefaultAllowReason is the reason recorded when no evaluator has an opinion.
	DefaultAllowReason string
}

// Params describe one tool invocation.
type Params[In, Out any] struct {
	// RunID, when set, ties the invocation to a run on the runtime's bus.
	RunID      string
	ToolName   string
	ToolCallID string
	Input      In
	// Invoke runs the tool. The context carries the attempt number, see
	// AttemptFromContext. It is not cancelled when an attempt times out.
	Invoke           func(ctx context.Context, input In) (Out, error)
	Policy           PolicyOptions
	Options          InvocationOptions
	OnPolicyDecision func(policy.Decision)
}

// Envelope summarizes the policy decision next to a tool result.
type Envelope struct {
	DecisionID       string                          `json:"decisionId"`
	Effect           policy.Effect                   `json:"effect"`
	Reasons          []string                        `json:"reasons"`
	MatchedRules     []string                        `json:"matchedRules"`
	RequiresApproval bool                            `json:"requiresApproval"`
	Trace            contracts.PolicyDecisionTraceV1 `json:"trace"`
}

// Metadata is the policy context attached to results and errors.
type Metadata struct {
	Decision            policy.Decision                 `json:"decision"`
	Tool                contracts.ToolInvocationV1      `json:"tool"`
	Policy              Envelope                        `json:"policy"`
	PolicyDecisionTrace contracts.PolicyDecisionTraceV1 `json:"policyDecisionTrace"`
}

// Result is a successful invocation.
type Result[Out any] struct {
	Result              Out                             `json:"result"`
	Decision            policy.Decision                 `json:"decision"`
	Tool                contracts.ToolInvocationV1      `json:"tool"`
	Policy              Envelope                        `json:"policy"`
	PolicyDecisionTrace contracts.PolicyDecisionTraceV1 `json:"policyDecisionTrace"`
	Attempts            int                             `json:"attempts"`
}

type attemptKey struct{}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the 1-based attempt number of the running tool
// call, or 0 outside an invocation.
func AttemptFromContext(ctx context.Context) int {
	attempt, _ := ctx.Value(attemptKey{}).(int)
	return attempt
}
