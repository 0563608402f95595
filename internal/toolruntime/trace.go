package toolruntime

import (
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

const (
	defaultRuleID         = "policy.default"
	defaultTraceReason    = "Policy decision evaluated."
	defaultAdapterSubject = "tool-runtime-adapter"
)

// DefaultAllowReason is recorded when an invocation has no evaluator opinion.
const DefaultAllowReason = "Tool invocation allowed by default in this execution path."

// BuildDecisionTrace converts a decision into its wire trace. Each matched
// rule becomes a rule hit whose reason is the reason at the same index, or
// the first reason. A decision without matched rules gets a single
// policy.default hit.
func BuildDecisionTrace(decision policy.Decision, evaluatedAt time.Time) contracts.PolicyDecisionTraceV1 {
	outcome := contracts.OutcomeDeny
	if decision.Allowed() {
		outcome = contracts.OutcomeAllow
	}

	rules := trimmed(decision.MatchedRules)
	reasons := trimmed(decision.Reasons)
	fallbackReason := defaultTraceReason
	switch {
	case len(reasons) > 0:
		fallbackReason = reasons[0]
	case strings.TrimSpace(decision.Trace.Rationale) != "":
		fallbackReason = decision.Trace.Rationale
	}
	if len(rules) == 0 {
		rules = []string{defaultRuleID}
	}

	hits := make([]contracts.PolicyRuleHitV1, 0, len(rules))
	for i, rule := range rules {
		reason := fallbackReason
		if i < len(reasons) {
			reason = reasons[i]
		}
		hits = append(hits, contracts.PolicyRuleHitV1{
			RuleID: rule,
			Effect: outcome,
			Reason: reason,
			Metadata: map[string]any{
				"subject":          decision.Trace.Subject,
				"resource":         decision.Trace.Resource,
				"action":           decision.Trace.Action,
				"requiresApproval": decision.RequiresApproval,
			},
		})
	}

	requestID := decision.Trace.DecisionID
	if requestID == "" {
		requestID = decision.DecisionID
	}
	return contracts.PolicyDecisionTraceV1{
		Version:     contracts.PolicyDecisionTraceVersion,
		DecisionID:  decision.DecisionID,
		RequestID:   requestID,
		Outcome:     outcome,
		EvaluatedAt: contracts.FormatTimestamp(evaluatedAt),
		RuleHits:    hits,
		Notes:       decision.Trace.Rationale,
	}
}

// NewEnvelope pairs a decision with its trace.
func NewEnvelope(decision policy.Decision, trace contracts.PolicyDecisionTraceV1) Envelope {
	return Envelope{
		DecisionID:       decision.DecisionID,
		Effect:           decision.Effect,
		Reasons:          decision.Reasons,
		MatchedRules:     decision.MatchedRules,
		RequiresApproval: decision.RequiresApproval,
		Trace:            trace,
	}
}

// DefaultPolicyContext is the context used for a tool without caller context.
func DefaultPolicyContext(toolName string) policy.Context {
	return policy.Context{
		Subject:  defaultAdapterSubject,
		Resource: "tool:" + toolName,
		Action:   "invoke",
		Metadata: map[string]any{"tool": toolName},
	}
}

func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
