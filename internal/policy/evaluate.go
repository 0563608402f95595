package policy

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EvaluateParams are the inputs to Evaluate.
type EvaluateParams struct {
	Context    Context
	Evaluate   Evaluator
	DecisionID string
}

// TraceInput are the inputs to BuildTrace.
type TraceInput struct {
	DecisionID       string
	Context          Context
	Effect           Effect
	MatchedRules     []string
	RequiresApproval bool
	Rationale        string
}

// Evaluate runs the evaluator against the context and canonicalizes its answer.
//
// The decision id is taken from the evaluation, then from params, and is
// generated otherwise. A nil evaluator, a nil evaluation, or an unknown effect
// yields a denial.
func Evaluate(params EvaluateParams) Decision {
	var evaluation *Evaluation
	if params.Evaluate != nil {
		evaluation = params.Evaluate(params.Context)
	}
	if evaluation == nil {
		evaluation = Deny(MissingEvaluationReason)
	}

	effect := evaluation.Effect
	if effect != EffectAllow {
		effect = EffectDeny
	}

	explicit := normalizeList(evaluation.Reasons)
	reasons := explicit
	if len(reasons) == 0 {
		reasons = []string{defaultReason(effect)}
	}
	matched := normalizeList(evaluation.MatchedRules)

	decisionID := firstNonBlank(evaluation.DecisionID, params.DecisionID)
	if decisionID == "" {
		decisionID = NewDecisionID()
	}

	return Decision{
		DecisionID:       decisionID,
		Effect:           effect,
		Reasons:          reasons,
		MatchedRules:     matched,
		RequiresApproval: evaluation.RequiresApproval,
		Trace: BuildTrace(TraceInput{
			DecisionID:       decisionID,
			Context:          params.Context,
			Effect:           effect,
			MatchedRules:     matched,
			RequiresApproval: evaluation.RequiresApproval,
			Rationale:        strings.Join(explicit, " | "),
		}),
	}
}

// BuildTrace flattens a decision into its audit snapshot. Blank context fields
// become sentinels and a blank rationale is derived from the matched rules.
func BuildTrace(in TraceInput) Trace {
	matched := normalizeList(in.MatchedRules)
	return Trace{
		DecisionID:       in.DecisionID,
		Subject:          fallback(in.Context.Subject, UnknownSubject),
		Resource:         fallback(in.Context.Resource, UnknownResource),
		Action:           fallback(in.Context.Action, UnknownAction),
		Effect:           in.Effect,
		MatchedRules:     matched,
		RequiresApproval: in.RequiresApproval,
		Rationale:        rationale(in.Rationale, matched),
	}
}

// NewDecisionID returns a random UUID, or a time-based id if the system
// random source is unavailable. Decision ids are unique within a process
// but are not capability tokens.
func NewDecisionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fallbackDecisionID(time.Now())
}

func fallbackDecisionID(now time.Time) string {
	suffix := strconv.FormatInt(now.UnixNano()&0xffffffffff, 36)
	if n, err := rand.Int(rand.Reader, big.NewInt(1<<40)); err == nil {
		suffix = strconv.FormatInt(n.Int64(), 36)
	}
	return "policy-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + suffix
}

func defaultReason(effect Effect) string {
	if effect == EffectAllow {
		return DefaultAllowReason
	}
	return DefaultDenyReason
}

func rationale(explicit string, matched []string) string {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed
	}
	if len(matched) > 0 {
		return "Matched rules: " + strings.Join(matched, ", ")
	}
	return DefaultRationale
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func fallback(value, def string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return def
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
