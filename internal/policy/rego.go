package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultRegoQuery is the rule queried when no query is configured.
const DefaultRegoQuery = "data.toolgate.policy.decision"

// DefaultRegoModule allows everything except shell execution from public channels.
const DefaultRegoModule = `
package toolgate.policy

default decision = "allow"

decision = "block" {
	input.tool == "exec"
	input.metadata.channel == "public"
}
`

// RegoConfig configures a RegoEvaluator.
type RegoConfig struct {
	Module  string
	Query   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// RegoEvaluator evaluates requests against an Open Policy Agent module.
//
// The query may produce either a decision string ("allow", "deny", "block",
// "require_approval") or an object with effect/decision, reasons, rules and
// requires_approval keys. Evaluation failures deny.
type RegoEvaluator struct {
	query   rego.PreparedEvalQuery
	name    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegoEvaluator compiles the module once.
func NewRegoEvaluator(ctx context.Context, cfg RegoConfig) (*RegoEvaluator, error) {
	query := strings.TrimSpace(cfg.Query)
	if query == "" {
		query = DefaultRegoQuery
	}
	module := cfg.Module
	if strings.TrimSpace(module) == "" {
		module = DefaultRegoModule
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("toolgate_policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RegoEvaluator{query: prepared, name: query, timeout: timeout, logger: logger}, nil
}

// Evaluator adapts the rego evaluator to the Evaluator signature.
func (r *RegoEvaluator) Evaluator() Evaluator {
	return r.Evaluate
}

// Evaluate runs the prepared query with the policy context as input.
func (r *RegoEvaluator) Evaluate(pctx Context) *Evaluation {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	input := map[string]any{
		"subject":     pctx.Subject,
		"resource":    pctx.Resource,
		"action":      pctx.Action,
		"environment": pctx.Environment,
		"metadata":    pctx.Metadata,
		"tool":        toolFromContext(pctx),
	}
	if pctx.Metadata == nil {
		input["metadata"] = map[string]any{}
	}

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		r.logger.Warn("rego evaluation failed", "query", r.name, "error", err)
		return Deny("Policy evaluation failed: " + err.Error()).WithRules(r.name)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Deny("Policy query produced no decision.").WithRules(r.name)
	}
	return r.interpret(results[0].Expressions[0].Value)
}

func (r *RegoEvaluator) interpret(value any) *Evaluation {
	switch v := value.(type) {
	case string:
		return decisionEvaluation(v).WithRules(r.name)
	case map[string]any:
		name, _ := v["effect"].(string)
		if name == "" {
			name, _ = v["decision"].(string)
		}
		eval := decisionEvaluation(name)
		if reason, ok := v["reason"].(string); ok {
			eval.Reasons = append(eval.Reasons, reason)
		}
		eval.Reasons = append(eval.Reasons, stringSlice(v["reasons"])...)
		if rules := stringSlice(v["rules"]); len(rules) > 0 {
			eval.WithRules(rules...)
		} else {
			eval.WithRules(r.name)
		}
		if approval, ok := v["requires_approval"].(bool); ok && approval {
			eval.RequiresApproval = true
		}
		return eval
	default:
		return Deny(fmt.Sprintf("Policy query returned unsupported %T.", value)).WithRules(r.name)
	}
}

func decisionEvaluation(decision string) *Evaluation {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "allow":
		return Allow()
	case "require_approval":
		return Allow().WithApproval(true)
	case "deny", "block":
		return Deny()
	default:
		return Deny(fmt.Sprintf("Unknown policy decision %q.", decision))
	}
}

func stringSlice(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
