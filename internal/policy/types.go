// Package policy evaluates authorization requests into structured allow/deny
// decisions with rationale and an audit-ready decision trace.
//
// Evaluation is synchronous and side-effect free. The only source of
// non-determinism is decision id generation when neither the evaluator nor the
// caller supplies one.
package policy

// Effect is the two-valued outcome of a policy evaluation.
type Effect string

const (
	// EffectAllow permits the request.
	EffectAllow Effect = "allow"
	// EffectDeny rejects the request.
	EffectDeny Effect = "deny"
)

// Sentinel values substituted for blank context fields in a trace.
const (
	UnknownSubject  = "unknown-subject"
	UnknownResource = "unknown-resource"
	UnknownAction   = "unknown-action"
)

// Default reasons and rationale.
const (
	DefaultAllowReason = "Policy allowed request."
	DefaultDenyReason  = "Policy denied request."
	DefaultRationale   = "No rationale provided."

	// MissingEvaluationReason is used when an evaluator produces nothing; the
	// request is denied.
	MissingEvaluationReason = "Policy evaluator returned no evaluation."
)

// Context identifies what is being authorized. All fields are optional.
type Context struct {
	Subject     string         `json:"subject,omitempty" yaml:"subject"`
	Resource    string         `json:"resource,omitempty" yaml:"resource"`
	Action      string         `json:"action,omitempty" yaml:"action"`
	Environment string         `json:"environment,omitempty" yaml:"environment"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// Evaluation is the raw result of an Evaluator before normalization.
type Evaluation struct {
	Effect           Effect
	Reasons          []string
	MatchedRules     []string
	RequiresApproval bool
	DecisionID       string
}

// Evaluator decides a single request. Returning nil is treated as "no opinion"
// by callers that supply a default, and as a denial by Evaluate itself.
type Evaluator func(Context) *Evaluation

// Allow builds an allowing evaluation.
func Allow(reasons ...string) *Evaluation {
	return &Evaluation{Effect: EffectAllow, Reasons: reasons}
}

// Deny builds a denying evaluation.
func Deny(reasons ...string) *Evaluation {
	return &Evaluation{Effect: EffectDeny, Reasons: reasons}
}

// WithRules records the rules that produced the evaluation.
func (e *Evaluation) WithRules(rules ...string) *Evaluation {
	e.MatchedRules = append(e.MatchedRules, rules...)
	return e
}

// WithApproval marks the evaluation as requiring human approval.
func (e *Evaluation) WithApproval(required bool) *Evaluation {
	e.RequiresApproval = required
	return e
}

// WithDecisionID pins the decision id.
func (e *Evaluation) WithDecisionID(id string) *Evaluation {
	e.DecisionID = id
	return e
}

// Trace is a flattened snapshot of a decision suitable for audit logs.
type Trace struct {
	DecisionID       string   `json:"decisionId"`
	Subject          string   `json:"subject"`
	Resource         string   `json:"resource"`
	Action           string   `json:"action"`
	Effect           Effect   `json:"effect"`
	MatchedRules     []string `json:"matchedRules"`
	RequiresApproval bool     `json:"requiresApproval"`
	Rationale        string   `json:"rationale"`
}

// Decision is the canonical result of Evaluate. Reasons is never empty and
// DecisionID is never blank.
type Decision struct {
	DecisionID       string   `json:"decisionId"`
	Effect           Effect   `json:"effect"`
	Reasons          []string `json:"reasons"`
	MatchedRules     []string `json:"matchedRules"`
	RequiresApproval bool     `json:"requiresApproval"`
	Trace            Trace    `json:"trace"`
}

// Allowed reports whether the decision permits the request.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}
