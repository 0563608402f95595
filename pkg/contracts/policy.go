package contracts

import "fmt"

// PolicyDecisionTraceVersion is the discriminant of PolicyDecisionTraceV1.
const PolicyDecisionTraceVersion = "policy.decision.trace.v1"

// PolicyOutcome is the three-valued wire outcome of a policy decision.
type PolicyOutcome string

const (
	OutcomeAllow  PolicyOutcome = "allow"
	OutcomeDeny   PolicyOutcome = "deny"
	OutcomeReview PolicyOutcome = "review"
)

// PolicyRuleHitV1 records one rule that contributed to a decision.
type PolicyRuleHitV1 struct {
	RuleID   string         `json:"ruleId"`
	Effect   PolicyOutcome  `json:"effect"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PolicyDecisionTraceV1 is the audit envelope attached to tool results, errors, and events.
type PolicyDecisionTraceV1 struct {
	Version     string            `json:"version"`
	DecisionID  string            `json:"decisionId"`
	RequestID   string            `json:"requestId"`
	Outcome     PolicyOutcome     `json:"outcome"`
	EvaluatedAt string            `json:"evaluatedAt"`
	RuleHits    []PolicyRuleHitV1 `json:"ruleHits"`
	Notes       string            `json:"notes,omitempty"`
}

func isPolicyOutcome(value any) bool {
	return oneOf(value, string(OutcomeAllow), string(OutcomeDeny), string(OutcomeReview))
}

func isPolicyRuleHit(value any) bool {
	record, ok := asRecord(value)
	if !ok {
		return false
	}
	return nonEmptyString(record["ruleId"]) &&
		isPolicyOutcome(record["effect"]) &&
		nonEmptyString(record["reason"]) &&
		optional(record, "metadata", isRecord)
}

// ValidatePolicyDecisionTraceV1 returns the problems found in value.
func ValidatePolicyDecisionTraceV1(value any) []string {
	record, ok := asRecord(toValue(value))
	if !ok {
		return []string{"PolicyDecisionTraceV1 must be an object."}
	}

	var errs []string
	if record["version"] != PolicyDecisionTraceVersion {
		errs = append(errs, `version must be "`+PolicyDecisionTraceVersion+`".`)
	}
	if !nonEmptyString(record["decisionId"]) {
		errs = append(errs, "decisionId must be a non-empty string.")
	}
	if !nonEmptyString(record["requestId"]) {
		errs = append(errs, "requestId must be a non-empty string.")
	}
	if !isPolicyOutcome(record["outcome"]) {
		errs = append(errs, "outcome must be one of: allow, deny, review.")
	}
	if !IsISOTimestamp(record["evaluatedAt"]) {
		errs = append(errs, "evaluatedAt must be an ISO-8601 timestamp string.")
	}
	if hits, ok := record["ruleHits"].([]any); !ok {
		errs = append(errs, "ruleHits must be an array.")
	} else {
		for i, hit := range hits {
			if !isPolicyRuleHit(hit) {
				errs = append(errs, fmt.Sprintf("ruleHits[%d] must be a valid PolicyRuleHitV1.", i))
				break
			}
		}
	}
	if !optional(record, "notes", isString) {
		errs = append(errs, "notes must be a string when provided.")
	}
	return errs
}

// IsPolicyDecisionTraceV1 reports whether value is a valid decision trace envelope.
func IsPolicyDecisionTraceV1(value any) bool {
	return len(ValidatePolicyDecisionTraceV1(value)) == 0
}
