// Package contracts defines the versioned wire envelopes exchanged between the
// tool runtime, the policy engine, and run event subscribers, together with the
// validators that guard them.
//
// Every envelope has a paired guard (IsXV1) and validator (ValidateXV1). The
// validator returns human-readable error strings; the guard is defined as "the
// validator reported nothing", so the two can never disagree.
package contracts

// ToolInvocationVersion is the discriminant of ToolInvocationV1.
const ToolInvocationVersion = "tool.invocation.v1"

// ToolInvocationV1 is one request to execute a named tool.
type ToolInvocationV1 struct {
	Version   string         `json:"version"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
	DryRun    *bool          `json:"dryRun,omitempty"`
}

// ValidateToolInvocationV1 returns the problems found in value, or nil when it is
// a valid tool invocation envelope.
func ValidateToolInvocationV1(value any) []string {
	record, ok := asRecord(toValue(value))
	if !ok {
		return []string{"ToolInvocationV1 must be an object."}
	}
	return validateToolInvocationRecord(record)
}

// IsToolInvocationV1 reports whether value is a valid tool invocation envelope.
func IsToolInvocationV1(value any) bool {
	return len(ValidateToolInvocationV1(value)) == 0
}

func validateToolInvocationRecord(record map[string]any) []string {
	var errs []string
	if record["version"] != ToolInvocationVersion {
		errs = append(errs, `version must be "`+ToolInvocationVersion+`".`)
	}
	if !nonEmptyString(record["id"]) {
		errs = append(errs, "id must be a non-empty string.")
	}
	if !nonEmptyString(record["name"]) {
		errs = append(errs, "name must be a non-empty string.")
	}
	if !optional(record, "args", isRecord) {
		errs = append(errs, "args must be an object when provided.")
	}
	if !optional(record, "timeoutMs", isPositiveInteger) {
		errs = append(errs, "timeoutMs must be a positive integer when provided.")
	}
	if !optional(record, "dryRun", isBool) {
		errs = append(errs, "dryRun must be a boolean when provided.")
	}
	return errs
}

func isToolInvocationValue(value any) bool {
	record, ok := asRecord(value)
	return ok && len(validateToolInvocationRecord(record)) == 0
}
