package contracts

import "fmt"

const (
	// RunRequestVersion is the discriminant of RunRequestV2.
	RunRequestVersion = "run.request.v2"
	// RunEventVersion is the discriminant of RunEventV1.
	RunEventVersion = "run.event.v1"
)

// RunActorType identifies who started a run.
type RunActorType string

const (
	ActorUser   RunActorType = "user"
	ActorAgent  RunActorType = "agent"
	ActorSystem RunActorType = "system"
)

// RunEventType enumerates the run lifecycle and tool event kinds.
type RunEventType string

const (
	EventRunStarted    RunEventType = "run.started"
	EventRunProgress   RunEventType = "run.progress"
	EventRunCompleted  RunEventType = "run.completed"
	EventRunFailed     RunEventType = "run.failed"
	EventToolStarted   RunEventType = "tool.started"
	EventToolCompleted RunEventType = "tool.completed"
	EventPolicyBlocked RunEventType = "policy.blocked"
)

// RunEventTypes lists every known event type in declaration order.
var RunEventTypes = []RunEventType{
	EventRunStarted,
	EventRunProgress,
	EventRunCompleted,
	EventRunFailed,
	EventToolStarted,
	EventToolCompleted,
	EventPolicyBlocked,
}

// RunActorV1 describes the principal behind a run request.
type RunActorV1 struct {
	ID          string       `json:"id"`
	Type        RunActorType `json:"type"`
	DisplayName string       `json:"displayName,omitempty"`
}

// RunRequestV2 asks the agent runtime to start a run.
type RunRequestV2 struct {
	Version   string             `json:"version"`
	RunID     string             `json:"runId"`
	CreatedAt string             `json:"createdAt"`
	Actor     RunActorV1         `json:"actor"`
	Prompt    string             `json:"prompt"`
	Tools     []ToolInvocationV1 `json:"tools,omitempty"`
	Context   map[string]any     `json:"context,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// RunEventErrorV1 is the error payload of a failed run or tool event.
type RunEventErrorV1 struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// RunEventV1 is a single, ordered lifecycle event for a run.
type RunEventV1 struct {
	Version    string            `json:"version"`
	EventID    string            `json:"eventId"`
	RunID      string            `json:"runId"`
	Type       RunEventType      `json:"type"`
	CreatedAt  string            `json:"createdAt"`
	Message    string            `json:"message,omitempty"`
	Tool       *ToolInvocationV1 `json:"tool,omitempty"`
	OutputText string            `json:"outputText,omitempty"`
	Error      *RunEventErrorV1  `json:"error,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
}

func isRunActor(value any) bool {
	record, ok := asRecord(value)
	if !ok {
		return false
	}
	return oneOf(record["type"], string(ActorUser), string(ActorAgent), string(ActorSystem)) &&
		nonEmptyString(record["id"]) &&
		optional(record, "displayName", isString)
}

func isRunEventError(value any) bool {
	record, ok := asRecord(value)
	if !ok {
		return false
	}
	return nonEmptyString(record["code"]) &&
		nonEmptyString(record["message"]) &&
		optional(record, "retryable", isBool)
}

func isRunEventType(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	for _, t := range RunEventTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// ValidateRunRequestV2 returns the problems found in value.
func ValidateRunRequestV2(value any) []string {
	record, ok := asRecord(toValue(value))
	if !ok {
		return []string{"RunRequestV2 must be an object."}
	}

	var errs []string
	if record["version"] != RunRequestVersion {
		errs = append(errs, `version must be "`+RunRequestVersion+`".`)
	}
	if !nonEmptyString(record["runId"]) {
		errs = append(errs, "runId must be a non-empty string.")
	}
	if !IsISOTimestamp(record["createdAt"]) {
		errs = append(errs, "createdAt must be an ISO-8601 timestamp string.")
	}
	if !isRunActor(record["actor"]) {
		errs = append(errs, "actor must be a valid RunActorV1 object.")
	}
	if !nonEmptyString(record["prompt"]) {
		errs = append(errs, "prompt must be a non-empty string.")
	}
	if tools, present := record["tools"]; present {
		list, ok := tools.([]any)
		if !ok {
			errs = append(errs, "tools must be an array when provided.")
		} else {
			for i, tool := range list {
				if !isToolInvocationValue(tool) {
					errs = append(errs, fmt.Sprintf("tools[%d] must be a valid ToolInvocationV1.", i))
					break
				}
			}
		}
	}
	if !optional(record, "context", isRecord) {
		errs = append(errs, "context must be an object when provided.")
	}
	if !optional(record, "metadata", isStringRecord) {
		errs = append(errs, "metadata must be a string-to-string record when provided.")
	}
	return errs
}

// IsRunRequestV2 reports whether value is a valid run request envelope.
func IsRunRequestV2(value any) bool {
	return len(ValidateRunRequestV2(value)) == 0
}

// ValidateRunEventV1 returns the problems found in value.
func ValidateRunEventV1(value any) []string {
	record, ok := asRecord(toValue(value))
	if !ok {
		return []string{"RunEventV1 must be an object."}
	}

	var errs []string
	if record["version"] != RunEventVersion {
		errs = append(errs, `version must be "`+RunEventVersion+`".`)
	}
	if !nonEmptyString(record["eventId"]) {
		errs = append(errs, "eventId must be a non-empty string.")
	}
	if !nonEmptyString(record["runId"]) {
		errs = append(errs, "runId must be a non-empty string.")
	}
	if !isRunEventType(record["type"]) {
		errs = append(errs, "type must be a known RunEventTypeV1 value.")
	}
	if !IsISOTimestamp(record["createdAt"]) {
		errs = append(errs, "createdAt must be an ISO-8601 timestamp string.")
	}
	if !optional(record, "message", isString) {
		errs = append(errs, "message must be a string when provided.")
	}
	if !optional(record, "tool", isToolInvocationValue) {
		errs = append(errs, "tool must be a valid ToolInvocationV1 when provided.")
	}
	if !optional(record, "outputText", isString) {
		errs = append(errs, "outputText must be a string when provided.")
	}
	if !optional(record, "error", isRunEventError) {
		errs = append(errs, "error must be a valid RunEventErrorV1 object when provided.")
	}
	if !optional(record, "data", isRecord) {
		errs = append(errs, "data must be an object when provided.")
	}
	return errs
}

// IsRunEventV1 reports whether value is a valid run event envelope.
func IsRunEventV1(value any) bool {
	return len(ValidateRunEventV1(value)) == 0
}
