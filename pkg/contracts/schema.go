package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownEnvelope is returned when a payload's version is not a known envelope.
var ErrUnknownEnvelope = errors.New("unknown envelope version")

// ValidationError lists the field-level problems found in an envelope.
type ValidationError struct {
	Version  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Version, strings.Join(e.Problems, " "))
}

const toolInvocationSchema = `{
  "type": "object",
  "required": ["version", "id", "name"],
  "properties": {
    "version": {"const": "tool.invocation.v1"},
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "args": {"type": "object"},
    "timeoutMs": {"type": "integer", "exclusiveMinimum": 0},
    "dryRun": {"type": "boolean"}
  }
}`

const policyDecisionTraceSchema = `{
  "type": "object",
  "required": ["version", "decisionId", "requestId", "outcome", "evaluatedAt", "ruleHits"],
  "properties": {
    "version": {"const": "policy.decision.trace.v1"},
    "decisionId": {"type": "string", "minLength": 1},
    "requestId": {"type": "string", "minLength": 1},
    "outcome": {"enum": ["allow", "deny", "review"]},
    "evaluatedAt": {"type": "string"},
    "notes": {"type": "string"},
    "ruleHits": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["ruleId", "effect", "reason"],
        "properties": {
          "ruleId": {"type": "string", "minLength": 1},
          "effect": {"enum": ["allow", "deny", "review"]},
          "reason": {"type": "string", "minLength": 1},
          "metadata": {"type": "object"}
        }
      }
    }
  }
}`

const runRequestSchema = `{
  "type": "object",
  "required": ["version", "runId", "createdAt", "actor", "prompt"],
  "properties": {
    "version": {"const": "run.request.v2"},
    "runId": {"type": "string", "minLength": 1},
    "createdAt": {"type": "string"},
    "prompt": {"type": "string", "minLength": 1},
    "actor": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"enum": ["user", "agent", "system"]},
        "displayName": {"type": "string"}
      }
    },
    "tools": {"type": "array", "items": {"type": "object"}},
    "context": {"type": "object"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

const runEventSchema = `{
  "type": "object",
  "required": ["version", "eventId", "runId", "type", "createdAt"],
  "properties": {
    "version": {"const": "run.event.v1"},
    "eventId": {"type": "string", "minLength": 1},
    "runId": {"type": "string", "minLength": 1},
    "type": {"enum": ["run.started", "run.progress", "run.completed", "run.failed", "tool.started", "tool.completed", "policy.blocked"]},
    "createdAt": {"type": "string"},
    "message": {"type": "string"},
    "tool": {"type": "object"},
    "outputText": {"type": "string"},
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {
        "code": {"type": "string", "minLength": 1},
        "message": {"type": "string", "minLength": 1},
        "retryable": {"type": "boolean"}
      }
    },
    "data": {"type": "object"}
  }
}`

type envelopeSchemas struct {
	once     sync.Once
	initErr  error
	compiled map[string]*jsonschema.Schema
}

var schemas envelopeSchemas

func initSchemas() error {
	schemas.once.Do(func() {
		sources := map[string]string{
			ToolInvocationVersion:      toolInvocationSchema,
			PolicyDecisionTraceVersion: policyDecisionTraceSchema,
			RunRequestVersion:          runRequestSchema,
			RunEventVersion:            runEventSchema,
		}
		schemas.compiled = make(map[string]*jsonschema.Schema, len(sources))
		for version, source := range sources {
			compiled, err := jsonschema.CompileString(version+".json", source)
			if err != nil {
				schemas.initErr = fmt.Errorf("compile %s schema: %w", version, err)
				return
			}
			schemas.compiled[version] = compiled
		}
	})
	return schemas.initErr
}

var fieldValidators = map[string]func(any) []string{
	ToolInvocationVersion:      ValidateToolInvocationV1,
	PolicyDecisionTraceVersion: ValidatePolicyDecisionTraceV1,
	RunRequestVersion:          ValidateRunRequestV2,
	RunEventVersion:            ValidateRunEventV1,
}

// DetectVersion returns the version discriminant carried by raw.
func DetectVersion(raw []byte) (string, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if _, ok := fieldValidators[probe.Version]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvelope, probe.Version)
	}
	return probe.Version, nil
}

// ValidateJSON checks raw against the JSON Schema of the given envelope version
// and then against its field validator.
func ValidateJSON(version string, raw []byte) error {
	if err := initSchemas(); err != nil {
		return err
	}
	schema, ok := schemas.compiled[version]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEnvelope, version)
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode %s: %w", version, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("schema %s: %w", version, err)
	}
	if problems := fieldValidators[version](payload); len(problems) > 0 {
		return &ValidationError{Version: version, Problems: problems}
	}
	return nil
}

func decodeEnvelope[T any](version string, raw []byte) (T, error) {
	var out T
	if err := ValidateJSON(version, raw); err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", version, err)
	}
	return out, nil
}

// DecodeToolInvocationV1 validates and decodes a tool invocation payload.
func DecodeToolInvocationV1(raw []byte) (ToolInvocationV1, error) {
	return decodeEnvelope[ToolInvocationV1](ToolInvocationVersion, raw)
}

// DecodePolicyDecisionTraceV1 validates and decodes a decision trace payload.
func DecodePolicyDecisionTraceV1(raw []byte) (PolicyDecisionTraceV1, error) {
	return decodeEnvelope[PolicyDecisionTraceV1](PolicyDecisionTraceVersion, raw)
}

// DecodeRunRequestV2 validates and decodes a run request payload.
func DecodeRunRequestV2(raw []byte) (RunRequestV2, error) {
	return decodeEnvelope[RunRequestV2](RunRequestVersion, raw)
}

// DecodeRunEventV1 validates and decodes a run event payload.
func DecodeRunEventV1(raw []byte) (RunEventV1, error) {
	return decodeEnvelope[RunEventV1](RunEventVersion, raw)
}
