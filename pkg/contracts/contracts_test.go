package contracts

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func validTrace() map[string]any {
	return map[string]any{
		"version":     PolicyDecisionTraceVersion,
		"decisionId":  "d-1",
		"requestId":   "d-1",
		"outcome":     "allow",
		"evaluatedAt": "2026-01-02T03:04:05.000Z",
		"ruleHits": []any{
			map[string]any{"ruleId": "policy.default", "effect": "allow", "reason": "ok"},
		},
	}
}

func TestValidateToolInvocationV1(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []string
	}{
		{
			name:  "valid map",
			value: map[string]any{"version": ToolInvocationVersion, "id": "t1", "name": "read", "timeoutMs": float64(100)},
		},
		{
			name:  "valid struct",
			value: ToolInvocationV1{Version: ToolInvocationVersion, ID: "t1", Name: "read", Args: map[string]any{"path": "/tmp"}},
		},
		{
			name:  "not an object",
			value: []any{},
			want:  []string{"ToolInvocationV1 must be an object."},
		},
		{
			name:  "nil",
			value: nil,
			want:  []string{"ToolInvocationV1 must be an object."},
		},
		{
			name:  "missing everything",
			value: map[string]any{},
			want: []string{
				`version must be "tool.invocation.v1".`,
				"id must be a non-empty string.",
				"name must be a non-empty string.",
			},
		},
		{
			name: "bad optionals",
			value: map[string]any{
				"version": ToolInvocationVersion, "id": "t1", "name": "read",
				"args": "x", "timeoutMs": 1.5, "dryRun": "yes",
			},
			want: []string{
				"args must be an object when provided.",
				"timeoutMs must be a positive integer when provided.",
				"dryRun must be a boolean when provided.",
			},
		},
		{
			name:  "zero timeout",
			value: map[string]any{"version": ToolInvocationVersion, "id": "t1", "name": "read", "timeoutMs": float64(0)},
			want:  []string{"timeoutMs must be a positive integer when provided."},
		},
		{
			name:  "raw json",
			value: []byte(`{"version":"tool.invocation.v1","id":"t1","name":"read","dryRun":true}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateToolInvocationV1(tt.value)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ValidateToolInvocationV1() = %#v, want %#v", got, tt.want)
			}
			if IsToolInvocationV1(tt.value) != (len(tt.want) == 0) {
				t.Errorf("IsToolInvocationV1() disagrees with validator")
			}
		})
	}
}

func TestValidatePolicyDecisionTraceV1(t *testing.T) {
	if errs := ValidatePolicyDecisionTraceV1(validTrace()); len(errs) != 0 {
		t.Fatalf("valid trace rejected: %v", errs)
	}

	trace := validTrace()
	trace["outcome"] = "maybe"
	trace["evaluatedAt"] = "yesterday"
	trace["ruleHits"] = []any{
		map[string]any{"ruleId": "a", "effect": "deny", "reason": "x"},
		map[string]any{"ruleId": "b", "effect": "deny", "reason": ""},
	}
	trace["notes"] = 12.0

	want := []string{
		"outcome must be one of: allow, deny, review.",
		"evaluatedAt must be an ISO-8601 timestamp string.",
		"ruleHits[1] must be a valid PolicyRuleHitV1.",
		"notes must be a string when provided.",
	}
	if got := ValidatePolicyDecisionTraceV1(trace); !reflect.DeepEqual(got, want) {
		t.Errorf("ValidatePolicyDecisionTraceV1() = %#v, want %#v", got, want)
	}
	if IsPolicyDecisionTraceV1(trace) {
		t.Error("IsPolicyDecisionTraceV1() accepted an invalid trace")
	}

	delete(trace, "ruleHits")
	got := ValidatePolicyDecisionTraceV1(trace)
	found := false
	for _, e := range got {
		if e == "ruleHits must be an array." {
			found = true
		}
	}
	if !found {
		t.Errorf("missing ruleHits error in %v", got)
	}
}

func TestTypedTraceRoundTripsThroughValidator(t *testing.T) {
	trace := PolicyDecisionTraceV1{
		Version:     PolicyDecisionTraceVersion,
		DecisionID:  "d-2",
		RequestID:   "d-2",
		Outcome:     OutcomeDeny,
		EvaluatedAt: FormatTimestamp(time.Now()),
		RuleHits: []PolicyRuleHitV1{
			{RuleID: "deny-exec", Effect: OutcomeDeny, Reason: "exec disabled", Metadata: map[string]any{"subject": "u1"}},
		},
	}
	if !IsPolicyDecisionTraceV1(trace) || !IsPolicyDecisionTraceV1(&trace) {
		t.Fatalf("typed trace rejected: %v", ValidatePolicyDecisionTraceV1(trace))
	}

	var nilTrace *PolicyDecisionTraceV1
	if IsPolicyDecisionTraceV1(nilTrace) {
		t.Error("nil pointer accepted")
	}
}

func TestValidateRunRequestV2(t *testing.T) {
	valid := map[string]any{
		"version":   RunRequestVersion,
		"runId":     "run-1",
		"createdAt": "2026-01-02T03:04:05Z",
		"actor":     map[string]any{"id": "u1", "type": "user"},
		"prompt":    "hello",
		"tools": []any{
			map[string]any{"version": ToolInvocationVersion, "id": "t1", "name": "read"},
		},
		"metadata": map[string]any{"channel": "slack"},
	}
	if errs := ValidateRunRequestV2(valid); len(errs) != 0 {
		t.Fatalf("valid request rejected: %v", errs)
	}

	invalid := map[string]any{
		"version":   "run.request.v1",
		"runId":     "",
		"createdAt": "nope",
		"actor":     map[string]any{"id": "u1", "type": "robot"},
		"prompt":    "",
		"tools":     []any{map[string]any{"id": "t1"}},
		"context":   "x",
		"metadata":  map[string]any{"n": 1.0},
	}
	want := []string{
		`version must be "run.request.v2".`,
		"runId must be a non-empty string.",
		"createdAt must be an ISO-8601 timestamp string.",
		"actor must be a valid RunActorV1 object.",
		"prompt must be a non-empty string.",
		"tools[0] must be a valid ToolInvocationV1.",
		"context must be an object when provided.",
		"metadata must be a string-to-string record when provided.",
	}
	if got := ValidateRunRequestV2(invalid); !reflect.DeepEqual(got, want) {
		t.Errorf("ValidateRunRequestV2() = %#v, want %#v", got, want)
	}

	invalid["tools"] = "x"
	if got := ValidateRunRequestV2(invalid); got[5] != "tools must be an array when provided." {
		t.Errorf("tools error = %q", got[5])
	}
}

func TestValidateRunEventV1(t *testing.T) {
	retryable := true
	event := RunEventV1{
		Version:   RunEventVersion,
		EventID:   "run-1:1",
		RunID:     "run-1",
		Type:      EventToolCompleted,
		CreatedAt: FormatTimestamp(time.Now()),
		Tool:      &ToolInvocationV1{Version: ToolInvocationVersion, ID: "t1", Name: "read"},
		Error:     &RunEventErrorV1{Code: "TOOL_ERROR", Message: "boom", Retryable: &retryable},
		Data:      map[string]any{"isError": true},
	}
	if errs := ValidateRunEventV1(event); len(errs) != 0 {
		t.Fatalf("valid event rejected: %v", errs)
	}

	bad := map[string]any{
		"version":    RunEventVersion,
		"eventId":    "run-1:1",
		"runId":      "run-1",
		"type":       "run.paused",
		"createdAt":  "2026-01-02T03:04:05Z",
		"message":    1.0,
		"tool":       map[string]any{"name": "x"},
		"outputText": false,
		"error":      map[string]any{"code": "X"},
		"data":       []any{},
	}
	want := []string{
		"type must be a known RunEventTypeV1 value.",
		"message must be a string when provided.",
		"tool must be a valid ToolInvocationV1 when provided.",
		"outputText must be a string when provided.",
		"error must be a valid RunEventErrorV1 object when provided.",
		"data must be an object when provided.",
	}
	if got := ValidateRunEventV1(bad); !reflect.DeepEqual(got, want) {
		t.Errorf("ValidateRunEventV1() = %#v, want %#v", got, want)
	}
	if got := ValidateRunEventV1("x"); !reflect.DeepEqual(got, []string{"RunEventV1 must be an object."}) {
		t.Errorf("ValidateRunEventV1(string) = %v", got)
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("x", 3600))
	if got := FormatTimestamp(ts); got != "2026-03-04T04:06:07.891Z" {
		t.Errorf("FormatTimestamp() = %q", got)
	}
	if !IsISOTimestamp("2026-03-04") || IsISOTimestamp("") || IsISOTimestamp(12) {
		t.Error("IsISOTimestamp() accepted or rejected the wrong values")
	}
}

func TestValidateJSON(t *testing.T) {
	raw := []byte(`{"version":"run.event.v1","eventId":"r:1","runId":"r","type":"run.started","createdAt":"2026-01-02T03:04:05.000Z"}`)
	version, err := DetectVersion(raw)
	if err != nil || version != RunEventVersion {
		t.Fatalf("DetectVersion() = %q, %v", version, err)
	}
	event, err := DecodeRunEventV1(raw)
	if err != nil {
		t.Fatalf("DecodeRunEventV1() error = %v", err)
	}
	if event.Type != EventRunStarted || event.EventID != "r:1" {
		t.Errorf("decoded event = %+v", event)
	}

	if err := ValidateJSON(RunEventVersion, []byte(`{"version":"run.event.v1"}`)); err == nil {
		t.Error("schema accepted an incomplete event")
	}

	badTime := []byte(`{"version":"run.event.v1","eventId":"r:1","runId":"r","type":"run.started","createdAt":"later"}`)
	err = ValidateJSON(RunEventVersion, badTime)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ValidateJSON() error = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Error(), "createdAt") {
		t.Errorf("ValidationError = %q", verr.Error())
	}

	if _, err := DetectVersion([]byte(`{"version":"nope"}`)); !errors.Is(err, ErrUnknownEnvelope) {
		t.Errorf("DetectVersion() error = %v, want ErrUnknownEnvelope", err)
	}
}

func TestNewToolInvocation(t *testing.T) {
	tests := []struct {
		name    string
		params  ToolInvocationParams
		wantID  string
		wantMs  int64
		dryRun  *bool
		argsSet bool
	}{
		{
			name:   "defaults",
			params: ToolInvocationParams{Name: "  ", CallID: ""},
			wantID: DefaultToolCallID,
		},
		{
			name:    "timeout from args",
			params:  ToolInvocationParams{Name: "read", CallID: " c1 ", Input: map[string]any{"timeoutMs": float64(250), "dryRun": true}},
			wantID:  "c1",
			wantMs:  250,
			dryRun:  ptr(true),
			argsSet: true,
		},
		{
			name:    "int timeout in args",
			params:  ToolInvocationParams{Name: "read", CallID: "c2", Input: map[string]any{"timeoutMs": 40}},
			wantID:  "c2",
			wantMs:  40,
			argsSet: true,
		},
		{
			name:    "explicit timeout wins",
			params:  ToolInvocationParams{Name: "read", CallID: "c3", Input: map[string]any{"timeoutMs": 10}, Timeout: 2 * time.Second},
			wantID:  "c3",
			wantMs:  2000,
			argsSet: true,
		},
		{
			name:    "fractional args timeout ignored",
			params:  ToolInvocationParams{Name: "read", CallID: "c4", Input: map[string]any{"timeoutMs": 1.5}},
			wantID:  "c4",
			argsSet: true,
		},
		{
			name:   "non-object input",
			params: ToolInvocationParams{Name: "read", CallID: "c5", Input: []any{1, 2}},
			wantID: "c5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewToolInvocation(tt.params)
			if inv.Version != ToolInvocationVersion || inv.ID != tt.wantID {
				t.Errorf("invocation = %+v", inv)
			}
			if inv.TimeoutMs != tt.wantMs {
				t.Errorf("TimeoutMs = %d, want %d", inv.TimeoutMs, tt.wantMs)
			}
			if (inv.Args != nil) != tt.argsSet {
				t.Errorf("Args = %v", inv.Args)
			}
			if (inv.DryRun == nil) != (tt.dryRun == nil) || (inv.DryRun != nil && *inv.DryRun != *tt.dryRun) {
				t.Errorf("DryRun = %v", inv.DryRun)
			}
			if !IsToolInvocationV1(inv) {
				t.Errorf("invocation invalid: %v", ValidateToolInvocationV1(inv))
			}
		})
	}
	if got := NewToolInvocation(ToolInvocationParams{}).Name; got != DefaultToolName {
		t.Errorf("Name = %q", got)
	}
}

func TestAsPolicyDecisionTrace(t *testing.T) {
	trace, ok := AsPolicyDecisionTrace(validTrace())
	if !ok || trace.DecisionID == "" || len(trace.RuleHits) == 0 {
		t.Fatalf("AsPolicyDecisionTrace(map) = %+v, %v", trace, ok)
	}
	again, ok := AsPolicyDecisionTrace(&trace)
	if !ok || again.DecisionID != trace.DecisionID {
		t.Errorf("AsPolicyDecisionTrace(*trace) = %+v, %v", again, ok)
	}
	if _, ok := AsPolicyDecisionTrace(map[string]any{"version": PolicyDecisionTraceVersion}); ok {
		t.Error("accepted an incomplete trace")
	}
	var nilTrace *PolicyDecisionTraceV1
	if _, ok := AsPolicyDecisionTrace(nilTrace); ok {
		t.Error("accepted a nil pointer")
	}
	if _, ok := AsRecord(struct {
		A int `json:"a"`
	}{1}); !ok {
		t.Error("AsRecord(struct) rejected")
	}
}

func ptr[T any](v T) *T { return &v }
