package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/runs"
)

func readLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("invalid audit line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Log(context.Background(), &Event{Type: EventToolInvocation})
	if err := logger.Close(); err != nil {
		t.Errorf("unexpected error closing: %v", err)
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewLogger(Config{Enabled: true, Output: "file:" + path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Log(context.Background(), &Event{Type: EventToolDenied, Level: LevelWarn, Action: "tool_denied"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"audit_type":"tool.denied"`)) {
		t.Errorf("file content = %s", data)
	}

	if _, err := NewLogger(Config{Enabled: true, Output: filepath.Join(t.TempDir(), "missing", "audit.jsonl")}); err == nil {
		t.Error("expected error for unwritable output")
	}
}

func TestLogger_LogLevels(t *testing.T) {
	tests := []struct {
		configLevel Level
		eventLevel  Level
		shouldLog   bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelInfo, true},
		{LevelInfo, LevelWarn, true},
		{LevelWarn, LevelInfo, false},
		{LevelWarn, LevelError, true},
		{LevelError, LevelWarn, false},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(Config{Level: tt.configLevel}, &buf)
		logger.Log(context.Background(), &Event{Type: EventRunTransition, Level: tt.eventLevel, Action: "x"})
		_ = logger.Close()
		if got := buf.Len() > 0; got != tt.shouldLog {
			t.Errorf("config %s event %s: logged = %v, want %v", tt.configLevel, tt.eventLevel, got, tt.shouldLog)
		}
	}
}

func TestLogger_EventTypeFilterAndRunID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Config{EventTypes: []EventType{EventToolDenied}}, &buf)
	ctx := observability.WithRunID(context.Background(), "run-ctx")
	logger.Log(ctx, &Event{Type: EventToolInvocation, Level: LevelInfo, Action: "tool_invoked"})
	logger.Log(ctx, &Event{Type: EventToolDenied, Level: LevelWarn, Action: "tool_denied"})
	_ = logger.Close()

	lines := readLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["run_id"] != "run-ctx" || lines[0]["audit_id"] == "" {
		t.Errorf("line = %v", lines[0])
	}
}

func TestLogger_AttachRecordsRunActivity(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Config{}, &buf)
	bus := runs.NewBus()
	detach := logger.Attach(bus)

	tool := runs.ToolEventInput{
		RunID:            "run-1",
		ToolName:         "exec",
		ToolCallID:       "call-1",
		Args:             map[string]any{"cmd": "rm -rf /"},
		PolicyDecisionID: "dec-1",
	}
	bus.MarkRunStarted("run-1", runs.TransitionOptions{})
	bus.EmitToolStarted(tool)
	bus.EmitToolCompleted(runs.ToolCompletedInput{ToolEventInput: tool, IsError: true, ErrorMessage: "exit 1"})
	bus.EmitPolicyBlocked(tool, "no shell")
	bus.MarkRunFailed("run-1", "gave up", runs.TransitionOptions{})
	detach()
	bus.MarkRunStarted("run-2", runs.TransitionOptions{})
	_ = logger.Close()

	lines := readLines(t, &buf)
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}

	want := []struct{ typ, action, level string }{
		{"run.transition", "run_running", "INFO"},
		{"tool.invocation", "tool_invoked", "INFO"},
		{"tool.completion", "tool_completed", "WARN"},
		{"tool.denied", "tool_denied", "WARN"},
		{"run.transition", "run_failed", "WARN"},
	}
	for i, w := range want {
		line := lines[i]
		if line["audit_type"] != w.typ || line["action"] != w.action || line["level"] != w.level {
			t.Errorf("line %d = %v, want %+v", i, line, w)
		}
		if line["run_id"] != "run-1" {
			t.Errorf("line %d run_id = %v", i, line["run_id"])
		}
	}

	invoked := lines[1]
	if invoked["decision_id"] != "dec-1" || invoked["tool_call_id"] != "call-1" {
		t.Errorf("invocation line = %v", invoked)
	}
	if _, ok := invoked["input"]; ok {
		t.Error("tool input logged verbatim without IncludeToolInput")
	}
	if hash, _ := invoked["input_hash"].(string); len(hash) != 16 {
		t.Errorf("input_hash = %v", invoked["input_hash"])
	}
	if lines[2]["error"] != "exit 1" || lines[2]["success"] != false {
		t.Errorf("completion line = %v", lines[2])
	}
	if lines[3]["reason"] != "no shell" || lines[3]["error_code"] != runs.CodePolicyDenied {
		t.Errorf("denied line = %v", lines[3])
	}
	if lines[4]["from"] != "RUNNING" || lines[4]["error"] != "gave up" {
		t.Errorf("failed line = %v", lines[4])
	}
}

func TestFromRunEventIncludesTruncatedInput(t *testing.T) {
	logger := NewLoggerWithWriter(Config{IncludeToolInput: true, MaxFieldSize: 8}, &bytes.Buffer{})
	defer logger.Close()

	bus := runs.NewBus()
	event := bus.EmitToolStarted(runs.ToolEventInput{RunID: "r", ToolName: "read", Args: map[string]any{"path": "/etc/hosts"}})
	got := logger.FromRunEvent(event)
	if got.Details["input"] != `{"path":...(truncated)` {
		t.Errorf("input = %v", got.Details["input"])
	}
}
