package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/toolgate/internal/backoff"
	"github.com/haasonsaas/toolgate/internal/toolruntime"
)

func newRuntime(t *testing.T, cfg Config) *toolruntime.Runtime {
	t.Helper()
	rt := toolruntime.New(toolruntime.Config{})
	if err := Register(rt.Registry(), cfg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return rt
}

func TestRegister(t *testing.T) {
	if got := newRuntime(t, Config{}).Registry().List(); strings.Join(got, ",") != "echo,sleep,flaky" {
		t.Errorf("tools without workspace = %v", got)
	}
	if got := newRuntime(t, Config{Workspace: t.TempDir()}).Registry().List(); len(got) != 4 || got[3] != "read" {
		t.Errorf("tools with workspace = %v", got)
	}
}

func TestEchoAcceptsRawJSON(t *testing.T) {
	rt := newRuntime(t, Config{})
	res, err := rt.Call(context.Background(), toolruntime.Call{
		Name:  "echo",
		Input: json.RawMessage(`{"hello":"world"}`),
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.Tool.Args["hello"] != "world" {
		t.Errorf("args = %+v", res.Tool.Args)
	}
}

func TestSleepTimesOut(t *testing.T) {
	rt := newRuntime(t, Config{})
	_, err := rt.Call(context.Background(), toolruntime.Call{
		Name:    "sleep",
		Input:   map[string]any{"ms": 500},
		Options: toolruntime.InvocationOptions{Timeout: toolruntime.Timeout(10 * time.Millisecond)},
	})
	if !errors.Is(err, toolruntime.ErrTimeout) {
		t.Fatalf("Call() error = %v, want timeout", err)
	}

	res, err := rt.Call(context.Background(), toolruntime.Call{Name: "sleep", Input: map[string]any{"ms": 1}})
	if err != nil {
		t.Fatalf("short sleep error = %v", err)
	}
	if res.Result.(map[string]any)["slept_ms"] != int64(1) {
		t.Errorf("result = %+v", res.Result)
	}
}

func TestFlakyRecoversWithRetry(t *testing.T) {
	rt := newRuntime(t, Config{})
	input := map[string]any{"failures": 2}

	if _, err := rt.Call(context.Background(), toolruntime.Call{Name: "flaky", Input: input}); !errors.Is(err, ErrTransient) {
		t.Fatalf("single attempt error = %v", err)
	}

	res, err := rt.Call(context.Background(), toolruntime.Call{
		Name:    "flaky",
		Input:   input,
		Options: toolruntime.InvocationOptions{Retry: &backoff.RetryOptions{MaxAttempts: 3}},
	})
	if err != nil {
		t.Fatalf("Call() with retry error = %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d", res.Attempts)
	}
}

func TestReadStaysInWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello toolgate"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := newRuntime(t, Config{Workspace: dir})

	res, err := rt.Call(context.Background(), toolruntime.Call{
		Name:  "read",
		Input: map[string]any{"path": "notes.txt", "offset": 6, "max_bytes": 4},
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	out := res.Result.(map[string]any)
	if out["content"] != "tool" || out["truncated"] != true {
		t.Errorf("result = %+v", out)
	}

	for _, path := range []string{"../secret", "", "missing.txt"} {
		if _, err := rt.Call(context.Background(), toolruntime.Call{Name: "read", Input: map[string]any{"path": path}}); err == nil {
			t.Errorf("read(%q) succeeded", path)
		}
	}
}
