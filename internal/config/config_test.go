package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return writeNamed(t, t.TempDir(), "toolgate.yaml", content)
}

func writeNamed(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1
tools:
  execution:
    timeout: 30s
    max_attempts: 3
    retry_delay: 100ms
    backoff_multiplier: 2
audit:
  enabled: true
  path: audit.jsonl
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Observability.Metrics.Listen != ":9090" || cfg.Observability.Metrics.Path != "/metrics" {
		t.Errorf("metrics = %+v", cfg.Observability.Metrics)
	}
	if cfg.EventStream.Path != "/v1/runs/events" || cfg.EventStream.BufferSize != 64 {
		t.Errorf("event stream = %+v", cfg.EventStream)
	}
	if cfg.Server.Listen != ":8080" || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.History.MaxFinishedRuns != 1000 {
		t.Errorf("history = %+v", cfg.History)
	}
	if want := filepath.Join(filepath.Dir(path), "audit.jsonl"); cfg.Audit.Path != want {
		t.Errorf("audit path = %q, want %q", cfg.Audit.Path, want)
	}

	opts := cfg.Tools.Execution.InvocationOptions()
	if opts.Timeout == nil || *opts.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", opts.Timeout)
	}
	if opts.Retry == nil || opts.Retry.MaxAttempts != 3 || opts.Retry.Delay != 100*time.Millisecond || opts.Retry.BackoffMultiplier != 2 {
		t.Errorf("retry = %+v", opts.Retry)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
version: 1
tools:
  execution:
    timeout: 1s
    retries: 3
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "retries") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadRequiresVersion(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")
	_, err := Load(path)
	if !IsValidationError(err) || !strings.Contains(err.Error(), "version is missing") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	t.Setenv("TOOLGATE_TEST_LEVEL", "debug")
	dir := t.TempDir()
	writeNamed(t, dir, "base.json5", `{
  // shared defaults
  version: 1,
  logging: { level: "warn", format: "text" },
  tools: { execution: { timeout: "5s" } },
}`)
	path := writeNamed(t, dir, "toolgate.yaml", `
$include: base.json5
logging:
  level: ${TOOLGATE_TEST_LEVEL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want the including file to win", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("format = %q, want merged from include", cfg.Logging.Format)
	}
	if cfg.Tools.Execution.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Tools.Execution.Timeout)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "a.yaml", "include: b.yaml\nversion: 1\n")
	path := writeNamed(t, dir, "b.yaml", "include: a.yaml\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeNamed(t, t.TempDir(), "toolgate.toml", `
version = 1

[tools.policy]
default = "deny"

[[tools.policy.rules]]
id = "allow-read"
effect = "allow"
tools = ["read"]

[[tools.policy.rules]]
id = "deny-exec"
effect = "deny"
tools = ["exec"]
reason = "no shell"

[event_stream]
enabled = true
allowed_origins = ["https://console.example.com"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Tools.Policy.Rules) != 2 || cfg.Tools.Policy.Rules[1].Reason != "no shell" {
		t.Fatalf("rules = %+v", cfg.Tools.Policy.Rules)
	}
	if !cfg.EventStream.Enabled || len(cfg.EventStream.AllowedOrigins) != 1 {
		t.Errorf("event stream = %+v", cfg.EventStream)
	}

	evaluate, err := cfg.Tools.Policy.Evaluator(context.Background(), nil)
	if err != nil {
		t.Fatalf("Evaluator() error = %v", err)
	}
	if got := evaluate(policy.Context{Resource: "tool:read"}); got.Effect != policy.EffectAllow {
		t.Errorf("read = %+v", got)
	}
	if got := evaluate(policy.Context{Resource: "tool:exec"}); got.Effect != policy.EffectDeny {
		t.Errorf("exec = %+v", got)
	}
	if got := evaluate(policy.Context{Resource: "tool:write"}); got.Effect != policy.EffectDeny {
		t.Errorf("write = %+v, want default deny", got)
	}
}

func TestValidateCollectsIssues(t *testing.T) {
	cfg := &Config{
		Version: 1,
		Logging: LoggingConfig{Level: "loud", Format: "xml"},
		Tools: ToolsConfig{
			Policy: PolicyConfig{
				Rules: []policy.Rule{{ID: "x", Effect: "maybe"}},
				Rego:  RegoConfig{Module: "package a", ModuleFile: "a.rego"},
			},
			Execution: ExecutionConfig{Timeout: -time.Second, MaxAttempts: -1},
		},
		EventStream: EventStreamConfig{Path: "events"},
		History:     HistoryConfig{MaxFinishedRuns: -1},
	}
	err := cfg.Validate()
	if !IsValidationError(err) {
		t.Fatalf("Validate() = %v", err)
	}
	for _, want := range []string{
		"logging.level", "logging.format", "tools.policy:", "mutually exclusive",
		"tools.execution.timeout", "maxAttempts", "event_stream.path",
		"history.max_finished_runs",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestPolicyEvaluatorCombinesRulesAndRego(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "policy.rego", `
package toolgate.policy

default decision = "allow"

decision = "require_approval" {
	input.tool == "write"
}
`)
	path := writeNamed(t, dir, "toolgate.yaml", `
version: 1
tools:
  policy:
    rules:
      - id: deny-exec
        effect: deny
        tools: [exec]
      - id: allow-all
        effect: allow
        tools: ["*"]
    rego:
      module_file: policy.rego
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	evaluate, err := cfg.Tools.Policy.Evaluator(context.Background(), nil)
	if err != nil {
		t.Fatalf("Evaluator() error = %v", err)
	}

	if got := evaluate(policy.Context{Resource: "tool:exec"}); got.Effect != policy.EffectDeny {
		t.Errorf("exec = %+v", got)
	}
	got := evaluate(policy.Context{Resource: "tool:write"})
	if got.Effect != policy.EffectAllow || !got.RequiresApproval {
		t.Errorf("write = %+v, want allow with approval", got)
	}
}

func TestPolicyEvaluatorEmpty(t *testing.T) {
	evaluate, err := PolicyConfig{}.Evaluator(context.Background(), nil)
	if err != nil || evaluate != nil {
		t.Fatalf("Evaluator() = %v, %v; want nil, nil", evaluate != nil, err)
	}
}

func TestExecutionInvocationOptionsWithoutRetry(t *testing.T) {
	opts := ExecutionConfig{Timeout: time.Second}.InvocationOptions()
	if opts.Retry != nil {
		t.Errorf("Retry = %+v, want nil", opts.Retry)
	}
	if opts := (ExecutionConfig{}).InvocationOptions(); opts.Timeout != nil {
		t.Errorf("unset timeout = %v, want nil", *opts.Timeout)
	}
}

func TestTraceConfig(t *testing.T) {
	tracing := TracingConfig{Endpoint: "collector:4317", ServiceName: "toolgate", SamplingRate: 0.5}
	if got := tracing.TraceConfig("1.0.0"); got.Endpoint != "" {
		t.Errorf("disabled tracing exported to %q", got.Endpoint)
	}
	tracing.Enabled = true
	got := tracing.TraceConfig("1.0.0")
	if got.Endpoint != "collector:4317" || got.ServiceVersion != "1.0.0" || got.SamplingRate != 0.5 {
		t.Errorf("TraceConfig() = %+v", got)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	schema := string(data)
	for _, want := range []string{`"event_stream"`, `"max_attempts"`, `"require_approval"`, "Go duration"} {
		if !strings.Contains(schema, want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeNamed(t, dir, "toolgate.yaml", "version: 1\nlogging:\n  level: info\n")

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	changes := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { changes <- cfg }, WatchOptions{
		Debounce: 20 * time.Millisecond,
		Metrics:  metrics,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	writeNamed(t, dir, "toolgate.yaml", "version: 1\nlogging:\n  level: bogus\n")
	writeNamed(t, dir, "other.yaml", "ignored: true\n")
	time.Sleep(200 * time.Millisecond)
	select {
	case cfg := <-changes:
		t.Fatalf("invalid config delivered: %+v", cfg.Logging)
	default:
	}
	if got := testutil.ToFloat64(metrics.ConfigReloads.WithLabelValues("error")); got < 1 {
		t.Errorf("error reloads = %v", got)
	}

	writeNamed(t, dir, "toolgate.yaml", "version: 1\nlogging:\n  level: debug\n")
	select {
	case cfg := <-changes:
		if cfg.Logging.Level != "debug" {
			t.Errorf("reloaded level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after a valid write")
	}
}
