// Package config loads the toolgate configuration file.
//
// Files may be YAML, JSON5 or TOML (chosen by extension), reference other
// files through $include, and use ${VAR} environment expansion. Unknown keys
// are rejected.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/audit"
	"github.com/haasonsaas/toolgate/internal/backoff"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/toolruntime"
)

// Config is the main configuration structure.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Tools         ToolsConfig         `yaml:"tools"`
	EventStream   EventStreamConfig   `yaml:"event_stream"`
	Audit         AuditConfig         `yaml:"audit"`
	History       HistoryConfig       `yaml:"history"`
}

// ServerConfig configures the HTTP listener serving the API and event stream.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// ObservabilityConfig groups metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// ToolsConfig holds tool policy and execution defaults.
type ToolsConfig struct {
	// Workspace roots the built-in read tool. Empty leaves it unregistered.
	Workspace string          `yaml:"workspace"`
	Policy    PolicyConfig    `yaml:"policy"`
	Execution ExecutionConfig `yaml:"execution"`
}

// PolicyConfig declares the rules gating tool invocations. Rules and a rego
// module may be combined; both must allow.
type PolicyConfig struct {
	Default policy.Effect       `yaml:"default"`
	Rules   []policy.Rule       `yaml:"rules"`
	Groups  map[string][]string `yaml:"groups"`
	Rego    RegoConfig          `yaml:"rego"`
}

// RegoConfig configures an Open Policy Agent module.
type RegoConfig struct {
	// Enabled with no module uses the built-in module.
	Enabled    bool          `yaml:"enabled"`
	Module     string        `yaml:"module"`
	ModuleFile string        `yaml:"module_file"`
	Query      string        `yaml:"query"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ExecutionConfig holds the runtime-wide invocation defaults.
type ExecutionConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// EventStreamConfig configures the websocket run event stream.
type EventStreamConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Path           string   `yaml:"path"`
	BufferSize     int      `yaml:"buffer_size"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuditConfig configures the JSONL audit trail.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is a file, or "stdout"/"stderr".
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
	// IncludeToolInput records tool arguments instead of their hash.
	IncludeToolInput bool `yaml:"include_tool_input"`
}

// HistoryConfig bounds the in-process run history used for replay and run
// queries.
type HistoryConfig struct {
	// MaxFinishedRuns is how many terminal runs are kept. Zero keeps all.
	MaxFinishedRuns int `yaml:"max_finished_runs"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config:\n- " + strings.Join(e.Issues, "\n- ")
}

// Load reads, merges, decodes, defaults and validates the config at path.
// Relative file paths inside the config resolve against its directory.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.History.MaxFinishedRuns == 0 {
		cfg.History.MaxFinishedRuns = 1000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Metrics.Listen == "" {
		cfg.Observability.Metrics.Listen = ":9090"
	}
	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "toolgate"
	}
	if cfg.Tools.Policy.Rego.Query == "" {
		cfg.Tools.Policy.Rego.Query = policy.DefaultRegoQuery
	}
	if cfg.Tools.Policy.Rego.Timeout == 0 {
		cfg.Tools.Policy.Rego.Timeout = 2 * time.Second
	}
	if cfg.EventStream.Path == "" {
		cfg.EventStream.Path = "/v1/runs/events"
	}
	if cfg.EventStream.BufferSize == 0 {
		cfg.EventStream.BufferSize = 64
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "stdout"
	}
}

func (c *Config) resolvePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.Tools.Workspace = resolve(c.Tools.Workspace)
	c.Tools.Policy.Rego.ModuleFile = resolve(c.Tools.Policy.Rego.ModuleFile)
	if c.Audit.Path != "stdout" && c.Audit.Path != "stderr" {
		c.Audit.Path = resolve(c.Audit.Path)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Audit.Level {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("audit.level %q must be debug, info, warn or error", c.Audit.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}
	if c.Observability.Tracing.Enabled && c.Observability.Tracing.Endpoint == "" {
		issues = append(issues, "observability.tracing.endpoint is required when tracing is enabled")
	}
	if p := c.Observability.Metrics.Path; p != "" && !strings.HasPrefix(p, "/") {
		issues = append(issues, "observability.metrics.path must start with /")
	}

	rules := c.Tools.Policy.RuleSet()
	if err := rules.Validate(); err != nil {
		issues = append(issues, "tools.policy: "+err.Error())
	}
	if c.Tools.Policy.Rego.Module != "" && c.Tools.Policy.Rego.ModuleFile != "" {
		issues = append(issues, "tools.policy.rego: module and module_file are mutually exclusive")
	}
	if c.Tools.Policy.Rego.Timeout < 0 {
		issues = append(issues, "tools.policy.rego.timeout must be >= 0")
	}

	if c.Tools.Execution.Timeout < 0 {
		issues = append(issues, "tools.execution.timeout must be >= 0")
	}
	if _, err := c.Tools.Execution.retryOptions().Normalize(); err != nil {
		issues = append(issues, "tools.execution: "+err.Error())
	}

	if c.Server.ShutdownTimeout < 0 {
		issues = append(issues, "server.shutdown_timeout must be >= 0")
	}
	if c.History.MaxFinishedRuns < 0 {
		issues = append(issues, "history.max_finished_runs must be >= 0")
	}
	if c.EventStream.BufferSize < 0 {
		issues = append(issues, "event_stream.buffer_size must be >= 0")
	}
	if p := c.EventStream.Path; p != "" && !strings.HasPrefix(p, "/") {
		issues = append(issues, "event_stream.path must start with /")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// LogConfig converts the logging section for observability.NewLogger.
func (c LoggingConfig) LogConfig(out io.Writer) observability.LogConfig {
	return observability.LogConfig{
		Level:          c.Level,
		Format:         c.Format,
		Output:         out,
		AddSource:      c.AddSource,
		RedactPatterns: c.RedactPatterns,
	}
}

// TraceConfig converts the tracing section. A disabled section yields no
// endpoint, which leaves spans on the global provider.
func (c TracingConfig) TraceConfig(serviceVersion string) observability.TraceConfig {
	cfg := observability.TraceConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: serviceVersion,
		Environment:    c.Environment,
		SamplingRate:   c.SamplingRate,
		Insecure:       c.Insecure,
	}
	if c.Enabled {
		cfg.Endpoint = c.Endpoint
	}
	return cfg
}

// RuleSet returns the declarative rules as a policy rule set.
func (c PolicyConfig) RuleSet() *policy.RuleSet {
	return &policy.RuleSet{Default: c.Default, Rules: c.Rules, Groups: c.Groups}
}

// Active reports whether a Rego evaluator will be built.
func (c RegoConfig) Active() bool {
	return c.Enabled || strings.TrimSpace(c.Module) != "" || c.ModuleFile != ""
}

// Evaluator builds the configured evaluator. It returns nil when the config
// declares no policy, which leaves invocations allowed by default.
func (c PolicyConfig) Evaluator(ctx context.Context, logger *slog.Logger) (policy.Evaluator, error) {
	var evaluators []policy.Evaluator
	if len(c.Rules) > 0 || c.Default != "" {
		rules := c.RuleSet()
		if err := rules.Validate(); err != nil {
			return nil, err
		}
		evaluators = append(evaluators, rules.Evaluator())
	}

	if c.Rego.Active() {
		module := c.Rego.Module
		if c.Rego.ModuleFile != "" {
			data, err := os.ReadFile(c.Rego.ModuleFile)
			if err != nil {
				return nil, fmt.Errorf("read rego module: %w", err)
			}
			module = string(data)
		}
		rego, err := policy.NewRegoEvaluator(ctx, policy.RegoConfig{
			Module:  module,
			Query:   c.Rego.Query,
			Timeout: c.Rego.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		evaluators = append(evaluators, rego.Evaluator())
	}

	switch len(evaluators) {
	case 0:
		return nil, nil
	case 1:
		return evaluators[0], nil
	default:
		return policy.All(evaluators...), nil
	}
}

// InvocationOptions converts the execution section into runtime defaults.
func (c ExecutionConfig) InvocationOptions() toolruntime.InvocationOptions {
	var opts toolruntime.InvocationOptions
	if c.Timeout > 0 {
		opts.Timeout = toolruntime.Timeout(c.Timeout)
	}
	if c.MaxAttempts != 0 || c.RetryDelay != 0 || c.BackoffMultiplier != 0 {
		retry := c.retryOptions()
		opts.Retry = &retry
	}
	return opts
}

func (c ExecutionConfig) retryOptions() backoff.RetryOptions {
	return backoff.RetryOptions{
		MaxAttempts:       c.MaxAttempts,
		Delay:             c.RetryDelay,
		BackoffMultiplier: c.BackoffMultiplier,
	}
}

// AuditLoggerConfig converts the audit section for audit.NewLogger.
func (c AuditConfig) AuditLoggerConfig() audit.Config {
	return audit.Config{
		Enabled:          c.Enabled,
		Level:            audit.Level(c.Level),
		Output:           c.Path,
		IncludeToolInput: c.IncludeToolInput,
	}
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
