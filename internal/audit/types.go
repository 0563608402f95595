package audit

import (
	"log/slog"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventToolInvocation EventType = "tool.invocation"
	EventToolCompletion EventType = "tool.completion"
	EventToolDenied     EventType = "tool.denied"
	EventRunTransition  EventType = "run.transition"
)

// Level is the severity of an audit event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format selects the audit line encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`

	// RunID and RunEventID link the record to the run event it came from.
	RunID      string `json:"run_id,omitempty"`
	RunEventID string `json:"run_event_id,omitempty"`

	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	DecisionID string `json:"decision_id,omitempty"`

	Action  string         `json:"action"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (e *Event) attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("audit_id", e.ID),
		slog.String("audit_type", string(e.Type)),
		slog.String("action", e.Action),
		slog.String("timestamp", e.Timestamp.Format(time.RFC3339Nano)),
	}
	optional := []struct{ key, value string }{
		{"run_id", e.RunID},
		{"run_event_id", e.RunEventID},
		{"tool_name", e.ToolName},
		{"tool_call_id", e.ToolCallID},
		{"decision_id", e.DecisionID},
		{"error", e.Error},
	}
	for _, o := range optional {
		if o.value != "" {
			attrs = append(attrs, slog.String(o.key, o.value))
		}
	}
	for k, v := range e.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// Config configures the audit logger.
type Config struct {
	Enabled bool
	Level   Level
	Format  Format

	// Output is "stdout", "stderr", "file:<path>" or a bare file path.
	Output string

	// BufferSize is the async queue length. Defaults to 1000.
	BufferSize int

	// IncludeToolInput logs tool arguments verbatim; otherwise only a hash is
	// recorded.
	IncludeToolInput bool

	// MaxFieldSize truncates verbatim fields. Defaults to 1024.
	MaxFieldSize int

	// EventTypes limits logging to these types when non-empty.
	EventTypes []EventType
}
