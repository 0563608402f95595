package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

// Attach logs every event of bus until the returned function is called.
func (l *Logger) Attach(bus *runs.Bus) (detach func()) {
	return bus.OnRunEvent(func(event contracts.RunEventV1) {
		l.Log(context.Background(), l.FromRunEvent(event))
	})
}

// FromRunEvent converts a run event into an audit event. Tool arguments are
// hashed unless IncludeToolInput is set.
func (l *Logger) FromRunEvent(event contracts.RunEventV1) *Event {
	out := &Event{
		RunID:      event.RunID,
		RunEventID: event.EventID,
		Level:      LevelInfo,
		Details:    map[string]any{},
	}
	if id, ok := event.Data["policyDecisionId"].(string); ok {
		out.DecisionID = id
	}
	if event.Tool != nil {
		out.ToolName = event.Tool.Name
		out.ToolCallID = event.Tool.ID
	}
	if event.Error != nil {
		out.Error = event.Error.Message
		out.Details["error_code"] = event.Error.Code
	}

	switch event.Type {
	case contracts.EventToolStarted:
		out.Type = EventToolInvocation
		out.Action = "tool_invoked"
		if event.Tool != nil && event.Tool.Args != nil {
			l.addInput(out.Details, event.Tool.Args)
		}
	case contracts.EventToolCompleted:
		out.Type = EventToolCompletion
		out.Action = "tool_completed"
		out.Details["success"] = event.Error == nil
		if event.Error != nil {
			out.Level = LevelWarn
		}
		if result, ok := event.Data["result"]; ok {
			if data, err := json.Marshal(result); err == nil {
				out.Details["output_size"] = len(data)
			}
		}
	case contracts.EventPolicyBlocked:
		out.Type = EventToolDenied
		out.Action = "tool_denied"
		out.Level = LevelWarn
		out.Details["reason"] = event.Message
	default:
		out.Type = EventRunTransition
		to, _ := event.Data["to"].(string)
		out.Action = "run_" + strings.ToLower(firstNonEmpty(to, strings.TrimPrefix(string(event.Type), "run.")))
		if from, ok := event.Data["from"].(string); ok {
			out.Details["from"] = from
		}
		if to != "" {
			out.Details["to"] = to
		}
		if event.Type == contracts.EventRunFailed {
			out.Level = LevelWarn
		}
	}
	return out
}

func (l *Logger) addInput(details map[string]any, args map[string]any) {
	data, err := json.Marshal(args)
	if err != nil {
		return
	}
	if l.config.IncludeToolInput {
		limit := l.config.MaxFieldSize
		if limit <= 0 {
			limit = 1024
		}
		details["input"] = truncate(string(data), limit)
		return
	}
	details["input_hash"] = hashString(string(data))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
