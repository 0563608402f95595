package contracts

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

const (
	// DefaultToolName replaces a blank tool name.
	DefaultToolName = "tool"
	// DefaultToolCallID replaces a blank tool call id.
	DefaultToolCallID = "tool-call"
)

// NormalizeToolName trims name and falls back to DefaultToolName.
func NormalizeToolName(name string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return DefaultToolName
}

// ToolInvocationParams are the inputs to NewToolInvocation.
type ToolInvocationParams struct {
	Name   string
	CallID string
	// Input becomes Args when it encodes to a JSON object.
	Input any
	// Timeout, when a positive whole number of milliseconds, wins over a
	// timeoutMs field found in Input.
	Timeout time.Duration
}

// NewToolInvocation builds the invocation record for a tool call. timeoutMs and
// dryRun are picked up from Input when present and well-formed.
func NewToolInvocation(p ToolInvocationParams) ToolInvocationV1 {
	inv := ToolInvocationV1{
		Version: ToolInvocationVersion,
		ID:      DefaultToolCallID,
		Name:    NormalizeToolName(p.Name),
	}
	if id := strings.TrimSpace(p.CallID); id != "" {
		inv.ID = id
	}

	args, _ := asRecord(toValue(p.Input))
	if args != nil {
		inv.Args = args
	}

	if p.Timeout > 0 && p.Timeout%time.Millisecond == 0 {
		inv.TimeoutMs = p.Timeout.Milliseconds()
	} else if ms, ok := positiveMillis(args["timeoutMs"]); ok {
		inv.TimeoutMs = ms
	}
	if dryRun, ok := args["dryRun"].(bool); ok {
		inv.DryRun = &dryRun
	}
	return inv
}

func positiveMillis(value any) (int64, bool) {
	if !isPositiveInteger(value) {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float32:
		return int64(v), true
	case float64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}
