// Package tools provides the built-in tools served by toolgate.
//
// They exist to exercise the runtime end to end: echo returns its input,
// sleep honours cancellation, flaky fails a configurable number of attempts,
// and read returns file contents from a workspace directory.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/toolgate/internal/toolruntime"
)

// Config controls the built-in tools.
type Config struct {
	// Workspace roots the read tool. Empty leaves read unregistered.
	Workspace    string
	MaxReadBytes int
}

// ErrTransient is returned by flaky for the attempts it is told to fail.
var ErrTransient = errors.New("transient failure")

// Register adds every built-in tool to reg.
func Register(reg *toolruntime.Registry, cfg Config) error {
	builtins := []toolruntime.Tool{Echo(), Sleep(), Flaky()}
	if cfg.Workspace != "" {
		builtins = append(builtins, Read(cfg))
	}
	for _, tool := range builtins {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its input unchanged.
func Echo() toolruntime.Tool {
	return toolruntime.Tool{
		Name:        "echo",
		Description: "Return the input unchanged.",
		Handler: func(ctx context.Context, input any, meta toolruntime.InvokeMeta) (any, error) {
			return input, nil
		},
	}
}

// Sleep waits for the requested number of milliseconds or until its context
// is done.
func Sleep() toolruntime.Tool {
	return toolruntime.Tool{
		Name:        "sleep",
		Description: "Wait for ms milliseconds.",
		Handler: func(ctx context.Context, input any, meta toolruntime.InvokeMeta) (any, error) {
			var in struct {
				MS int64 `json:"ms"`
			}
			if err := decodeInput(input, &in); err != nil {
				return nil, err
			}
			if in.MS < 0 {
				return nil, fmt.Errorf("ms must be >= 0")
			}
			timer := time.NewTimer(time.Duration(in.MS) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return map[string]any{"slept_ms": in.MS}, nil
			}
		},
	}
}

// Flaky fails the first `failures` attempts of each call with ErrTransient
// and succeeds afterwards.
func Flaky() toolruntime.Tool {
	return toolruntime.Tool{
		Name:        "flaky",
		Description: "Fail the first `failures` attempts, then succeed.",
		Handler: func(ctx context.Context, input any, meta toolruntime.InvokeMeta) (any, error) {
			var in struct {
				Failures int `json:"failures"`
			}
			if err := decodeInput(input, &in); err != nil {
				return nil, err
			}
			if meta.Attempt <= in.Failures {
				return nil, fmt.Errorf("%w on attempt %d", ErrTransient, meta.Attempt)
			}
			return map[string]any{"attempt": meta.Attempt}, nil
		},
	}
}

// decodeInput maps a loosely typed tool input onto out. A nil input leaves
// out untouched.
func decodeInput(input any, out any) error {
	var raw []byte
	switch v := input.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("invalid input: %w", err)
		}
		raw = encoded
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}
