package toolruntime

import (
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/toolgate/internal/policy"
)

var (
	// ErrInvalidTimeout is returned for a negative timeout.
	ErrInvalidTimeout = errors.New("timeoutMs must be a finite number >= 0")
	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("tool timed out")
	// ErrDenied matches every DeniedError.
	ErrDenied = errors.New("tool invocation denied")
	// ErrToolNotFound matches every NotFoundError.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrInvalidTool is returned when registering a tool without a name or handler.
	ErrInvalidTool = errors.New("invalid tool definition")
	// ErrMissingInvoke is returned when Params has no Invoke function.
	ErrMissingInvoke = errors.New("invoke function is required")
)

const defaultDeniedMessage = "Tool invocation denied by policy."

// InvocationError wraps any failure that happened after the policy decision
// was made. The cause is available through errors.Unwrap.
type InvocationError struct {
	Metadata Metadata
	Err      error
}

func (e *InvocationError) Error() string {
	return e.Err.Error()
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// DeniedError reports a policy denial.
type DeniedError struct {
	Decision policy.Decision
}

func (e *DeniedError) Error() string {
	if len(e.Decision.Reasons) > 0 {
		return e.Decision.Reasons[0]
	}
	return defaultDeniedMessage
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// TimeoutError reports an attempt that did not finish in time.
type TimeoutError struct {
	ToolName string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool '%s' timed out after %dms", e.ToolName, e.Timeout.Milliseconds())
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// NotFoundError reports a call to an unregistered tool.
type NotFoundError struct {
	ToolName string
}

func (e *NotFoundError) Error() string {
	return "tool not found: " + e.ToolName
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrToolNotFound
}

// PanicError is returned when a tool panics.
type PanicError struct {
	ToolName string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool '%s' panicked: %v", e.ToolName, e.Value)
}

// ExtractPolicyMetadata returns the policy metadata carried by err, if any.
func ExtractPolicyMetadata(err error) (*Metadata, bool) {
	var invocationErr *InvocationError
	if !errors.As(err, &invocationErr) {
		return nil, false
	}
	meta := invocationErr.Metadata
	return &meta, true
}
