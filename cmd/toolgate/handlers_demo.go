package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/backoff"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/internal/toolruntime"
	"github.com/haasonsaas/toolgate/internal/tools"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

const demoRunID = "demo-run"

// demoPolicy allows the built-in tools and denies shell execution.
var demoPolicy = &policy.RuleSet{
	Default: policy.EffectDeny,
	Rules: []policy.Rule{
		{ID: "allow-builtins", Effect: policy.EffectAllow, Tools: []string{"echo", "sleep", "flaky"}, Reason: "Built-in tools are allowed."},
		{ID: "deny-shell", Effect: policy.EffectDeny, Tools: []string{"exec"}, Reason: "Shell access is disabled in the demo."},
	},
}

// runDemo scripts one run through the runtime and prints its events.
func runDemo(cmd *cobra.Command, asJSON bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	bus := runs.NewBus(runs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	printer := newEventPrinter(out)
	var mu sync.Mutex
	bus.OnRunEvent(func(event contracts.RunEventV1) {
		mu.Lock()
		defer mu.Unlock()
		if asJSON {
			data, err := json.Marshal(event)
			if err == nil {
				fmt.Fprintln(out, string(data))
			}
			return
		}
		printer.print(event)
	})

	rt := toolruntime.New(toolruntime.Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Bus:       bus,
		Evaluator: demoPolicy.Evaluator(),
	})
	if err := tools.Register(rt.Registry(), tools.Config{}); err != nil {
		return err
	}
	shell := toolruntime.Tool{
		Name: "exec",
		Handler: func(ctx context.Context, input any, meta toolruntime.InvokeMeta) (any, error) {
			return nil, errors.New("unreachable: denied by policy")
		},
	}
	if err := rt.Registry().Register(shell); err != nil {
		return err
	}

	call := func(name string, input any, opts toolruntime.InvocationOptions) {
		_, err := rt.Call(ctx, toolruntime.Call{
			RunID:   demoRunID,
			Name:    name,
			CallID:  name + "-call",
			Input:   input,
			Options: opts,
		})
		if err != nil && !asJSON {
			mu.Lock()
			printer.note(fmt.Sprintf("%s returned: %v", name, err))
			mu.Unlock()
		}
	}

	bus.MarkRunStarted(demoRunID, runs.TransitionOptions{Metadata: map[string]any{"source": "demo"}})
	call("echo", map[string]any{"message": "hello from toolgate"}, toolruntime.InvocationOptions{})
	call("flaky", map[string]any{"failures": 2}, toolruntime.InvocationOptions{
		Retry: &backoff.RetryOptions{MaxAttempts: 3, Delay: 10 * time.Millisecond, BackoffMultiplier: 2},
	})
	call("sleep", map[string]any{"ms": 200}, toolruntime.InvocationOptions{Timeout: toolruntime.Timeout(20 * time.Millisecond)})
	call("exec", map[string]any{"command": "rm -rf /"}, toolruntime.InvocationOptions{})
	bus.TransitionRun(demoRunID, runs.StatusWaitingApproval, runs.TransitionOptions{})
	bus.TransitionRun(demoRunID, runs.StatusRunning, runs.TransitionOptions{})
	bus.MarkRunCompleted(demoRunID, runs.TransitionOptions{})
	return nil
}

// eventPrinter renders run events as colored one-line summaries.
type eventPrinter struct {
	out io.Writer

	green  *color.Color
	red    *color.Color
	yellow *color.Color
	cyan   *color.Color
	gray   *color.Color
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{
		out:    out,
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed, color.Bold),
		yellow: color.New(color.FgYellow),
		cyan:   color.New(color.FgCyan),
		gray:   color.New(color.FgHiBlack),
	}
}

func (p *eventPrinter) print(event contracts.RunEventV1) {
	label := p.colorFor(event).Sprintf("%-15s", event.Type)
	line := fmt.Sprintf("%s %s %s", p.gray.Sprint(event.EventID), label, event.Message)
	if event.Tool != nil {
		line += " " + p.cyan.Sprint(event.Tool.Name)
	}
	if event.Type == contracts.EventRunProgress {
		line += fmt.Sprintf(" (%v -> %v)", event.Data["from"], event.Data["to"])
	}
	if event.Error != nil {
		line += " " + p.red.Sprintf("[%s] %s", event.Error.Code, event.Error.Message)
	}
	fmt.Fprintln(p.out, line)
}

func (p *eventPrinter) note(text string) {
	fmt.Fprintln(p.out, p.gray.Sprint("  - "+text))
}

func (p *eventPrinter) colorFor(event contracts.RunEventV1) *color.Color {
	switch event.Type {
	case contracts.EventRunCompleted:
		return p.green
	case contracts.EventRunFailed, contracts.EventPolicyBlocked:
		return p.red
	case contracts.EventToolCompleted:
		if event.Error != nil {
			return p.red
		}
		return p.green
	case contracts.EventToolStarted, contracts.EventRunStarted:
		return p.yellow
	default:
		return p.cyan
	}
}
