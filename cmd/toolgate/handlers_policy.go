package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/toolruntime"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

type policyEvalOptions struct {
	Tool        string
	Subject     string
	Action      string
	Channel     string
	Environment string
	FailOnDeny  bool
}

type policyEvalResult struct {
	Context             policy.Context                  `json:"context"`
	Decision            policy.Decision                 `json:"decision"`
	PolicyDecisionTrace contracts.PolicyDecisionTraceV1 `json:"policyDecisionTrace"`
}

// runPolicyEval evaluates the configured policy exactly as the runtime would
// for a call to opts.Tool and prints the decision.
func runPolicyEval(cmd *cobra.Command, configPath string, opts policyEvalOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	evaluator, err := cfg.Tools.Policy.Evaluator(cmd.Context(), nil)
	if err != nil {
		return fmt.Errorf("failed to build policy: %w", err)
	}

	pctx := toolruntime.DefaultPolicyContext(strings.TrimSpace(opts.Tool))
	pctx.Subject = opts.Subject
	pctx.Environment = opts.Environment
	if opts.Action != "" {
		pctx.Action = opts.Action
	}
	if opts.Channel != "" {
		pctx.Metadata["channel"] = opts.Channel
	}

	decision := policy.Evaluate(policy.EvaluateParams{
		Context: pctx,
		Evaluate: func(c policy.Context) *policy.Evaluation {
			if evaluator != nil {
				if evaluation := evaluator(c); evaluation != nil {
					return evaluation
				}
			}
			return policy.Allow(toolruntime.DefaultAllowReason)
		},
	})

	result := policyEvalResult{
		Context:             pctx,
		Decision:            decision,
		PolicyDecisionTrace: toolruntime.BuildDecisionTrace(decision, time.Now()),
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}
	if opts.FailOnDeny && !decision.Allowed() {
		return fmt.Errorf("policy denied %s: %s", pctx.Resource, strings.Join(decision.Reasons, "; "))
	}
	return nil
}
