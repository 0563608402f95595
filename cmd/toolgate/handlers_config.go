package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/config"
)

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.Tools.Policy.Evaluator(cmd.Context(), nil); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid\n", configPath)
	fmt.Fprintf(out, "  policy rules: %d\n", len(cfg.Tools.Policy.Rules))
	fmt.Fprintf(out, "  rego:         %t\n", cfg.Tools.Policy.Rego.Active())
	fmt.Fprintf(out, "  listen:       %s\n", cfg.Server.Listen)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
