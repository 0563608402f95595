package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolgate server",
		Long: `Start the toolgate server.

The server will:
1. Load configuration from the specified file (or toolgate.yaml)
2. Build the policy evaluator from declarative rules and Rego modules
3. Register the built-in tools with the runtime
4. Start the HTTP API, the run event stream and the metrics endpoint
5. Reload the policy when the config file changes (unless --watch=false)

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  toolgate serve

  # Start with custom config and debug logging
  toolgate serve --config /etc/toolgate/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload the policy when the config file changes")
	return cmd
}

// =============================================================================
// Policy Commands
// =============================================================================

func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect tool policy decisions",
	}
	cmd.AddCommand(buildPolicyEvalCmd())
	return cmd
}

func buildPolicyEvalCmd() *cobra.Command {
	var (
		configPath string
		opts       policyEvalOptions
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate the configured policy for one tool call",
		Example: `  toolgate policy eval --tool exec --subject alice --channel public
  toolgate policy eval --tool read --fail-on-deny`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyEval(cmd, configPath, opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().StringVar(&opts.Tool, "tool", "", "Tool name")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "Subject making the call")
	cmd.Flags().StringVar(&opts.Action, "action", "", "Action (default: invoke)")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "Channel metadata")
	cmd.Flags().StringVar(&opts.Environment, "environment", "", "Environment")
	cmd.Flags().BoolVar(&opts.FailOnDeny, "fail-on-deny", false, "Exit non-zero when the decision is deny")
	_ = cmd.MarkFlagRequired("tool") //nolint:errcheck
	return cmd
}

// =============================================================================
// Contracts Commands
// =============================================================================

func buildContractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Work with toolgate wire contracts",
	}
	cmd.AddCommand(buildContractsValidateCmd())
	return cmd
}

func buildContractsValidateCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate JSON payloads against their contract",
		Long: `Validate JSON payloads against their contract.

The contract is taken from each payload's "version" field unless --type is
given. Use - to read from stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContractsValidate(cmd, args, version)
		},
	}
	cmd.Flags().StringVar(&version, "type", "", "Contract version, e.g. run.request.v2")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and describe configuration files",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Client Commands
// =============================================================================

func buildRunsCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs on a running server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "toolgate server base URL")

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(cmd, newAPIClient(serverURL), status, limit)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only show runs with this status")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")

	var events bool
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and optionally its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsShow(cmd, newAPIClient(serverURL), args[0], events)
		},
	}
	show.Flags().BoolVar(&events, "events", false, "Include the run's events")

	cmd.AddCommand(list, show)
	return cmd
}

func buildToolsCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and invoke tools on a running server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "toolgate server base URL")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, newAPIClient(serverURL))
		},
	}

	var opts invokeOptions
	invoke := &cobra.Command{
		Use:   "invoke <tool>",
		Short: "Invoke a tool through the policy gate",
		Example: `  toolgate tools invoke echo --input '{"hello":"world"}'
  toolgate tools invoke flaky --input '{"failures":2}' --max-attempts 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsInvoke(cmd, newAPIClient(serverURL), args[0], opts)
		},
	}
	invoke.Flags().StringVar(&opts.Input, "input", "", "JSON input")
	invoke.Flags().StringVar(&opts.RunID, "run", "", "Run id to attach the tool events to")
	invoke.Flags().StringVar(&opts.Subject, "subject", "", "Policy subject")
	invoke.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Per-attempt timeout")
	invoke.Flags().IntVar(&opts.MaxAttempts, "max-attempts", 0, "Attempt budget")

	cmd.AddCommand(list, invoke)
	return cmd
}

// =============================================================================
// Demo Command
// =============================================================================

func buildDemoCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted run through the runtime and print its events",
		Long: `Run a scripted run in process: an allowed call, a call that recovers
through retry, a timeout, a policy denial and an approval pause. Every run
event is printed as it is published.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw run events as JSON lines")
	return cmd
}
