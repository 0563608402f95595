package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

type invokeOptions struct {
	Input       string
	RunID       string
	Subject     string
	Timeout     time.Duration
	MaxAttempts int
}

func runRunsList(cmd *cobra.Command, client *apiClient, status string, limit int) error {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/runs"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var body struct {
		Runs []storage.RunRecord `json:"runs"`
	}
	if err := client.getJSON(cmd.Context(), path, &body); err != nil {
		return err
	}
	if len(body.Runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tEVENTS\tUPDATED\tREASON")
	for _, record := range body.Runs {
		s := record.State
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.RunID, s.Status, record.LastSeq, s.UpdatedAt.Format(time.RFC3339), s.FailureReason)
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, client *apiClient, runID string, withEvents bool) error {
	var state runs.State
	if err := client.getJSON(cmd.Context(), "/v1/runs/"+url.PathEscape(runID), &state); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:     %s\n", state.RunID)
	fmt.Fprintf(out, "Status:  %s\n", state.Status)
	fmt.Fprintf(out, "Created: %s\n", state.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated: %s\n", state.UpdatedAt.Format(time.RFC3339))
	if state.FailureReason != "" {
		fmt.Fprintf(out, "Reason:  %s\n", state.FailureReason)
	}
	if !withEvents {
		return nil
	}

	var body struct {
		Events []contracts.RunEventV1 `json:"events"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/runs/"+url.PathEscape(runID)+"/events", &body); err != nil {
		return err
	}
	fmt.Fprintln(out, "Events:")
	p := newEventPrinter(out)
	for _, event := range body.Events {
		p.print(event)
	}
	return nil
}

func runToolsList(cmd *cobra.Command, client *apiClient) error {
	var body struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"tools"`
	}
	if err := client.getJSON(cmd.Context(), "/v1/tools", &body); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tDESCRIPTION")
	for _, tool := range body.Tools {
		fmt.Fprintf(w, "%s\t%s\n", tool.Name, tool.Description)
	}
	return w.Flush()
}

func runToolsInvoke(cmd *cobra.Command, client *apiClient, name string, opts invokeOptions) error {
	payload := map[string]any{}
	if opts.Input != "" {
		if !json.Valid([]byte(opts.Input)) {
			return fmt.Errorf("--input is not valid JSON")
		}
		payload["input"] = json.RawMessage(opts.Input)
	}
	if opts.RunID != "" {
		payload["runId"] = opts.RunID
	}
	if opts.Subject != "" {
		payload["policy"] = map[string]any{"subject": opts.Subject}
	}
	if opts.Timeout > 0 {
		payload["timeoutMs"] = opts.Timeout.Milliseconds()
	}
	if opts.MaxAttempts > 0 {
		payload["retry"] = map[string]any{"maxAttempts": opts.MaxAttempts}
	}

	var result json.RawMessage
	err := client.postJSON(cmd.Context(), "/v1/tools/"+url.PathEscape(name)+"/invoke", payload, &result)
	var apiErr *apiError
	if errors.As(err, &apiErr) && json.Valid(apiErr.Body) {
		// The error body carries the decision; show it before failing.
		_ = printIndented(cmd, apiErr.Body) //nolint:errcheck
		return fmt.Errorf("invoke %s: %s", name, apiErr.Status)
	}
	if err != nil {
		return err
	}
	return printIndented(cmd, result)
}

func printIndented(cmd *cobra.Command, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
