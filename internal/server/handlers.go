package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/backoff"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/internal/toolruntime"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

const maxBodyBytes = 1 << 20

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type invokeRequest struct {
	RunID      string          `json:"runId"`
	ToolCallID string          `json:"toolCallId"`
	Input      json.RawMessage `json:"input"`
	TimeoutMs  *int64          `json:"timeoutMs"`
	Retry      *retryRequest   `json:"retry"`
	Policy     *policyRequest  `json:"policy"`
}

type retryRequest struct {
	MaxAttempts       int     `json:"maxAttempts"`
	DelayMs           int64   `json:"delayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

// policyRequest refines the default tool policy context. Metadata is merged
// over the defaults, so the tool key cannot be dropped by omission.
type policyRequest struct {
	Subject     string         `json:"subject"`
	Action      string         `json:"action"`
	Environment string         `json:"environment"`
	Metadata    map[string]any `json:"metadata"`
}

type errorResponse struct {
	Error               string                           `json:"error"`
	Code                string                           `json:"code"`
	Decision            *policy.Decision                 `json:"decision,omitempty"`
	Tool                *contracts.ToolInvocationV1      `json:"tool,omitempty"`
	PolicyDecisionTrace *contracts.PolicyDecisionTraceV1 `json:"policyDecisionTrace,omitempty"`
}

type transitionRequest struct {
	Status        runs.Status    `json:"status"`
	FailureReason string         `json:"failureReason"`
	Metadata      map[string]any `json:"metadata"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	registry := s.cfg.Runtime.Registry()
	names := registry.List()
	out := make([]toolInfo, 0, len(names))
	for _, name := range names {
		if tool, ok := registry.Get(name); ok {
			out = append(out, toolInfo{Name: tool.Name, Description: tool.Description})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req invokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.TimeoutMs != nil && *req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", toolruntime.ErrInvalidTimeout.Error())
		return
	}

	call := toolruntime.Call{
		RunID:  strings.TrimSpace(req.RunID),
		Name:   name,
		CallID: req.ToolCallID,
	}
	if req.TimeoutMs != nil {
		call.Options.Timeout = toolruntime.Timeout(time.Duration(*req.TimeoutMs) * time.Millisecond)
	}
	if len(req.Input) > 0 && string(req.Input) != "null" {
		call.Input = req.Input
	}
	if req.Retry != nil {
		call.Options.Retry = &backoff.RetryOptions{
			MaxAttempts:       req.Retry.MaxAttempts,
			Delay:             time.Duration(req.Retry.DelayMs) * time.Millisecond,
			BackoffMultiplier: req.Retry.BackoffMultiplier,
		}
	}
	if req.Policy != nil {
		pctx := toolruntime.DefaultPolicyContext(name)
		if req.Policy.Subject != "" {
			pctx.Subject = req.Policy.Subject
		}
		if req.Policy.Action != "" {
			pctx.Action = req.Policy.Action
		}
		pctx.Environment = req.Policy.Environment
		maps.Copy(pctx.Metadata, req.Policy.Metadata)
		pctx.Metadata["tool"] = name
		call.Policy.Context = &pctx
	}

	// Timed-out tools keep running after the response is written.
	res, err := s.cfg.Runtime.Call(context.WithoutCancel(r.Context()), call)
	if err != nil {
		status, code := invokeErrorStatus(err)
		body := errorResponse{Error: err.Error(), Code: code}
		if meta, ok := toolruntime.ExtractPolicyMetadata(err); ok {
			body.Decision = &meta.Decision
			body.Tool = &meta.Tool
			body.PolicyDecisionTrace = &meta.PolicyDecisionTrace
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func invokeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, toolruntime.ErrToolNotFound):
		return http.StatusNotFound, "TOOL_NOT_FOUND"
	case errors.Is(err, toolruntime.ErrDenied):
		return http.StatusForbidden, "POLICY_DENIED"
	case errors.Is(err, toolruntime.ErrTimeout):
		return http.StatusGatewayTimeout, "TOOL_TIMEOUT"
	case errors.Is(err, toolruntime.ErrInvalidTimeout), errors.Is(err, backoff.ErrInvalidRetryOptions):
		return http.StatusBadRequest, "INVALID_OPTIONS"
	default:
		return http.StatusBadGateway, "TOOL_FAILED"
	}
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req, err := contracts.DecodeRunRequestV2(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_RUN_REQUEST", err.Error())
		return
	}
	orchestrator, created, err := s.cfg.Bus.CreateRun(req.RunID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_RUN_REQUEST", err.Error())
		return
	}
	if !created {
		writeError(w, http.StatusConflict, "RUN_EXISTS", "run "+req.RunID+" already exists")
		return
	}
	state := orchestrator.State()
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveState(r.Context(), state); err != nil {
			s.logger.Warn("failed to store queued run", "run_id", state.RunID, "error", err)
		}
	}
	s.logger.Info("run queued", "run_id", state.RunID, "actor", req.Actor.ID)
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, "NO_RUN_STORE", "run history is not enabled")
		return
	}
	query := r.URL.Query()
	status := runs.Status(strings.ToUpper(strings.TrimSpace(query.Get("status"))))
	if status != "" && !isStatus(status) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+string(status))
		return
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.cfg.Store.ListRuns(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if state, ok := s.cfg.Bus.State(runID); ok {
		writeJSON(w, http.StatusOK, state)
		return
	}
	if s.cfg.Store != nil {
		record, err := s.cfg.Store.GetRun(r.Context(), runID)
		if err == nil {
			writeJSON(w, http.StatusOK, record.State)
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
	}
	writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", "run "+runID+" not found")
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, "NO_RUN_STORE", "run history is not enabled")
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "after must be a non-negative integer")
			return
		}
		after = parsed
	}
	events, err := s.cfg.Store.Events(r.Context(), r.PathValue("runId"), after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.Status = runs.Status(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	if !isStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+string(req.Status))
		return
	}
	if _, ok := s.cfg.Bus.State(runID); !ok {
		writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", "run "+runID+" not found")
		return
	}

	orchestrator, err := s.cfg.Bus.Orchestrator(runID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	state, err := orchestrator.Transition(req.Status, runs.TransitionOptions{
		FailureReason: req.FailureReason,
		Metadata:      req.Metadata,
	})
	if err != nil {
		if errors.Is(err, runs.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func isStatus(status runs.Status) bool {
	return slices.Contains(runs.Statuses, status)
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}
