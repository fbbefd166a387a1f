// Package api exposes the engine over HTTP: execution lifecycle
// endpoints, approval actions, public forms, the webhook mount, and
// health/metrics. Error bodies are structured {error, code}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiinpocket/n3n/engine"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/trigger"
	"github.com/aiinpocket/n3n/value"
)

// maxAPIBody caps JSON request bodies.
const maxAPIBody = 1 << 20

// Engine is the coordinator surface the API drives.
type Engine interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (*storage.Execution, error)
	CancelExecution(ctx context.Context, executionID, reason, userID string) (*storage.Execution, error)
	RetryExecution(ctx context.Context, executionID, userID string) (*storage.Execution, error)
	ResumeExecution(ctx context.Context, executionID string, data value.Map, resumedBy string) (*storage.Execution, error)
}

// Approvals is the approval-gate surface the API drives.
type Approvals interface {
	Act(ctx context.Context, approvalID, userID, action, comment string) (*storage.ExecutionApproval, error)
}

// Config tunes the server.
type Config struct {
	// WebhookPrefix is the webhook mount path. Default "/webhook/".
	WebhookPrefix string
	// Registry is the prometheus registry backing /metrics; nil uses
	// the default registerer.
	Registry *prometheus.Registry
	// Health reports component health for /healthz; nil always reports
	// healthy.
	Health func() map[string]string
}

// Server is the HTTP surface.
type Server struct {
	store   storage.Store
	eng     Engine
	appr    Approvals
	forms   *trigger.Forms
	webhook http.Handler
	cfg     Config
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer wires the routes. Any nil collaborator disables its routes.
func NewServer(store storage.Store, eng Engine, appr Approvals, forms *trigger.Forms, webhooks *trigger.WebhookIngress, cfg Config, logger *slog.Logger) *Server {
	if cfg.WebhookPrefix == "" {
		cfg.WebhookPrefix = "/webhook/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		eng:    eng,
		appr:   appr,
		forms:  forms,
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	if webhooks != nil {
		s.webhook = webhooks.Handler(cfg.WebhookPrefix)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/executions", s.startExecution)
	s.mux.HandleFunc("GET /api/executions", s.listExecutions)
	s.mux.HandleFunc("GET /api/executions/{id}", s.getExecution)
	s.mux.HandleFunc("POST /api/executions/{id}/cancel", s.cancelExecution)
	s.mux.HandleFunc("POST /api/executions/{id}/retry", s.retryExecution)
	s.mux.HandleFunc("POST /api/executions/{id}/resume", s.resumeExecution)
	s.mux.HandleFunc("POST /api/approvals/{id}/actions", s.approvalAction)

	if s.forms != nil {
		s.mux.HandleFunc("GET /forms/{token}", s.formDefinition)
		s.mux.HandleFunc("POST /forms/{token}/submit", s.formSubmit)
		s.mux.HandleFunc("POST /forms/execution/{executionId}/submit", s.formSubmitInFlow)
	}
	if s.webhook != nil {
		s.mux.Handle(s.cfg.WebhookPrefix, s.webhook)
	}

	s.mux.HandleFunc("GET /healthz", s.healthz)
	if s.cfg.Registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	} else {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
}

// userID extracts the authenticated caller. Auth runs in front of this
// server; an empty value means a public call.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FlowID  string    `json:"flowId"`
		Version int       `json:"version"`
		Input   value.Map `json:"input"`
		Context value.Map `json:"context"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.FlowID == "" {
		s.error(w, engine.E(engine.CodeInvalidConfig, "flowId is required"))
		return
	}
	exec, err := s.eng.StartExecution(r.Context(), engine.StartRequest{
		FlowID:      body.FlowID,
		Version:     body.Version,
		Input:       body.Input,
		Context:     body.Context,
		TriggeredBy: userID(r),
		TriggerType: storage.TriggerManual,
	})
	if err != nil {
		s.error(w, err)
		return
	}
	s.json(w, http.StatusCreated, executionBody(exec))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		FlowID: q.Get("flowId"),
		Status: storage.ExecutionStatus(q.Get("status")),
		Limit:  50,
	}
	if lim := q.Get("limit"); lim != "" {
		n, err := strconv.Atoi(lim)
		if err != nil || n < 1 || n > 500 {
			s.error(w, engine.E(engine.CodeInvalidConfig, "limit must be between 1 and 500"))
			return
		}
		filter.Limit = n
	}
	execs, err := s.store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.error(w, err)
		return
	}
	out := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionBody(e))
	}
	s.json(w, http.StatusOK, map[string]any{"executions": out, "count": len(out)})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.error(w, engine.E(engine.CodeExecutionNotFound, "execution not found"))
			return
		}
		s.error(w, err)
		return
	}
	body := executionBody(exec)
	if rows, err := s.store.ListNodeExecutions(r.Context(), exec.ID); err == nil {
		nodes := make([]map[string]any, 0, len(rows))
		for _, n := range rows {
			nodes = append(nodes, nodeBody(n))
		}
		body["nodes"] = nodes
	}
	s.json(w, http.StatusOK, body)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	exec, err := s.eng.CancelExecution(r.Context(), r.PathValue("id"), body.Reason, userID(r))
	if err != nil {
		s.error(w, err)
		return
	}
	s.json(w, http.StatusOK, executionBody(exec))
}

func (s *Server) retryExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.eng.RetryExecution(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		s.error(w, err)
		return
	}
	s.json(w, http.StatusCreated, executionBody(exec))
}

func (s *Server) resumeExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data value.Map `json:"data"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	exec, err := s.eng.ResumeExecution(r.Context(), r.PathValue("id"), body.Data, userID(r))
	if err != nil {
		s.error(w, err)
		return
	}
	s.json(w, http.StatusOK, executionBody(exec))
}

func (s *Server) approvalAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action  string `json:"action"`
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	appr, err := s.appr.Act(r.Context(), r.PathValue("id"), userID(r), body.Action, body.Comment)
	if err != nil {
		s.error(w, err)
		return
	}
	s.json(w, http.StatusOK, map[string]any{
		"id":            appr.ID,
		"status":        string(appr.Status),
		"approvedCount": appr.ApprovedCount,
		"rejectedCount": appr.RejectedCount,
	})
}

func (s *Server) formDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.forms.Definition(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.errorWith(w, http.StatusNotFound, engine.CodeFlowNotFound, "form not found")
			return
		}
		s.error(w, err)
		return
	}
	s.json(w, http.StatusOK, def)
}

func (s *Server) formSubmit(w http.ResponseWriter, r *http.Request) {
	var payload value.Map
	if !s.decode(w, r, &payload) {
		return
	}
	exec, err := s.forms.Submit(r.Context(), r.PathValue("token"), payload, submissionMeta(r))
	if err != nil {
		if errors.Is(err, trigger.ErrFormClosed) {
			s.errorWith(w, http.StatusGone, engine.CodeAlreadyResolved, "form is closed")
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			s.errorWith(w, http.StatusNotFound, engine.CodeFlowNotFound, "form not found")
			return
		}
		s.error(w, err)
		return
	}
	s.json(w, http.StatusOK, map[string]any{"success": true, "executionId": exec.ID})
}

func (s *Server) formSubmitInFlow(w http.ResponseWriter, r *http.Request) {
	var payload value.Map
	if !s.decode(w, r, &payload) {
		return
	}
	exec, err := s.forms.SubmitInFlow(r.Context(), r.PathValue("executionId"), payload, submissionMeta(r))
	if err != nil {
		s.error(w, err)
		return
	}
	s.json(w, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": exec.ID,
		"status":      string(exec.Status),
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	if s.cfg.Health != nil {
		components = s.cfg.Health()
	}
	status := "ok"
	code := http.StatusOK
	for _, st := range components {
		if st != "ok" {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	s.json(w, code, map[string]any{
		"status":     status,
		"components": components,
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func submissionMeta(r *http.Request) trigger.SubmissionMeta {
	return trigger.SubmissionMeta{SubmittedBy: userID(r), SubmittedIP: r.RemoteAddr}
}

func executionBody(e *storage.Execution) map[string]any {
	body := map[string]any{
		"id":          e.ID,
		"flowId":      e.FlowID,
		"versionId":   e.FlowVersionID,
		"status":      string(e.Status),
		"triggerType": string(e.TriggerType),
		"startedAt":   e.StartedAt.UTC().Format(time.RFC3339),
		"retryCount":  e.RetryCount,
		"canRetry":    e.CanRetry(),
	}
	if e.CompletedAt != nil {
		body["completedAt"] = e.CompletedAt.UTC().Format(time.RFC3339)
		body["durationMs"] = e.DurationMs
	}
	if e.Status == storage.ExecutionPaused {
		body["waitingNodeId"] = e.WaitingNodeID
		body["pauseReason"] = e.PauseReason
	}
	if e.ErrorKind != "" {
		body["errorKind"] = e.ErrorKind
		body["errorMessage"] = e.ErrorMessage
	}
	if e.RetryOf != "" {
		body["retryOf"] = e.RetryOf
	}
	return body
}

func nodeBody(n *storage.NodeExecution) map[string]any {
	body := map[string]any{
		"nodeId":     n.NodeID,
		"type":       n.ComponentName,
		"status":     string(n.Status),
		"seq":        n.Seq,
		"retryCount": n.RetryCount,
	}
	if n.DurationMs > 0 {
		body["durationMs"] = n.DurationMs
	}
	if n.ErrorKind != "" {
		body["errorKind"] = n.ErrorKind
		body["errorMessage"] = n.ErrorMessage
	}
	if n.Output != nil {
		body["output"] = n.Output
	}
	return body
}

// decode reads a JSON body into dst; an empty body decodes to the zero
// value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody+1))
	if err != nil {
		s.error(w, engine.E(engine.CodeInvalidConfig, "read body"))
		return false
	}
	if len(data) > maxAPIBody {
		s.error(w, engine.E(engine.CodePayloadTooLarge, "payload exceeds 1 MiB"))
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.error(w, engine.E(engine.CodeInvalidConfig, "invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) json(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) error(w http.ResponseWriter, err error) {
	code := engine.CodeOf(err)
	s.errorWith(w, httpStatus(code), code, err.Error())
}

func (s *Server) errorWith(w http.ResponseWriter, status int, code engine.Code, msg string) {
	s.json(w, status, map[string]any{"error": msg, "code": string(code)})
}

// httpStatus maps engine codes onto HTTP statuses.
func httpStatus(code engine.Code) int {
	switch code {
	case engine.CodeInvalidConfig, engine.CodeInvalidDefinition, engine.CodeUnknownNodeType:
		return http.StatusBadRequest
	case engine.CodeFlowNotFound, engine.CodeExecutionNotFound, engine.CodeNoPublishedVersion:
		return http.StatusNotFound
	case engine.CodeNotPaused, engine.CodeAlreadyTerminal, engine.CodeAlreadyActed,
		engine.CodeAlreadyResolved, engine.CodeWaitMismatch, engine.CodeNotRetriable,
		engine.CodeRetryExhausted:
		return http.StatusConflict
	case engine.CodeUnauthorized, engine.CodeSignatureInvalid:
		return http.StatusUnauthorized
	case engine.CodeForbidden:
		return http.StatusForbidden
	case engine.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case engine.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
