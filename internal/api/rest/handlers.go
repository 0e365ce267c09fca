package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	domainErrors "github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/service/exchange"
	"github.com/davidleathers/agent-exchange/internal/service/reputation"
	"github.com/davidleathers/agent-exchange/internal/service/submission"
)

// ExchangeAPI is the slice of the assembled exchange the API serves. The
// concrete implementation lives in internal/service/exchange.
type ExchangeAPI interface {
	Submit(ctx context.Context, text string, opts submission.Options) (*submission.Result, error)
	CancelTask(id uuid.UUID) error
	Status() exchange.Status
	ReconnectAgents() exchange.ReconnectReport
	ReputationSummary() map[string]reputation.Snapshot
	Listener() http.Handler
}

// Handler carries the exchange dependencies for every route.
type Handler struct {
	x        ExchangeAPI
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler builds the route handlers around the exchange.
func NewHandler(x ExchangeAPI, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		x:        x,
		logger:   logger,
		validate: validator.New(),
	}
}

// SubmissionRequest is the POST /api/v1/submissions body.
type SubmissionRequest struct {
	Text           string   `json:"text" validate:"required,min=1,max=4000"`
	ToolID         string   `json:"tool_id,omitempty" validate:"omitempty,max=128"`
	SpaceID        string   `json:"space_id,omitempty" validate:"omitempty,max=128"`
	AgentFilter    []string `json:"agent_filter,omitempty" validate:"omitempty,dive,min=1"`
	ProfileContext string   `json:"profile_context,omitempty"`
	ScreenContext  string   `json:"screen_context,omitempty"`
	SkipFilter     bool     `json:"skip_filter,omitempty"`
	TargetAgentID  string   `json:"target_agent_id,omitempty"`
}

// SubmissionResponse reports how the pipeline disposed of the utterance.
type SubmissionResponse struct {
	Outcome string   `json:"outcome"`
	Spoken  string   `json:"spoken,omitempty"`
	TaskIDs []string `json:"task_ids,omitempty"`
	AgentID string   `json:"agent_id,omitempty"`
}

// StatusResponse is the GET /api/v1/status body.
type StatusResponse struct {
	Status exchange.Status `json:"status"`
}

// ReputationResponse is the GET /api/v1/reputation body.
type ReputationResponse struct {
	Agents map[string]reputation.Snapshot `json:"agents"`
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorBody is the error envelope every non-2xx response carries.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainErrors.NewValidationError("INVALID_JSON", "request body is not valid JSON"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, domainErrors.NewValidationError("INVALID_REQUEST", err.Error()))
		return
	}

	res, err := h.x.Submit(r.Context(), req.Text, submission.Options{
		ToolID:         req.ToolID,
		SpaceID:        req.SpaceID,
		AgentFilter:    req.AgentFilter,
		ProfileContext: req.ProfileContext,
		ScreenContext:  req.ScreenContext,
		SkipFilter:     req.SkipFilter,
		TargetAgentID:  req.TargetAgentID,
		Source:         task.SourceAPI,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, 0, len(res.TaskIDs))
	for _, id := range res.TaskIDs {
		ids = append(ids, id.String())
	}
	status := http.StatusOK
	if res.Outcome == submission.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, SubmissionResponse{
		Outcome: string(res.Outcome),
		Spoken:  res.Spoken,
		TaskIDs: ids,
		AgentID: res.AgentID,
	})
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, domainErrors.NewValidationError("INVALID_TASK_ID", "task id must be a UUID"))
		return
	}
	if err := h.x.CancelTask(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: h.x.Status()})
}

func (h *Handler) handleReconnectAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.x.ReconnectAgents())
}

func (h *Handler) handleReputation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ReputationResponse{Agents: h.x.ReputationSummary()})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := "INTERNAL_ERROR"
	var appErr *domainErrors.AppError
	if e, ok := err.(*domainErrors.AppError); ok {
		appErr = e
		code = e.Code
	}
	status := domainErrors.GetStatusCode(err)
	msg := err.Error()
	if appErr != nil {
		msg = appErr.Message
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}
