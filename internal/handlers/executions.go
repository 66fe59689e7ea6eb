package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/data/repos"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/push"
	"github.com/yungbote/agentflow/internal/services"
)

type ExecutionsHandler struct {
	log        *logger.Logger
	executions services.ExecutionService
	dispatcher services.DispatchService
	pusher     push.Client
}

func NewExecutionsHandler(baseLog *logger.Logger, executions services.ExecutionService, dispatcher services.DispatchService, pusher push.Client) *ExecutionsHandler {
	return &ExecutionsHandler{
		log:        baseLog.With("handler", "ExecutionsHandler"),
		executions: executions,
		dispatcher: dispatcher,
		pusher:     pusher,
	}
}

type runRequest struct {
	Payload            datatypes.JSON `json:"payload"`
	InitialState       datatypes.JSON `json:"initial_state"`
	QueueName          string         `json:"queue_name"`
	ConcurrencyLimit   *int           `json:"concurrency_limit"`
	ConcurrencyKey     *string        `json:"concurrency_key"`
	DeploymentID       *uuid.UUID     `json:"deployment_id"`
	ParentExecutionID  *uuid.UUID     `json:"parent_execution_id"`
	StepKey            *string        `json:"step_key"`
	WaitForSubworkflow bool           `json:"wait_for_subworkflow"`
	SessionID          *uuid.UUID     `json:"session_id"`
	UserID             string         `json:"user_id"`
	RunTimeoutSeconds  *int           `json:"run_timeout_seconds"`
}

func (r *runRequest) toParams(workflowID string) services.SubmitParams {
	return services.SubmitParams{
		WorkflowID:         workflowID,
		DeploymentID:       r.DeploymentID,
		Payload:            r.Payload,
		InitialState:       r.InitialState,
		QueueName:          r.QueueName,
		ConcurrencyLimit:   r.ConcurrencyLimit,
		ConcurrencyKey:     r.ConcurrencyKey,
		ParentExecutionID:  r.ParentExecutionID,
		StepKey:            r.StepKey,
		WaitForSubworkflow: r.WaitForSubworkflow,
		SessionID:          r.SessionID,
		UserID:             r.UserID,
		RunTimeoutSeconds:  r.RunTimeoutSeconds,
	}
}

// POST /api/v1/workflows/:workflow_id/run
func (h *ExecutionsHandler) Run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	exec, err := h.executions.Submit(c.Request.Context(), req.toParams(c.Param("workflow_id")))
	if err != nil {
		RespondError(c, err)
		return
	}
	h.dispatcher.Nudge(c.Request.Context())
	RespondCreated(c, gin.H{"execution": exec})
}

type batchRunRequest struct {
	Workflows []struct {
		WorkflowID string `json:"workflow_id"`
		runRequest
	} `json:"workflows"`
}

// POST /api/v1/workflows/batch_run
func (h *ExecutionsHandler) BatchRun(c *gin.Context) {
	var req batchRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	items := make([]services.SubmitParams, 0, len(req.Workflows))
	for _, w := range req.Workflows {
		items = append(items, w.toParams(w.WorkflowID))
	}
	execs, err := h.executions.SubmitBatch(c.Request.Context(), items)
	if err != nil {
		RespondError(c, err)
		return
	}
	h.dispatcher.Nudge(c.Request.Context())
	RespondCreated(c, gin.H{"executions": execs})
}

// GET /api/v1/executions/:id
func (h *ExecutionsHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid execution id"))
		return
	}
	exec, err := h.executions.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"execution": exec})
}

// GET /api/v1/executions
func (h *ExecutionsHandler) List(c *gin.Context) {
	filter := repos.ExecutionFilter{
		Status:     c.Query("status"),
		WorkflowID: c.Query("workflow_id"),
		QueueName:  c.Query("queue_name"),
		UserID:     c.Query("user_id"),
		RootsOnly:  c.Query("roots_only") == "true",
	}
	if raw := c.Query("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(c, apierr.BadRequest("invalid session_id"))
			return
		}
		filter.SessionID = &id
	}
	if raw := c.Query("batch_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(c, apierr.BadRequest("invalid batch_id"))
			return
		}
		filter.BatchID = &id
	}
	filter.Limit = intQuery(c, "limit", 50)
	filter.Offset = intQuery(c, "offset", 0)

	execs, total, err := h.executions.List(c.Request.Context(), filter)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"executions": execs, "total": total})
}

// GET /api/v1/executions/:id/children
func (h *ExecutionsHandler) Children(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid execution id"))
		return
	}
	children, err := h.executions.ListChildren(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"executions": children})
}

// GET /api/v1/executions/:id/steps
func (h *ExecutionsHandler) Steps(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid execution id"))
		return
	}
	outputs, err := h.executions.GetAllStepOutputs(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"step_outputs": outputs})
}

// POST /api/v1/executions/:id/cancel
func (h *ExecutionsHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid execution id"))
		return
	}
	var body struct {
		CancelledBy string `json:"cancelled_by"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.CancelledBy == "" {
		body.CancelledBy = "api"
	}

	result, err := h.executions.Cancel(c.Request.Context(), id, body.CancelledBy)
	if err != nil {
		RespondError(c, err)
		return
	}

	// Fan the cancel pushes out off the request path; the pending-cancel
	// reconciler retries whatever this misses.
	go h.fanOutCancels(result.Targets)

	RespondOK(c, gin.H{"execution": result.Execution})
}

func (h *ExecutionsHandler) fanOutCancels(targets []services.CancelTarget) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	for _, target := range targets {
		if _, err := h.pusher.Cancel(ctx, target.Worker, target.ExecutionID); err != nil {
			h.log.Warn("cancel push failed", "execution_id", target.ExecutionID, "error", err)
		}
	}
}
