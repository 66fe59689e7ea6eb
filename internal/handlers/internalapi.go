package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/services"
)

// InternalHandler is the worker-facing callback surface. Every route reads
// the caller's identity from X-Worker-ID so the service layer can reject
// reports from a worker the execution is no longer assigned to.
type InternalHandler struct {
	log        *logger.Logger
	executions services.ExecutionService
	workers    services.WorkerService
	dispatcher services.DispatchService
}

func NewInternalHandler(baseLog *logger.Logger, executions services.ExecutionService, workers services.WorkerService, dispatcher services.DispatchService) *InternalHandler {
	return &InternalHandler{
		log:        baseLog.With("handler", "InternalHandler"),
		executions: executions,
		workers:    workers,
		dispatcher: dispatcher,
	}
}

func workerIdentity(c *gin.Context) (uuid.UUID, error) {
	raw := c.GetHeader("X-Worker-ID")
	if raw == "" {
		return uuid.Nil, apierr.BadRequest("missing X-Worker-ID header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.BadRequest("invalid X-Worker-ID header")
	}
	return id, nil
}

func executionParam(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apierr.BadRequest("invalid execution id")
	}
	return id, nil
}

// POST /internal/executions/:id/start
func (h *InternalHandler) Start(c *gin.Context) {
	executionID, err := executionParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	workerID, err := workerIdentity(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	if err := h.workers.StartExecution(c.Request.Context(), executionID, workerID); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "running"})
}

// POST /internal/executions/:id/complete
func (h *InternalHandler) Complete(c *gin.Context) {
	executionID, err := executionParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	workerID, err := workerIdentity(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	var body struct {
		Result     datatypes.JSON `json:"result"`
		FinalState datatypes.JSON `json:"final_state"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	resume, err := h.executions.Complete(c.Request.Context(), executionID, workerID, body.Result, body.FinalState)
	if err != nil {
		RespondError(c, err)
		return
	}
	if resume != nil {
		h.dispatcher.Nudge(c.Request.Context())
	}
	RespondOK(c, gin.H{"status": "completed"})
}

// POST /internal/executions/:id/fail
func (h *InternalHandler) Fail(c *gin.Context) {
	executionID, err := executionParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	workerID, err := workerIdentity(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	var body struct {
		Error      string         `json:"error"`
		Retryable  *bool          `json:"retryable"`
		MaxRetries int            `json:"max_retries"`
		FinalState datatypes.JSON `json:"final_state"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	retryable := true
	if body.Retryable != nil {
		retryable = *body.Retryable
	}
	outcome, err := h.executions.Fail(c.Request.Context(), executionID, workerID, body.Error, retryable, body.MaxRetries, body.FinalState)
	if err != nil {
		RespondError(c, err)
		return
	}
	if outcome.WillRetry || outcome.ParentResume != nil {
		h.dispatcher.Nudge(c.Request.Context())
	}
	RespondOK(c, gin.H{
		"will_retry":  outcome.WillRetry,
		"retry_count": outcome.RetryCount,
	})
}

// POST /internal/executions/:id/wait
func (h *InternalHandler) Wait(c *gin.Context) {
	executionID, err := executionParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	workerID, err := workerIdentity(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	var body struct {
		StepKey   string     `json:"step_key"`
		WaitType  string     `json:"wait_type"`
		WaitUntil *time.Time `json:"wait_until"`
		WaitTopic *string    `json:"wait_topic"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	err = h.executions.SetWaiting(c.Request.Context(), executionID, workerID, services.WaitParams{
		StepKey:   body.StepKey,
		WaitType:  body.WaitType,
		WaitUntil: body.WaitUntil,
		WaitTopic: body.WaitTopic,
		ExpiresAt: body.ExpiresAt,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "waiting"})
}

// POST /internal/executions/:id/confirm-cancellation
func (h *InternalHandler) ConfirmCancellation(c *gin.Context) {
	executionID, err := executionParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	workerID, err := workerIdentity(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	if err := h.executions.ConfirmCancellation(c.Request.Context(), executionID, workerID); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "cancelled"})
}

// POST /internal/executions/:id/steps
func (h *InternalHandler) StoreStepOutput(c *gin.Context) {
	executionID, err := executionParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	var body struct {
		StepKey           string         `json:"step_key"`
		Outputs           datatypes.JSON `json:"outputs"`
		Error             *string        `json:"error"`
		Success           *bool          `json:"success"`
		SourceExecutionID *uuid.UUID     `json:"source_execution_id"`
		OutputSchemaName  *string        `json:"output_schema_name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	success := true
	if body.Success != nil {
		success = *body.Success
	}
	output, err := h.executions.StoreStepOutput(c.Request.Context(), executionID, services.StepOutputParams{
		StepKey:           body.StepKey,
		Outputs:           body.Outputs,
		Error:             body.Error,
		Success:           success,
		SourceExecutionID: body.SourceExecutionID,
		OutputSchemaName:  body.OutputSchemaName,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, gin.H{"step_output": output})
}

// GET /internal/executions/:id/steps/:step_key
func (h *InternalHandler) GetStepOutput(c *gin.Context) {
	executionID, err := executionParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	output, err := h.executions.GetStepOutput(c.Request.Context(), executionID, c.Param("step_key"))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"step_output": output})
}

// GET /internal/executions/:id/steps
func (h *InternalHandler) ListStepOutputs(c *gin.Context) {
	executionID, err := executionParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	outputs, err := h.executions.GetAllStepOutputs(c.Request.Context(), executionID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"step_outputs": outputs})
}
