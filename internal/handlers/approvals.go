package handlers

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
	"github.com/yungbote/agentflow/internal/services"
)

// ApprovalsHandler serves the human-in-the-loop resume surface. Routes are
// unauthenticated so an approval link can be opened from an email or chat
// message; the execution id acts as the capability. All lookups run with an
// elevated scope since there is no API key on the request.
type ApprovalsHandler struct {
	log        *logger.Logger
	executions services.ExecutionService
	events     services.EventService
	dispatcher services.DispatchService
}

func NewApprovalsHandler(baseLog *logger.Logger, executions services.ExecutionService, events services.EventService, dispatcher services.DispatchService) *ApprovalsHandler {
	return &ApprovalsHandler{
		log:        baseLog.With("handler", "ApprovalsHandler"),
		executions: executions,
		events:     events,
		dispatcher: dispatcher,
	}
}

// GET /api/v1/approvals/:execution_id/:step_key
func (h *ApprovalsHandler) Get(c *gin.Context) {
	ctx := scope.Admin(c.Request.Context())
	executionID, err := uuid.Parse(c.Param("execution_id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid execution id"))
		return
	}
	stepKey := c.Param("step_key")

	exec, err := h.executions.Get(ctx, executionID)
	if err != nil {
		RespondError(c, err)
		return
	}

	// Surface the suspend payload the worker published when it parked.
	var request datatypes.JSON
	topic := types.ExecutionTopic(exec.WorkflowID, exec.ID)
	suspendType := types.SuspendEventType(stepKey)
	events, err := h.events.GetEvents(ctx, services.EventQuery{Topic: topic, Limit: 500})
	if err == nil {
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].EventType != nil && *events[i].EventType == suspendType {
				request = events[i].Data
				break
			}
		}
	}

	RespondOK(c, gin.H{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"step_key":     stepKey,
		"status":       exec.Status,
		"pending":      exec.Status == types.ExecutionWaiting,
		"request":      request,
	})
}

// POST /api/v1/approvals/:execution_id/:step_key
func (h *ApprovalsHandler) Decide(c *gin.Context) {
	ctx := scope.Admin(c.Request.Context())
	executionID, err := uuid.Parse(c.Param("execution_id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid execution id"))
		return
	}
	stepKey := c.Param("step_key")

	var body struct {
		Approved *bool          `json:"approved"`
		Data     datatypes.JSON `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	if body.Approved == nil {
		RespondError(c, apierr.BadRequest("approved is required"))
		return
	}

	exec, err := h.executions.Get(ctx, executionID)
	if err != nil {
		RespondError(c, err)
		return
	}
	if exec.Status != types.ExecutionWaiting {
		RespondError(c, apierr.Conflict("execution is %s, not awaiting approval", exec.Status))
		return
	}

	payload, err := json.Marshal(map[string]any{
		"approved": *body.Approved,
		"data":     json.RawMessage(orEmptyObject(body.Data)),
	})
	if err != nil {
		RespondError(c, apierr.Internal(err))
		return
	}

	resumeType := types.ResumeEventType(stepKey)
	_, resumed, err := h.events.Publish(ctx, services.PublishEventParams{
		ProjectID: exec.ProjectID,
		Topic:     types.ExecutionTopic(exec.WorkflowID, exec.ID),
		Events: []services.EventInput{
			{EventType: &resumeType, Data: datatypes.JSON(payload)},
		},
		Durable:           true,
		SourceExecutionID: &exec.ID,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	if len(resumed) == 0 {
		// The wait was already cleared by a racing decision or expiry.
		RespondError(c, apierr.Conflict("approval for step %q is no longer pending", stepKey))
		return
	}
	h.dispatcher.Nudge(ctx)
	RespondOK(c, gin.H{"status": "resumed", "approved": *body.Approved})
}

func orEmptyObject(data datatypes.JSON) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}
