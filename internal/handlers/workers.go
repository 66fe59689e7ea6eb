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

// maxPollWait bounds the /poll long-poll so load balancers don't reap the
// connection first.
const maxPollWait = 30 * time.Second

type WorkersHandler struct {
	log        *logger.Logger
	workers    services.WorkerService
	dispatcher services.DispatchService
}

func NewWorkersHandler(baseLog *logger.Logger, workers services.WorkerService, dispatcher services.DispatchService) *WorkersHandler {
	return &WorkersHandler{
		log:        baseLog.With("handler", "WorkersHandler"),
		workers:    workers,
		dispatcher: dispatcher,
	}
}

func workerParam(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apierr.BadRequest("invalid worker id")
	}
	return id, nil
}

// POST /api/v1/workers/register
func (h *WorkersHandler) Register(c *gin.Context) {
	var body struct {
		WorkerID                *uuid.UUID     `json:"worker_id"`
		DeploymentID            *uuid.UUID     `json:"deployment_id"`
		DeploymentName          string         `json:"deployment_name"`
		Mode                    string         `json:"mode"`
		PushEndpointURL         string         `json:"push_endpoint_url"`
		MaxConcurrentExecutions int            `json:"max_concurrent_executions"`
		Metadata                datatypes.JSON `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	worker, err := h.workers.Register(c.Request.Context(), services.RegisterWorkerParams{
		WorkerID:                body.WorkerID,
		DeploymentID:            body.DeploymentID,
		DeploymentName:          body.DeploymentName,
		Mode:                    body.Mode,
		PushEndpointURL:         body.PushEndpointURL,
		MaxConcurrentExecutions: body.MaxConcurrentExecutions,
		Metadata:                body.Metadata,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, gin.H{"worker": worker})
}

// POST /api/v1/workers/:id/online
func (h *WorkersHandler) Online(c *gin.Context) {
	id, err := workerParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	worker, err := h.workers.Online(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	// Fresh capacity just appeared.
	h.dispatcher.Nudge(c.Request.Context())
	RespondOK(c, gin.H{"worker": worker})
}

// POST /api/v1/workers/:id/heartbeat
func (h *WorkersHandler) Heartbeat(c *gin.Context) {
	id, err := workerParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	var body struct {
		ExecutionCount *int `json:"execution_count"`
	}
	_ = c.ShouldBindJSON(&body)
	result, err := h.workers.Heartbeat(c.Request.Context(), services.HeartbeatParams{
		WorkerID:       id,
		ExecutionCount: body.ExecutionCount,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"re_register": result.ReRegister})
}

// GET /api/v1/workers/:id/poll
func (h *WorkersHandler) Poll(c *gin.Context) {
	id, err := workerParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	maxWait := maxPollWait
	if n := intQuery(c, "max_wait_seconds", 0); n > 0 {
		maxWait = time.Duration(n) * time.Second
		if maxWait > maxPollWait {
			maxWait = maxPollWait
		}
	}
	exec, err := h.workers.Poll(c.Request.Context(), id, maxWait)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"execution": exec})
}

// GET /api/v1/workers
func (h *WorkersHandler) List(c *gin.Context) {
	var deploymentID *uuid.UUID
	if raw := c.Query("deployment_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(c, apierr.BadRequest("invalid deployment_id"))
			return
		}
		deploymentID = &id
	}
	workers, err := h.workers.List(c.Request.Context(), deploymentID, c.Query("status"))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"workers": workers})
}

// GET /api/v1/workers/:id
func (h *WorkersHandler) Get(c *gin.Context) {
	id, err := workerParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	worker, err := h.workers.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"worker": worker})
}

// DELETE /api/v1/workers/:id
func (h *WorkersHandler) Deregister(c *gin.Context) {
	id, err := workerParam(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	if err := h.workers.Deregister(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}
	// Anything the worker held went back to queued.
	h.dispatcher.Nudge(c.Request.Context())
	RespondOK(c, gin.H{"status": "deregistered"})
}
