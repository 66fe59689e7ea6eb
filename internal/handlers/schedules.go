package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/services"
)

type SchedulesHandler struct {
	log       *logger.Logger
	schedules services.ScheduleService
}

func NewSchedulesHandler(baseLog *logger.Logger, schedules services.ScheduleService) *SchedulesHandler {
	return &SchedulesHandler{
		log:       baseLog.With("handler", "SchedulesHandler"),
		schedules: schedules,
	}
}

// POST /api/v1/schedules
func (h *SchedulesHandler) Upsert(c *gin.Context) {
	var body struct {
		WorkflowID     string         `json:"workflow_id"`
		Key            string         `json:"key"`
		DeploymentID   *uuid.UUID     `json:"deployment_id"`
		CronExpression string         `json:"cron_expression"`
		Timezone       string         `json:"timezone"`
		QueueName      string         `json:"queue_name"`
		Payload        datatypes.JSON `json:"payload"`
		Enabled        *bool          `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	schedule, err := h.schedules.Upsert(c.Request.Context(), services.UpsertScheduleParams{
		WorkflowID:     body.WorkflowID,
		Key:            body.Key,
		DeploymentID:   body.DeploymentID,
		CronExpression: body.CronExpression,
		Timezone:       body.Timezone,
		QueueName:      body.QueueName,
		Payload:        body.Payload,
		Enabled:        body.Enabled,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"schedule": schedule})
}

// GET /api/v1/schedules
func (h *SchedulesHandler) List(c *gin.Context) {
	schedules, err := h.schedules.List(c.Request.Context(), c.Query("workflow_id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"schedules": schedules})
}

// DELETE /api/v1/schedules/:id
func (h *SchedulesHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid schedule id"))
		return
	}
	if err := h.schedules.Delete(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "deleted"})
}
