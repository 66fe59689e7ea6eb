package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
	"github.com/yungbote/agentflow/internal/services"
)

type EventsHandler struct {
	log        *logger.Logger
	events     services.EventService
	dispatcher services.DispatchService
}

func NewEventsHandler(baseLog *logger.Logger, events services.EventService, dispatcher services.DispatchService) *EventsHandler {
	return &EventsHandler{
		log:        baseLog.With("handler", "EventsHandler"),
		events:     events,
		dispatcher: dispatcher,
	}
}

// POST /api/v1/events/publish
//
// Appends a batch of events to one topic. A bare event_type/data pair is
// accepted as shorthand for a single-event batch.
func (h *EventsHandler) Publish(c *gin.Context) {
	var body struct {
		Topic  string `json:"topic"`
		Events []struct {
			EventType *string        `json:"event_type"`
			Data      datatypes.JSON `json:"data"`
		} `json:"events"`
		EventType         *string        `json:"event_type"`
		Data              datatypes.JSON `json:"data"`
		Durable           bool           `json:"durable"`
		SourceExecutionID *uuid.UUID     `json:"source_execution_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	inputs := make([]services.EventInput, 0, len(body.Events))
	for _, e := range body.Events {
		inputs = append(inputs, services.EventInput{EventType: e.EventType, Data: e.Data})
	}
	if len(inputs) == 0 && (body.EventType != nil || len(body.Data) > 0) {
		inputs = append(inputs, services.EventInput{EventType: body.EventType, Data: body.Data})
	}
	events, resumed, err := h.events.Publish(c.Request.Context(), services.PublishEventParams{
		ProjectID:         scope.ProjectID(c.Request.Context()),
		Topic:             body.Topic,
		Events:            inputs,
		Durable:           body.Durable,
		SourceExecutionID: body.SourceExecutionID,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	if len(resumed) > 0 {
		h.dispatcher.Nudge(c.Request.Context())
	}
	sequenceIDs := make([]int64, 0, len(events))
	for _, event := range events {
		sequenceIDs = append(sequenceIDs, event.SequenceID)
	}
	RespondCreated(c, gin.H{
		"events":             events,
		"sequence_ids":       sequenceIDs,
		"resumed_executions": len(resumed),
	})
}

// GET /api/v1/events
func (h *EventsHandler) List(c *gin.Context) {
	query := services.EventQuery{
		Topic: c.Query("topic"),
		Limit: intQuery(c, "limit", 100),
	}
	if raw := c.Query("since_seq"); raw != "" {
		query.SinceSeq = int64(intQuery(c, "since_seq", 0))
	}
	if raw := c.Query("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(c, apierr.BadRequest("invalid since timestamp"))
			return
		}
		query.SinceTime = &ts
	}
	events, err := h.events.GetEvents(c.Request.Context(), query)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"events": events})
}

// GET /api/v1/events/topics
func (h *EventsHandler) ListTopics(c *gin.Context) {
	topics, err := h.events.ListTopics(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"topics": topics})
}

// POST /api/v1/event-triggers/register
func (h *EventsHandler) RegisterTrigger(c *gin.Context) {
	var body struct {
		WorkflowID          string     `json:"workflow_id"`
		DeploymentID        *uuid.UUID `json:"deployment_id"`
		EventTopic          string     `json:"event_topic"`
		QueueName           string     `json:"queue_name"`
		BatchSize           int        `json:"batch_size"`
		BatchTimeoutSeconds *int       `json:"batch_timeout_seconds"`
		Enabled             *bool      `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	trigger, err := h.events.RegisterTrigger(c.Request.Context(), services.RegisterTriggerParams{
		WorkflowID:          body.WorkflowID,
		DeploymentID:        body.DeploymentID,
		EventTopic:          body.EventTopic,
		QueueName:           body.QueueName,
		BatchSize:           body.BatchSize,
		BatchTimeoutSeconds: body.BatchTimeoutSeconds,
		Enabled:             body.Enabled,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, gin.H{"trigger": trigger})
}

// GET /api/v1/event-triggers
func (h *EventsHandler) ListTriggers(c *gin.Context) {
	triggers, err := h.events.ListTriggers(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"triggers": triggers})
}

// DELETE /api/v1/event-triggers/:id
func (h *EventsHandler) DeleteTrigger(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid trigger id"))
		return
	}
	if err := h.events.DeleteTrigger(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "deleted"})
}
