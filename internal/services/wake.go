package services

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

// wakeWaitingExecution flips a waiting execution back to queued inside the
// caller's transaction. releaseSlot drops the worker counter for wait kinds
// that kept their slot while parked (time and event waits); subworkflow
// waits released it when the wait was armed.
func wakeWaitingExecution(
	dbc dbctx.Context,
	executions repos.ExecutionRepo,
	workers repos.WorkerRepo,
	events repos.EventRepo,
	log *logger.Logger,
	executionID uuid.UUID,
	releaseSlot bool,
) (*ParentResume, error) {
	exec, err := executions.GetByID(dbc, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, nil
	}
	woken, err := executions.UpdateFieldsWhereStatus(dbc, executionID,
		[]string{types.ExecutionWaiting},
		map[string]interface{}{
			"status":             types.ExecutionQueued,
			"queued_at":          time.Now(),
			"assigned_to_worker": nil,
			"assigned_at":        nil,
			"claimed_at":         nil,
			"started_at":         nil,
		})
	if err != nil {
		return nil, err
	}
	if !woken {
		return nil, nil
	}
	if releaseSlot && exec.AssignedToWorker != nil {
		if err := workers.AdjustExecutionCount(dbc, *exec.AssignedToWorker, -1); err != nil {
			return nil, err
		}
	}
	exec.Status = types.ExecutionQueued
	publishStatusEvent(dbc, events, log, exec, types.ExecutionQueued)
	return &ParentResume{ExecutionID: exec.ID, DeploymentID: exec.DeploymentID}, nil
}

// publishStatusEvent appends a non-durable status_changed frame on the
// execution's topic for stream consumers. Failures are logged, never
// propagated: observability must not fail a transition.
func publishStatusEvent(dbc dbctx.Context, events repos.EventRepo, log *logger.Logger, exec *types.Execution, status string) {
	topic := types.ExecutionTopic(exec.WorkflowID, exec.ID)
	eventType := types.EventTypeStatusChanged
	data, err := json.Marshal(map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"status":       status,
	})
	if err != nil {
		return
	}
	rootID := exec.RootExecutionID
	if rootID == nil {
		rootID = &exec.ID
	}
	if err := events.EnsureTopic(dbc, exec.ProjectID, topic); err != nil {
		log.Warn("ensure status topic failed", "execution_id", exec.ID, "error", err)
		return
	}
	if _, err := events.Append(dbc, []*types.Event{{
		ProjectID:         exec.ProjectID,
		Topic:             topic,
		EventType:         &eventType,
		Data:              datatypes.JSON(data),
		SourceExecutionID: &exec.ID,
		RootExecutionID:   rootID,
	}}); err != nil {
		log.Warn("append status event failed", "execution_id", exec.ID, "error", err)
	}
}

// timeWaitOutput is the step output a resumed timer reads back.
func timeWaitOutput(waitUntil *time.Time) datatypes.JSON {
	body := map[string]any{"success": true}
	if waitUntil != nil {
		body["wait_until"] = waitUntil
	}
	raw, _ := json.Marshal(body)
	return datatypes.JSON(raw)
}

// eventWaitOutput is the step output a satisfied event wait reads back: the
// matched event's identity, position in the log, and payload.
func eventWaitOutput(event *types.Event) datatypes.JSON {
	body := map[string]any{"success": true}
	if event != nil {
		body["id"] = event.ID
		body["sequence_id"] = event.SequenceID
		body["topic"] = event.Topic
		body["event_type"] = event.EventType
		body["created_at"] = event.CreatedAt
		if len(event.Data) > 0 {
			body["data"] = json.RawMessage(event.Data)
		} else {
			body["data"] = nil
		}
	}
	raw, _ := json.Marshal(body)
	return datatypes.JSON(raw)
}

// expiredWaitOutput is the failure payload for a wait that timed out.
func expiredWaitOutput(message string) datatypes.JSON {
	raw, _ := json.Marshal(map[string]any{"success": false, "error": message})
	return datatypes.JSON(raw)
}

// waitResumeFilter extracts the resume_event_type restriction from a wait's
// metadata. nil means any event type wakes the wait.
func waitResumeFilter(meta datatypes.JSON) *string {
	if len(meta) == 0 {
		return nil
	}
	decoded := map[string]any{}
	if err := json.Unmarshal(meta, &decoded); err != nil {
		return nil
	}
	if raw, ok := decoded[types.WaitMetaResumeEventType].(string); ok && raw != "" {
		return &raw
	}
	return nil
}
