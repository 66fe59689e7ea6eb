package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/db"
	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
	"github.com/yungbote/agentflow/internal/realtime"
	"github.com/yungbote/agentflow/internal/realtime/bus"
)

// EventInput is one event of a publish batch.
type EventInput struct {
	EventType *string
	Data      datatypes.JSON
}

// PublishEventParams appends a batch of events to one topic. Durable events
// survive retention GC and latch event waits armed after them; they must
// name the execution they belong to so their lifetime is bounded.
type PublishEventParams struct {
	ProjectID         uuid.UUID
	Topic             string
	Events            []EventInput
	Durable           bool
	SourceExecutionID *uuid.UUID
}

// EventQuery selects a slice of one topic's log. SinceSeq takes precedence
// over SinceTime when both are set.
type EventQuery struct {
	Topic     string
	SinceSeq  int64
	SinceTime *time.Time
	Limit     int
}

// RegisterTriggerParams binds an event topic to workflow submissions.
type RegisterTriggerParams struct {
	WorkflowID          string
	DeploymentID        *uuid.UUID
	EventTopic          string
	QueueName           string
	BatchSize           int
	BatchTimeoutSeconds *int
	Enabled             *bool
}

type EventService interface {
	Publish(ctx context.Context, params PublishEventParams) ([]*types.Event, []ParentResume, error)
	GetEvents(ctx context.Context, query EventQuery) ([]*types.Event, error)
	// GetExecutionEvents returns the stream slice for one execution: events
	// it emitted plus events on its own topic, after sinceSeq.
	GetExecutionEvents(ctx context.Context, executionID uuid.UUID, topic string, sinceSeq int64, limit int) ([]*types.Event, error)
	ListTopics(ctx context.Context) ([]*types.EventTopic, error)

	RegisterTrigger(ctx context.Context, params RegisterTriggerParams) (*types.EventTrigger, error)
	ListTriggers(ctx context.Context) ([]*types.EventTrigger, error)
	DeleteTrigger(ctx context.Context, id uuid.UUID) error
	// ProcessTriggersOnce scans every enabled trigger and fires the due ones.
	// Returns how many executions were submitted.
	ProcessTriggersOnce(ctx context.Context) (int, error)
}

type eventService struct {
	db          *gorm.DB
	log         *logger.Logger
	events      repos.EventRepo
	waits       repos.WaitStepRepo
	executions  repos.ExecutionRepo
	workers     repos.WorkerRepo
	queues      repos.QueueRepo
	stepOutputs repos.StepOutputRepo
	triggers    repos.EventTriggerRepo
	deployments repos.DeploymentRepo
	submitter   ExecutionService
	signals     bus.Bus
}

func NewEventService(
	gdb *gorm.DB,
	baseLog *logger.Logger,
	events repos.EventRepo,
	waits repos.WaitStepRepo,
	executions repos.ExecutionRepo,
	workers repos.WorkerRepo,
	queues repos.QueueRepo,
	stepOutputs repos.StepOutputRepo,
	triggers repos.EventTriggerRepo,
	deployments repos.DeploymentRepo,
	submitter ExecutionService,
	signals bus.Bus,
) EventService {
	return &eventService{
		db:          gdb,
		log:         baseLog.With("service", "EventService"),
		events:      events,
		waits:       waits,
		executions:  executions,
		workers:     workers,
		queues:      queues,
		stepOutputs: stepOutputs,
		triggers:    triggers,
		deployments: deployments,
		submitter:   submitter,
		signals:     signals,
	}
}

// Publish appends the batch and wakes every matching event wait in the same
// transaction, so a crash cannot separate the events from their wakes. The
// last event of the batch is the one a woken wait memoizes. The returned
// resumes tell the caller which parents went back to queued.
func (s *eventService) Publish(ctx context.Context, params PublishEventParams) ([]*types.Event, []ParentResume, error) {
	if params.Topic == "" {
		return nil, nil, apierr.BadRequest("missing topic")
	}
	if params.Durable && params.SourceExecutionID == nil {
		return nil, nil, apierr.BadRequest("durable events require source_execution_id")
	}
	if len(params.Events) == 0 {
		return nil, nil, apierr.BadRequest("publish requires at least one event")
	}
	projectID := params.ProjectID
	if projectID == uuid.Nil {
		projectID = scope.ProjectID(ctx)
	}
	if projectID == uuid.Nil {
		return nil, nil, apierr.BadRequest("missing project scope")
	}

	var appended []*types.Event
	var resumes []ParentResume
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		resumes = resumes[:0]

		if err := s.events.EnsureTopic(dbc, projectID, params.Topic); err != nil {
			return err
		}

		var rootID *uuid.UUID
		if params.SourceExecutionID != nil {
			source, err := s.executions.GetByID(dbc, *params.SourceExecutionID)
			if err != nil {
				return err
			}
			if source == nil {
				return apierr.BadRequest("unknown source execution %s", params.SourceExecutionID)
			}
			rootID = source.RootExecutionID
			if rootID == nil {
				rootID = &source.ID
			}
		}

		rows := make([]*types.Event, 0, len(params.Events))
		for _, input := range params.Events {
			rows = append(rows, &types.Event{
				ProjectID:         projectID,
				Topic:             params.Topic,
				EventType:         input.EventType,
				Data:              input.Data,
				Durable:           params.Durable,
				SourceExecutionID: params.SourceExecutionID,
				RootExecutionID:   rootID,
			})
		}
		var err error
		appended, err = s.events.Append(dbc, rows)
		if err != nil {
			return err
		}

		woken, err := s.wakeMatchingWaits(dbc, appended[len(appended)-1])
		if err != nil {
			return err
		}
		resumes = woken
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if s.signals != nil {
		if err := s.signals.Publish(ctx, realtime.Signal{Kind: realtime.SignalEvent, Topic: params.Topic}); err != nil {
			s.log.Debug("event signal publish failed", "topic", params.Topic, "error", err)
		}
	}
	return appended, resumes, nil
}

// wakeMatchingWaits locks the topic's event waits and wakes those whose
// resume_event_type filter (if any) matches the published type. The woken
// step's output is the event itself.
func (s *eventService) wakeMatchingWaits(dbc dbctx.Context, event *types.Event) ([]ParentResume, error) {
	waits, err := s.waits.LockActiveByTopic(dbc, event.ProjectID, event.Topic, 200)
	if err != nil {
		return nil, err
	}
	var resumes []ParentResume
	for _, wait := range waits {
		if filter := waitResumeFilter(wait.Metadata); filter != nil {
			if event.EventType == nil || *event.EventType != *filter {
				continue
			}
		}
		cleared, err := s.waits.Clear(dbc, wait.ID, types.WaitTypeEvent)
		if err != nil {
			return nil, err
		}
		if !cleared {
			continue
		}
		if _, err := s.stepOutputs.Upsert(dbc, &types.StepOutput{
			ProjectID:   wait.ProjectID,
			ExecutionID: wait.ExecutionID,
			StepKey:     wait.StepKey,
			Outputs:     eventWaitOutput(event),
			Success:     true,
		}); err != nil {
			return nil, err
		}
		resume, err := wakeWaitingExecution(dbc, s.executions, s.workers, s.events, s.log, wait.ExecutionID, true)
		if err != nil {
			return nil, err
		}
		if resume != nil {
			resumes = append(resumes, *resume)
		}
	}
	return resumes, nil
}

func (s *eventService) GetEvents(ctx context.Context, query EventQuery) ([]*types.Event, error) {
	if query.Topic == "" {
		return nil, apierr.BadRequest("missing topic")
	}
	projectID := scope.ProjectID(ctx)
	var out []*types.Event
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		var err error
		if query.SinceSeq > 0 || query.SinceTime == nil {
			out, err = s.events.ListByTopicSince(dbc, projectID, query.Topic, query.SinceSeq, query.Limit)
		} else {
			out, err = s.events.ListByTopicSinceTime(dbc, projectID, query.Topic, *query.SinceTime, query.Limit)
		}
		return err
	})
	return out, err
}

func (s *eventService) GetExecutionEvents(ctx context.Context, executionID uuid.UUID, topic string, sinceSeq int64, limit int) ([]*types.Event, error) {
	var out []*types.Event
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.events.ListForExecutionSince(dbctx.Context{Ctx: ctx, Tx: tx}, executionID, topic, sinceSeq, limit)
		return err
	})
	return out, err
}

func (s *eventService) ListTopics(ctx context.Context) ([]*types.EventTopic, error) {
	var out []*types.EventTopic
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.events.ListTopics(dbctx.Context{Ctx: ctx, Tx: tx}, scope.ProjectID(ctx))
		return err
	})
	return out, err
}

// RegisterTrigger upserts the trigger with its cursor parked at the topic's
// current tail: only events published after registration count.
func (s *eventService) RegisterTrigger(ctx context.Context, params RegisterTriggerParams) (*types.EventTrigger, error) {
	if params.WorkflowID == "" || params.EventTopic == "" {
		return nil, apierr.BadRequest("trigger requires workflow_id and event_topic")
	}
	projectID := scope.ProjectID(ctx)
	if projectID == uuid.Nil {
		return nil, apierr.BadRequest("missing project scope")
	}

	var trigger *types.EventTrigger
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		var deploymentID uuid.UUID
		if params.DeploymentID != nil && *params.DeploymentID != uuid.Nil {
			deploymentID = *params.DeploymentID
		} else {
			latest, err := s.deployments.GetLatest(dbc)
			if err != nil {
				return err
			}
			if latest == nil {
				return apierr.BadRequest("no deployment registered; supply deployment_id")
			}
			deploymentID = latest.ID
		}

		if err := s.events.EnsureTopic(dbc, projectID, params.EventTopic); err != nil {
			return err
		}
		window, err := s.events.WindowSince(dbc, projectID, params.EventTopic, 0)
		if err != nil {
			return err
		}

		batchSize := params.BatchSize
		if batchSize <= 0 {
			batchSize = 1
		}
		queueName := params.QueueName
		if queueName == "" {
			queueName = params.WorkflowID
		}
		enabled := true
		if params.Enabled != nil {
			enabled = *params.Enabled
		}

		trigger, err = s.triggers.Upsert(dbc, &types.EventTrigger{
			ProjectID:           projectID,
			WorkflowID:          params.WorkflowID,
			DeploymentID:        deploymentID,
			EventTopic:          params.EventTopic,
			QueueName:           queueName,
			BatchSize:           batchSize,
			BatchTimeoutSeconds: params.BatchTimeoutSeconds,
			LastSequenceID:      window.MaxSeq,
			Enabled:             enabled,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return trigger, nil
}

func (s *eventService) ListTriggers(ctx context.Context) ([]*types.EventTrigger, error) {
	var out []*types.EventTrigger
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.triggers.List(dbctx.Context{Ctx: ctx, Tx: tx}, false)
		return err
	})
	return out, err
}

func (s *eventService) DeleteTrigger(ctx context.Context, id uuid.UUID) error {
	return db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		deleted, err := s.triggers.Delete(dbctx.Context{Ctx: ctx, Tx: tx}, id)
		if err != nil {
			return err
		}
		if !deleted {
			return apierr.NotFound("trigger %s not found", id)
		}
		return nil
	})
}

// ProcessTriggersOnce walks every enabled trigger under its row lock,
// submits an execution when the batch condition holds, and advances the
// cursor in the same transaction. A trigger that fires but loses the cursor
// CAS submitted nothing: the submit and the advance commit or roll back
// together.
func (s *eventService) ProcessTriggersOnce(ctx context.Context) (int, error) {
	adminCtx := scope.Admin(ctx)

	var triggerIDs []uuid.UUID
	err := db.WithAdminTx(adminCtx, s.db, func(tx *gorm.DB) error {
		all, err := s.triggers.List(dbctx.Context{Ctx: adminCtx, Tx: tx}, true)
		if err != nil {
			return err
		}
		for _, t := range all {
			triggerIDs = append(triggerIDs, t.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, id := range triggerIDs {
		didFire, err := s.processTrigger(adminCtx, id)
		if err != nil {
			s.log.Error("trigger processing failed", "trigger_id", id, "error", err)
			continue
		}
		if didFire {
			fired++
		}
	}
	return fired, nil
}

func (s *eventService) processTrigger(ctx context.Context, id uuid.UUID) (bool, error) {
	fired := false
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		trigger, err := s.triggers.LockByID(dbc, id)
		if err != nil || trigger == nil || !trigger.Enabled {
			return err
		}

		now := time.Now()
		defer func() {
			_ = s.triggers.UpdateFields(dbc, trigger.ID, map[string]interface{}{
				"processed_at": now,
			})
		}()

		window, err := s.events.WindowSince(dbc, trigger.ProjectID, trigger.EventTopic, trigger.LastSequenceID)
		if err != nil {
			return err
		}
		oldest := now
		if window.OldestAt != nil {
			oldest = *window.OldestAt
		}
		if !trigger.ShouldFire(int(window.Count), oldest, now) {
			return nil
		}

		// Backpressure: a queue already at its limit means firing would only
		// grow the backlog. The events stay pending for the next pass.
		queue, err := s.queues.GetByName(dbc, trigger.ProjectID, trigger.DeploymentID, trigger.QueueName)
		if err != nil {
			return err
		}
		if queue != nil && queue.ConcurrencyLimit != nil {
			active, err := s.queues.CountActive(dbc, trigger.ProjectID, trigger.DeploymentID, trigger.QueueName)
			if err != nil {
				return err
			}
			if active >= int64(*queue.ConcurrencyLimit) {
				return nil
			}
		}

		batch, err := s.events.ListByTopicSince(dbc, trigger.ProjectID, trigger.EventTopic, trigger.LastSequenceID, trigger.BatchSize)
		if err != nil || len(batch) == 0 {
			return err
		}

		payload, err := triggerPayload(batch)
		if err != nil {
			return err
		}
		if _, err := s.submitter.SubmitInTx(dbc, SubmitParams{
			ProjectID:    trigger.ProjectID,
			WorkflowID:   trigger.WorkflowID,
			DeploymentID: &trigger.DeploymentID,
			QueueName:    trigger.QueueName,
			Payload:      payload,
		}); err != nil {
			return err
		}

		last := batch[len(batch)-1]
		advanced, err := s.triggers.AdvanceCursor(dbc, trigger.ID, trigger.LastSequenceID, last.SequenceID, last.CreatedAt)
		if err != nil {
			return err
		}
		if !advanced {
			return apierr.Conflict("trigger %s cursor moved concurrently", trigger.ID)
		}
		fired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return fired, nil
}

// triggerPayload shapes the submission payload: a single event passes its
// data through, a batch wraps the events in an envelope.
func triggerPayload(batch []*types.Event) (datatypes.JSON, error) {
	if len(batch) == 1 {
		if len(batch[0].Data) == 0 {
			return datatypes.JSON([]byte(`{}`)), nil
		}
		return batch[0].Data, nil
	}
	items := make([]json.RawMessage, 0, len(batch))
	for _, event := range batch {
		data := event.Data
		if len(data) == 0 {
			data = datatypes.JSON([]byte(`null`))
		}
		items = append(items, json.RawMessage(data))
	}
	raw, err := json.Marshal(map[string]any{"events": items})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
