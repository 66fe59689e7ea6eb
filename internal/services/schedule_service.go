package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/db"
	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
)

// UpsertScheduleParams creates or replaces one cron schedule, keyed by
// (workflow, key).
type UpsertScheduleParams struct {
	WorkflowID     string
	Key            string
	DeploymentID   *uuid.UUID
	CronExpression string
	Timezone       string
	QueueName      string
	Payload        datatypes.JSON
	Enabled        *bool
}

type ScheduleService interface {
	Upsert(ctx context.Context, params UpsertScheduleParams) (*types.Schedule, error)
	List(ctx context.Context, workflowID string) ([]*types.Schedule, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// FireDueOnce submits every due schedule. Returns how many fired.
	FireDueOnce(ctx context.Context) (int, error)
}

type scheduleService struct {
	db          *gorm.DB
	log         *logger.Logger
	schedules   repos.ScheduleRepo
	executions  repos.ExecutionRepo
	deployments repos.DeploymentRepo
	submitter   ExecutionService
}

func NewScheduleService(
	gdb *gorm.DB,
	baseLog *logger.Logger,
	schedules repos.ScheduleRepo,
	executions repos.ExecutionRepo,
	deployments repos.DeploymentRepo,
	submitter ExecutionService,
) ScheduleService {
	return &scheduleService{
		db:          gdb,
		log:         baseLog.With("service", "ScheduleService"),
		schedules:   schedules,
		executions:  executions,
		deployments: deployments,
		submitter:   submitter,
	}
}

// parseCron validates the expression in its timezone and returns the
// calculator used for next-run times.
func parseCron(expression, timezone string) (cron.Schedule, *time.Location, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, nil, apierr.BadRequest("unknown timezone %q", timezone)
	}
	spec, err := cron.ParseStandard(expression)
	if err != nil {
		return nil, nil, apierr.BadRequest("invalid cron expression %q: %v", expression, err)
	}
	return spec, loc, nil
}

func (s *scheduleService) Upsert(ctx context.Context, params UpsertScheduleParams) (*types.Schedule, error) {
	if params.WorkflowID == "" {
		return nil, apierr.BadRequest("missing workflow_id")
	}
	if params.CronExpression == "" {
		return nil, apierr.BadRequest("missing cron_expression")
	}
	spec, loc, err := parseCron(params.CronExpression, params.Timezone)
	if err != nil {
		return nil, err
	}
	projectID := scope.ProjectID(ctx)
	if projectID == uuid.Nil {
		return nil, apierr.BadRequest("missing project scope")
	}

	key := params.Key
	if key == "" {
		key = "default"
	}
	timezone := params.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	queueName := params.QueueName
	if queueName == "" {
		queueName = params.WorkflowID
	}
	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}
	nextRun := spec.Next(time.Now().In(loc))

	var schedule *types.Schedule
	err = db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
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

		var err error
		schedule, err = s.schedules.Upsert(dbc, &types.Schedule{
			ProjectID:      projectID,
			WorkflowID:     params.WorkflowID,
			Key:            key,
			DeploymentID:   deploymentID,
			CronExpression: params.CronExpression,
			Timezone:       timezone,
			QueueName:      queueName,
			Payload:        params.Payload,
			NextRunAt:      &nextRun,
			Enabled:        enabled,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return schedule, nil
}

func (s *scheduleService) List(ctx context.Context, workflowID string) ([]*types.Schedule, error) {
	var out []*types.Schedule
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.schedules.List(dbctx.Context{Ctx: ctx, Tx: tx}, workflowID)
		return err
	})
	return out, err
}

func (s *scheduleService) Delete(ctx context.Context, id uuid.UUID) error {
	return db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		deleted, err := s.schedules.Delete(dbctx.Context{Ctx: ctx, Tx: tx}, id)
		if err != nil {
			return err
		}
		if !deleted {
			return apierr.NotFound("schedule %s not found", id)
		}
		return nil
	})
}

// FireDueOnce submits due schedules. MarkRun CASes on the due time so two
// instances firing the same schedule submit once; a schedule whose previous
// run is still in flight skips this occurrence instead of stacking.
func (s *scheduleService) FireDueOnce(ctx context.Context) (int, error) {
	adminCtx := scope.Admin(ctx)
	fired := 0
	err := db.WithAdminTx(adminCtx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: adminCtx, Tx: tx}
		now := time.Now()
		due, err := s.schedules.ListDue(dbc, now, 100)
		if err != nil {
			return err
		}
		for _, schedule := range due {
			spec, loc, err := parseCron(schedule.CronExpression, schedule.Timezone)
			if err != nil {
				// Disable rather than retry a row that can never parse.
				s.log.Error("disabling schedule with invalid cron", "schedule_id", schedule.ID, "error", err)
				if uErr := s.schedules.UpdateFields(dbc, schedule.ID, map[string]interface{}{
					"enabled": false,
				}); uErr != nil {
					return uErr
				}
				continue
			}
			nextRun := spec.Next(now.In(loc))

			claimed, err := s.schedules.MarkRun(dbc, schedule.ID, schedule.NextRunAt, now, nextRun)
			if err != nil {
				return err
			}
			if !claimed {
				continue
			}

			inFlight, err := s.executions.CountInFlight(dbc, schedule.WorkflowID, schedule.DeploymentID)
			if err != nil {
				return err
			}
			if inFlight > 0 {
				s.log.Info("schedule skipped, previous run in flight",
					"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID)
				continue
			}

			if _, err := s.submitter.SubmitInTx(dbc, SubmitParams{
				ProjectID:    schedule.ProjectID,
				WorkflowID:   schedule.WorkflowID,
				DeploymentID: &schedule.DeploymentID,
				QueueName:    schedule.QueueName,
				Payload:      schedule.Payload,
			}); err != nil {
				return err
			}
			fired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return fired, nil
}
