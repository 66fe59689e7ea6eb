package services

import (
	"context"
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
)

// RegisterWorkerParams is the registration payload. WorkerID may be supplied
// by the worker so re-registration after a restart revives the same row.
type RegisterWorkerParams struct {
	WorkerID                *uuid.UUID
	DeploymentID            *uuid.UUID
	DeploymentName          string
	Mode                    string
	PushEndpointURL         string
	MaxConcurrentExecutions int
	Metadata                datatypes.JSON
}

// HeartbeatParams carries the worker's self-reported state.
type HeartbeatParams struct {
	WorkerID       uuid.UUID
	ExecutionCount *int
}

// HeartbeatResult tells the worker how the registry sees it. ReRegister is
// set when the worker id is unknown, so the worker can recover from a
// registry wipe without operator help.
type HeartbeatResult struct {
	ReRegister bool
}

// pushRecoveryAge is how stale a failing worker's last push attempt must be
// before a heartbeat resets its failure counter. Keeps a flapping endpoint
// from bouncing straight back into rotation.
const pushRecoveryAge = 30 * time.Second

// pollTick is the long-poll re-check interval. The sleep happens outside any
// transaction so a parked poll holds no connection.
const pollTick = 1 * time.Second

// heartbeatLapse is how long a worker may go silent before the sweep takes
// it offline; an offline worker silent past the same window is deleted.
const heartbeatLapse = 2 * time.Minute

// staleClaimAge bounds how long a claim may sit unconfirmed before it goes
// back to the queue.
const staleClaimAge = 1 * time.Minute

type WorkerService interface {
	Register(ctx context.Context, params RegisterWorkerParams) (*types.Worker, error)
	Online(ctx context.Context, workerID uuid.UUID) (*types.Worker, error)
	Heartbeat(ctx context.Context, params HeartbeatParams) (*HeartbeatResult, error)
	Get(ctx context.Context, workerID uuid.UUID) (*types.Worker, error)
	List(ctx context.Context, deploymentID *uuid.UUID, status string) ([]*types.Worker, error)
	Deregister(ctx context.Context, workerID uuid.UUID) error
	Poll(ctx context.Context, workerID uuid.UUID, maxWait time.Duration) (*types.Execution, error)
	StartExecution(ctx context.Context, executionID, workerID uuid.UUID) error
	StaleSweep(ctx context.Context) (int, error)
}

type workerService struct {
	db          *gorm.DB
	log         *logger.Logger
	workers     repos.WorkerRepo
	executions  repos.ExecutionRepo
	deployments repos.DeploymentRepo
}

func NewWorkerService(
	gdb *gorm.DB,
	baseLog *logger.Logger,
	workers repos.WorkerRepo,
	executions repos.ExecutionRepo,
	deployments repos.DeploymentRepo,
) WorkerService {
	return &workerService{
		db:          gdb,
		log:         baseLog.With("service", "WorkerService"),
		workers:     workers,
		executions:  executions,
		deployments: deployments,
	}
}

// Register creates or revives a worker row. Workers always start offline;
// dispatch considers them only after Online or the first heartbeat. An
// unknown deployment name is auto-created so workers can boot ahead of the
// first registry push.
func (s *workerService) Register(ctx context.Context, params RegisterWorkerParams) (*types.Worker, error) {
	mode := params.Mode
	if mode == "" {
		mode = types.WorkerModePush
	}
	if mode != types.WorkerModePush && mode != types.WorkerModePull {
		return nil, apierr.BadRequest("unknown worker mode %q", mode)
	}
	if mode == types.WorkerModePush && params.PushEndpointURL == "" {
		return nil, apierr.BadRequest("push workers require push_endpoint_url")
	}
	projectID := scope.ProjectID(ctx)
	if projectID == uuid.Nil {
		return nil, apierr.BadRequest("missing project scope")
	}

	var worker *types.Worker
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		deploymentID, err := s.resolveDeployment(dbc, projectID, params.DeploymentID, params.DeploymentName)
		if err != nil {
			return err
		}

		row := &types.Worker{
			ProjectID:               projectID,
			CurrentDeploymentID:     deploymentID,
			Mode:                    mode,
			PushEndpointURL:         params.PushEndpointURL,
			MaxConcurrentExecutions: params.MaxConcurrentExecutions,
			Metadata:                params.Metadata,
		}
		if params.WorkerID != nil && *params.WorkerID != uuid.Nil {
			row.ID = *params.WorkerID
		}
		worker, err = s.workers.Upsert(dbc, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (s *workerService) resolveDeployment(dbc dbctx.Context, projectID uuid.UUID, deploymentID *uuid.UUID, deploymentName string) (uuid.UUID, error) {
	if deploymentID != nil && *deploymentID != uuid.Nil {
		deployment, err := s.deployments.GetByID(dbc, *deploymentID)
		if err != nil {
			return uuid.Nil, err
		}
		if deployment == nil {
			return uuid.Nil, apierr.BadRequest("unknown deployment %s", deploymentID)
		}
		return deployment.ID, nil
	}
	if deploymentName == "" {
		latest, err := s.deployments.GetLatest(dbc)
		if err != nil {
			return uuid.Nil, err
		}
		if latest == nil {
			return uuid.Nil, apierr.BadRequest("no deployment registered; supply deployment_name")
		}
		return latest.ID, nil
	}
	deployment, err := s.deployments.Upsert(dbc, &types.Deployment{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      deploymentName,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return deployment.ID, nil
}

// Online marks a registered worker ready for dispatch.
func (s *workerService) Online(ctx context.Context, workerID uuid.UUID) (*types.Worker, error) {
	var worker *types.Worker
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		existing, err := s.workers.GetByID(dbc, workerID)
		if err != nil {
			return err
		}
		if existing == nil {
			return apierr.NotFound("worker %s not found", workerID)
		}
		now := time.Now()
		if err := s.workers.UpdateFields(dbc, workerID, map[string]interface{}{
			"status":         types.WorkerStatusOnline,
			"last_heartbeat": now,
		}); err != nil {
			return err
		}
		existing.Status = types.WorkerStatusOnline
		existing.LastHeartbeat = &now
		worker = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

// Heartbeat refreshes liveness and self-heals two kinds of drift: the
// execution counter (reconciled against actual assignments when the worker
// does not report its own count) and the push failure counter (reset once
// the endpoint has been quiet long enough to retry).
func (s *workerService) Heartbeat(ctx context.Context, params HeartbeatParams) (*HeartbeatResult, error) {
	result := &HeartbeatResult{}
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		worker, err := s.workers.GetByID(dbc, params.WorkerID)
		if err != nil {
			return err
		}
		if worker == nil {
			result.ReRegister = true
			return nil
		}

		count := params.ExecutionCount
		if count == nil {
			actual, err := s.executions.CountAssignedActive(dbc, worker.ID)
			if err != nil {
				return err
			}
			if int64(worker.CurrentExecutionCount) != actual {
				n := int(actual)
				count = &n
			}
		}
		if _, err := s.workers.Heartbeat(dbc, worker.ID, count); err != nil {
			return err
		}

		if worker.PushFailureCount > 0 &&
			(worker.LastPushAttemptAt == nil || time.Since(*worker.LastPushAttemptAt) >= pushRecoveryAge) {
			if err := s.workers.UpdateFields(dbc, worker.ID, map[string]interface{}{
				"push_failure_count": 0,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *workerService) Get(ctx context.Context, workerID uuid.UUID) (*types.Worker, error) {
	var worker *types.Worker
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		worker, err = s.workers.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, apierr.NotFound("worker %s not found", workerID)
	}
	return worker, nil
}

func (s *workerService) List(ctx context.Context, deploymentID *uuid.UUID, status string) ([]*types.Worker, error) {
	var out []*types.Worker
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.workers.List(dbctx.Context{Ctx: ctx, Tx: tx}, deploymentID, status)
		return err
	})
	return out, err
}

// Deregister removes the worker and requeues whatever it was running.
func (s *workerService) Deregister(ctx context.Context, workerID uuid.UUID) error {
	return db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if _, err := s.executions.RequeueAssignedTo(dbc, workerID); err != nil {
			return err
		}
		deleted, err := s.workers.Delete(dbc, workerID)
		if err != nil {
			return err
		}
		if !deleted {
			return apierr.NotFound("worker %s not found", workerID)
		}
		return nil
	})
}

// Poll serves pull workers: block up to maxWait for a claimable execution.
// Each attempt is its own short transaction; the wait happens between
// attempts with no connection held.
func (s *workerService) Poll(ctx context.Context, workerID uuid.UUID, maxWait time.Duration) (*types.Execution, error) {
	if maxWait <= 0 || maxWait > 30*time.Second {
		maxWait = 30 * time.Second
	}
	deadline := time.Now().Add(maxWait)

	for {
		var claimed *types.Execution
		err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
			dbc := dbctx.Context{Ctx: ctx, Tx: tx}
			worker, err := s.workers.GetByID(dbc, workerID)
			if err != nil {
				return err
			}
			if worker == nil {
				return apierr.NotFound("worker %s not found", workerID)
			}
			if !worker.HasCapacity() {
				return nil
			}
			claimed, err = s.executions.ClaimQueuedForWorker(dbc, worker)
			if err != nil {
				return err
			}
			if claimed != nil {
				return s.workers.AdjustExecutionCount(dbc, worker.ID, 1)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollTick):
		}
	}
}

// StartExecution is the worker's claimed→running confirmation.
func (s *workerService) StartExecution(ctx context.Context, executionID, workerID uuid.UUID) error {
	return db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		exec, err := s.executions.GetByID(dbc, executionID)
		if err != nil {
			return err
		}
		if exec == nil {
			return apierr.NotFound("execution %s not found", executionID)
		}
		if exec.Status == types.ExecutionRunning {
			return nil
		}
		if exec.AssignedToWorker == nil || *exec.AssignedToWorker != workerID {
			return apierr.Conflict("execution %s is assigned to a different worker", executionID)
		}
		flipped, err := s.executions.UpdateFieldsWhereStatus(dbc, executionID,
			[]string{types.ExecutionClaimed},
			map[string]interface{}{
				"status":     types.ExecutionRunning,
				"started_at": time.Now(),
			})
		if err != nil {
			return err
		}
		if !flipped {
			return apierr.Conflict("execution %s is not claimed", executionID)
		}
		return nil
	})
}

// StaleSweep runs the worker-liveness reconciliation: offline workers whose
// heartbeat lapsed, requeue their assignments, rescue orphans, and purge
// long-silent offline rows. Returns the number of executions requeued.
func (s *workerService) StaleSweep(ctx context.Context) (int, error) {
	requeued := 0
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		now := time.Now()

		// Deletion runs before the online sweep so a freshly-lapsed worker
		// spends at least one sweep interval offline before its row goes.
		silent, err := s.workers.ListOfflineSilent(dbc, now.Add(-heartbeatLapse), 200)
		if err != nil {
			return err
		}
		for _, worker := range silent {
			if _, err := s.workers.Delete(dbc, worker.ID); err != nil {
				return err
			}
		}

		stale, err := s.workers.ListStale(dbc, now.Add(-heartbeatLapse), 200)
		if err != nil {
			return err
		}
		for _, worker := range stale {
			if _, err := s.workers.MarkOffline(dbc, worker.ID); err != nil {
				return err
			}
			n, err := s.executions.RequeueAssignedTo(dbc, worker.ID)
			if err != nil {
				return err
			}
			requeued += int(n)
			if n > 0 {
				if err := s.workers.UpdateFields(dbc, worker.ID, map[string]interface{}{
					"current_execution_count": 0,
				}); err != nil {
					return err
				}
			}
		}

		n, err := s.executions.RequeueOrphaned(dbc)
		if err != nil {
			return err
		}
		requeued += int(n)

		// Claims the worker never confirmed: the dispatcher committed the
		// assignment but the push response was lost.
		staleClaims, err := s.executions.ListStaleClaimed(dbc, now.Add(-staleClaimAge), 200)
		if err != nil {
			return err
		}
		for _, exec := range staleClaims {
			workerID := exec.AssignedToWorker
			released, err := s.executions.UpdateFieldsWhereStatus(dbc, exec.ID,
				[]string{types.ExecutionClaimed},
				map[string]interface{}{
					"status":             types.ExecutionQueued,
					"assigned_to_worker": nil,
					"assigned_at":        nil,
					"claimed_at":         nil,
					"queued_at":          now,
				})
			if err != nil {
				return err
			}
			if released {
				requeued++
				if workerID != nil {
					if err := s.workers.AdjustExecutionCount(dbc, *workerID, -1); err != nil {
						return err
					}
				}
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}
