package services

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/db"
	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/push"
	"github.com/yungbote/agentflow/internal/realtime"
	"github.com/yungbote/agentflow/internal/realtime/bus"
)

// dispatchTick is the idle poll interval. Nudges shortcut it; the tick is
// the crash-recovery floor, not the expected latency.
const dispatchTick = 200 * time.Millisecond

type DispatchService interface {
	// DispatchOnce claims and pushes at most one execution. Returns whether
	// anything was dispatched so callers can drain in a loop.
	DispatchOnce(ctx context.Context) (bool, error)
	// Nudge wakes the local loop and fans the hint out over the bus.
	Nudge(ctx context.Context)
	// Run blocks until ctx is done, dispatching on nudges and ticks.
	Run(ctx context.Context)
	// Wake wakes only the local loop. Bus forwarders call this to avoid
	// re-publishing a received signal.
	Wake()
}

type dispatchService struct {
	db         *gorm.DB
	log        *logger.Logger
	executions repos.ExecutionRepo
	workers    repos.WorkerRepo
	pusher     push.Client
	signals    bus.Bus
	wake       chan struct{}
}

func NewDispatchService(
	gdb *gorm.DB,
	baseLog *logger.Logger,
	executions repos.ExecutionRepo,
	workers repos.WorkerRepo,
	pusher push.Client,
	signals bus.Bus,
) DispatchService {
	return &dispatchService{
		db:         gdb,
		log:        baseLog.With("service", "DispatchService"),
		executions: executions,
		workers:    workers,
		pusher:     pusher,
		signals:    signals,
		wake:       make(chan struct{}, 1),
	}
}

// DispatchOnce runs the two-phase push. Phase one, in a transaction: pick a
// placeable queued execution, pick a worker with capacity, claim the
// execution onto it. Phase two, outside any transaction: POST to the worker
// and reconcile the claim against the outcome. The claim committing before
// the push means a crash leaves at worst a claimed row for the stale-claim
// sweep, never an untracked delivery.
func (s *dispatchService) DispatchOnce(ctx context.Context) (bool, error) {
	var exec *types.Execution
	var worker *types.Worker
	var rootWorkflowID string

	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		picked, err := s.executions.PickQueuedForDispatch(dbc)
		if err != nil || picked == nil {
			return err
		}
		candidate, err := s.workers.PickForDispatch(dbc, picked.DeploymentID, picked.ProjectID)
		if err != nil || candidate == nil {
			return err
		}

		// Sub-workflow payloads carry the tree root's workflow id, not their
		// own.
		rootWorkflowID = picked.WorkflowID
		if picked.RootExecutionID != nil && *picked.RootExecutionID != picked.ID {
			root, err := s.executions.GetByID(dbc, *picked.RootExecutionID)
			if err != nil {
				return err
			}
			if root != nil {
				rootWorkflowID = root.WorkflowID
			}
		}

		now := time.Now()
		claimed, err := s.executions.UpdateFieldsWhereStatus(dbc, picked.ID,
			[]string{types.ExecutionQueued},
			map[string]interface{}{
				"status":             types.ExecutionClaimed,
				"assigned_to_worker": candidate.ID,
				"assigned_at":        now,
				"claimed_at":         now,
			})
		if err != nil || !claimed {
			return err
		}
		if err := s.workers.AdjustExecutionCount(dbc, candidate.ID, 1); err != nil {
			return err
		}
		if err := s.workers.UpdateFields(dbc, candidate.ID, map[string]interface{}{
			"last_push_attempt_at": now,
		}); err != nil {
			return err
		}

		picked.Status = types.ExecutionClaimed
		picked.AssignedToWorker = &candidate.ID
		picked.AssignedAt = &now
		picked.ClaimedAt = &now
		exec = picked
		worker = candidate
		return nil
	})
	if err != nil || exec == nil {
		return false, err
	}

	outcome, pushErr := s.pusher.Execute(ctx, worker, &push.ExecutePayload{
		Execution:      exec,
		RootWorkflowID: rootWorkflowID,
	})

	switch outcome {
	case push.Delivered:
		err = db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
			dbc := dbctx.Context{Ctx: ctx, Tx: tx}
			if _, err := s.executions.UpdateFieldsWhereStatus(dbc, exec.ID,
				[]string{types.ExecutionClaimed},
				map[string]interface{}{
					"status":     types.ExecutionRunning,
					"started_at": time.Now(),
				}); err != nil {
				return err
			}
			return s.workers.RecordPushSuccess(dbc, worker.ID)
		})
		if err != nil {
			return false, err
		}
		return true, nil

	case push.Overloaded:
		// The worker's 429 is accurate backpressure, not a fault.
		s.log.Debug("worker overloaded", "worker_id", worker.ID, "execution_id", exec.ID)
		if err := s.releaseClaim(ctx, exec, worker, false); err != nil {
			return false, err
		}
		return false, nil

	default:
		s.log.Warn("push failed", "worker_id", worker.ID, "execution_id", exec.ID, "error", pushErr)
		if err := s.releaseClaim(ctx, exec, worker, true); err != nil {
			return false, err
		}
		return false, nil
	}
}

// releaseClaim undoes a claim whose push did not land. countFailure also
// charges the worker; crossing the threshold takes it offline and requeues
// everything else it held.
func (s *dispatchService) releaseClaim(ctx context.Context, exec *types.Execution, worker *types.Worker, countFailure bool) error {
	return db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		released, err := s.executions.UpdateFieldsWhereStatus(dbc, exec.ID,
			[]string{types.ExecutionClaimed},
			map[string]interface{}{
				"status":             types.ExecutionQueued,
				"assigned_to_worker": nil,
				"assigned_at":        nil,
				"claimed_at":         nil,
				"queued_at":          time.Now(),
			})
		if err != nil {
			return err
		}
		if released {
			if err := s.workers.AdjustExecutionCount(dbc, worker.ID, -1); err != nil {
				return err
			}
		}
		if !countFailure {
			return nil
		}
		wentOffline, err := s.workers.RecordPushFailure(dbc, worker.ID)
		if err != nil {
			return err
		}
		if wentOffline {
			if _, err := s.executions.RequeueAssignedTo(dbc, worker.ID); err != nil {
				return err
			}
			if err := s.workers.UpdateFields(dbc, worker.ID, map[string]interface{}{
				"current_execution_count": 0,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *dispatchService) Nudge(ctx context.Context) {
	s.Wake()
	if s.signals != nil {
		if err := s.signals.Publish(ctx, realtime.Signal{Kind: realtime.SignalDispatch}); err != nil {
			s.log.Debug("dispatch signal publish failed", "error", err)
		}
	}
}

func (s *dispatchService) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *dispatchService) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
			// Small jitter decorrelates instances woken by the same signal.
			time.Sleep(time.Duration(10+rand.Intn(10)) * time.Millisecond)
		}
		s.drain(ctx)
	}
}

func (s *dispatchService) drain(ctx context.Context) {
	for {
		dispatched, err := s.DispatchOnce(ctx)
		if err != nil {
			s.log.Error("dispatch pass failed", "error", err)
			return
		}
		if !dispatched {
			return
		}
	}
}

// NudgeForResume wakes dispatch after a parent resume, used by callers that
// hold a ParentResume but no dispatcher reference themselves.
func NudgeForResume(ctx context.Context, d DispatchService, resumes ...*ParentResume) {
	for _, r := range resumes {
		if r != nil && r.ExecutionID != uuid.Nil {
			d.Nudge(ctx)
			return
		}
	}
}
