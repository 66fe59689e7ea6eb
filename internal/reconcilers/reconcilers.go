package reconcilers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/db"
	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/envutil"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
	"github.com/yungbote/agentflow/internal/push"
	"github.com/yungbote/agentflow/internal/services"
)

// Intervals groups every loop cadence. Zero values take the defaults; all
// are overridable through environment variables so a test deployment can run
// the loops hot.
type Intervals struct {
	StaleWorkers  time.Duration
	ExpiredWaits  time.Duration
	EventFallback time.Duration
	Subworkflows  time.Duration
	Triggers      time.Duration
	Schedules     time.Duration
	Timeouts      time.Duration
	PendingCancel time.Duration
	Retention     time.Duration
}

// IntervalsFromEnv reads the loop cadences with production defaults.
func IntervalsFromEnv() Intervals {
	return Intervals{
		StaleWorkers:  envutil.Duration("RECONCILE_STALE_WORKERS_INTERVAL", 60*time.Second),
		ExpiredWaits:  envutil.Duration("RECONCILE_EXPIRED_WAITS_INTERVAL", 5*time.Second),
		EventFallback: envutil.Duration("RECONCILE_EVENT_WAITS_INTERVAL", 2*time.Second),
		Subworkflows:  envutil.Duration("RECONCILE_SUBWORKFLOW_WAITS_INTERVAL", 10*time.Second),
		Triggers:      envutil.Duration("RECONCILE_TRIGGERS_INTERVAL", 2*time.Second),
		Schedules:     envutil.Duration("RECONCILE_SCHEDULES_INTERVAL", 5*time.Second),
		Timeouts:      envutil.Duration("RECONCILE_TIMEOUTS_INTERVAL", 30*time.Second),
		PendingCancel: envutil.Duration("RECONCILE_PENDING_CANCEL_INTERVAL", 5*time.Second),
		Retention:     envutil.Duration("RECONCILE_RETENTION_INTERVAL", time.Hour),
	}
}

// cancelConfirmGrace is how long a pending_cancel row may wait for the
// worker's confirmation before it is force-cancelled.
const cancelConfirmGrace = 2 * time.Minute

// Manager owns every background loop. One Manager runs per orchestrator
// instance; the loops coordinate across instances through row locks and CAS
// guards, so running them everywhere is safe.
type Manager struct {
	db  *gorm.DB
	log *logger.Logger

	executions  repos.ExecutionRepo
	waits       repos.WaitStepRepo
	stepOutputs repos.StepOutputRepo
	events      repos.EventRepo
	workers     repos.WorkerRepo

	execSvc     services.ExecutionService
	workerSvc   services.WorkerService
	eventSvc    services.EventService
	scheduleSvc services.ScheduleService
	dispatcher  services.DispatchService
	pusher      push.Client

	config           Intervals
	retentionMaxAge  time.Duration
	timeoutBatchSize int
}

func NewManager(
	gdb *gorm.DB,
	baseLog *logger.Logger,
	executions repos.ExecutionRepo,
	waits repos.WaitStepRepo,
	stepOutputs repos.StepOutputRepo,
	events repos.EventRepo,
	workers repos.WorkerRepo,
	execSvc services.ExecutionService,
	workerSvc services.WorkerService,
	eventSvc services.EventService,
	scheduleSvc services.ScheduleService,
	dispatcher services.DispatchService,
	pusher push.Client,
) *Manager {
	return &Manager{
		db:               gdb,
		log:              baseLog.With("component", "Reconcilers"),
		executions:       executions,
		waits:            waits,
		stepOutputs:      stepOutputs,
		events:           events,
		workers:          workers,
		execSvc:          execSvc,
		workerSvc:        workerSvc,
		eventSvc:         eventSvc,
		scheduleSvc:      scheduleSvc,
		dispatcher:       dispatcher,
		pusher:           pusher,
		config:           IntervalsFromEnv(),
		retentionMaxAge:  envutil.Duration("EXECUTION_RETENTION_AGE", 7*24*time.Hour),
		timeoutBatchSize: envutil.Int("RECONCILE_TIMEOUT_BATCH", 100),
	}
}

// Start launches every loop and blocks until ctx is cancelled. Individual
// pass failures are logged and retried on the next tick; only ctx
// cancellation stops a loop.
func (m *Manager) Start(ctx context.Context) error {
	ctx = scope.Admin(ctx)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.dispatcher.Run(ctx)
		return nil
	})
	g.Go(func() error { return m.loop(ctx, "stale_workers", m.config.StaleWorkers, m.staleWorkersPass) })
	g.Go(func() error { return m.loop(ctx, "expired_waits", m.config.ExpiredWaits, m.expiredWaitsPass) })
	g.Go(func() error { return m.loop(ctx, "event_waits", m.config.EventFallback, m.eventWaitsPass) })
	g.Go(func() error { return m.loop(ctx, "subworkflow_waits", m.config.Subworkflows, m.subworkflowWaitsPass) })
	g.Go(func() error { return m.loop(ctx, "event_triggers", m.config.Triggers, m.triggersPass) })
	g.Go(func() error { return m.loop(ctx, "schedules", m.config.Schedules, m.schedulesPass) })
	g.Go(func() error { return m.loop(ctx, "timeouts", m.config.Timeouts, m.timeoutsPass) })
	g.Go(func() error { return m.loop(ctx, "pending_cancel", m.config.PendingCancel, m.pendingCancelPass) })
	g.Go(func() error { return m.loop(ctx, "retention", m.config.Retention, m.retentionPass) })

	return g.Wait()
}

func (m *Manager) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				m.log.Error("reconcile pass failed", "loop", name, "error", err)
			}
		}
	}
}

func (m *Manager) staleWorkersPass(ctx context.Context) error {
	requeued, err := m.workerSvc.StaleSweep(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		m.log.Info("requeued executions from stale workers", "count", requeued)
		m.dispatcher.Nudge(ctx)
	}
	return nil
}

func (m *Manager) expiredWaitsPass(ctx context.Context) error {
	woke := false
	for {
		processed, resume, err := m.execSvc.ResumeExpiredWaitOnce(ctx)
		if err != nil {
			return err
		}
		if !processed {
			break
		}
		if resume != nil {
			woke = true
		}
	}
	if woke {
		m.dispatcher.Nudge(ctx)
	}
	return nil
}

func (m *Manager) eventWaitsPass(ctx context.Context) error {
	resumes, err := m.execSvc.SweepEventWaits(ctx, 200)
	if err != nil {
		return err
	}
	if len(resumes) > 0 {
		m.dispatcher.Nudge(ctx)
	}
	return nil
}

func (m *Manager) subworkflowWaitsPass(ctx context.Context) error {
	resumes, err := m.execSvc.SweepSubworkflowWaits(ctx, 200)
	if err != nil {
		return err
	}
	if len(resumes) > 0 {
		m.dispatcher.Nudge(ctx)
	}
	return nil
}

func (m *Manager) triggersPass(ctx context.Context) error {
	fired, err := m.eventSvc.ProcessTriggersOnce(ctx)
	if err != nil {
		return err
	}
	if fired > 0 {
		m.dispatcher.Nudge(ctx)
	}
	return nil
}

func (m *Manager) schedulesPass(ctx context.Context) error {
	fired, err := m.scheduleSvc.FireDueOnce(ctx)
	if err != nil {
		return err
	}
	if fired > 0 {
		m.dispatcher.Nudge(ctx)
	}
	return nil
}

// timeoutsPass cancels executions running past their deadline. The cancel
// cascade marks the rows; the push fan-out here asks the workers to actually
// stop.
func (m *Manager) timeoutsPass(ctx context.Context) error {
	var overdue []*types.Execution
	err := db.WithAdminTx(ctx, m.db, func(tx *gorm.DB) error {
		var err error
		overdue, err = m.executions.ListRunningPastDeadline(dbctx.Context{Ctx: ctx, Tx: tx}, m.timeoutBatchSize)
		return err
	})
	if err != nil {
		return err
	}
	for _, exec := range overdue {
		m.log.Warn("execution exceeded run timeout",
			"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "timeout_seconds", exec.RunTimeoutSeconds)
		result, err := m.execSvc.Cancel(ctx, exec.ID, "timeout")
		if err != nil {
			m.log.Error("timeout cancel failed", "execution_id", exec.ID, "error", err)
			continue
		}
		m.fanOutCancels(ctx, result.Targets)
	}
	return nil
}

// pendingCancelPass chases unconfirmed cancellations: re-push the cancel to
// the assigned worker, and force the terminal state when the worker is gone
// or the grace period lapsed.
func (m *Manager) pendingCancelPass(ctx context.Context) error {
	var pending []*types.Execution
	err := db.WithAdminTx(ctx, m.db, func(tx *gorm.DB) error {
		var err error
		pending, err = m.executions.ListPendingCancelOlderThan(dbctx.Context{Ctx: ctx, Tx: tx}, time.Now().Add(-m.config.PendingCancel), 100)
		return err
	})
	if err != nil {
		return err
	}
	for _, exec := range pending {
		if exec.CancelledAt != nil && time.Since(*exec.CancelledAt) > cancelConfirmGrace {
			if err := m.execSvc.MarkCancelled(ctx, exec.ID); err != nil {
				m.log.Error("force cancel failed", "execution_id", exec.ID, "error", err)
			}
			continue
		}
		if exec.AssignedToWorker == nil {
			if err := m.execSvc.MarkCancelled(ctx, exec.ID); err != nil {
				m.log.Error("force cancel failed", "execution_id", exec.ID, "error", err)
			}
			continue
		}

		var worker *types.Worker
		err := db.WithAdminTx(ctx, m.db, func(tx *gorm.DB) error {
			var err error
			worker, err = m.workers.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, *exec.AssignedToWorker)
			return err
		})
		if err != nil {
			return err
		}
		if worker == nil || worker.PushEndpointURL == "" {
			if err := m.execSvc.MarkCancelled(ctx, exec.ID); err != nil {
				m.log.Error("force cancel failed", "execution_id", exec.ID, "error", err)
			}
			continue
		}

		gone, pushErr := m.pusher.Cancel(ctx, worker, exec.ID)
		if gone {
			if err := m.execSvc.MarkCancelled(ctx, exec.ID); err != nil {
				m.log.Error("force cancel failed", "execution_id", exec.ID, "error", err)
			}
			continue
		}
		if pushErr != nil {
			m.log.Warn("cancel push failed", "execution_id", exec.ID, "worker_id", worker.ID, "error", pushErr)
		}
	}
	return nil
}

func (m *Manager) fanOutCancels(ctx context.Context, targets []services.CancelTarget) {
	for _, target := range targets {
		gone, err := m.pusher.Cancel(ctx, target.Worker, target.ExecutionID)
		if err != nil {
			m.log.Warn("cancel push failed", "execution_id", target.ExecutionID, "error", err)
			continue
		}
		if gone {
			if err := m.execSvc.MarkCancelled(ctx, target.ExecutionID); err != nil {
				m.log.Error("force cancel failed", "execution_id", target.ExecutionID, "error", err)
			}
		}
	}
}

// retentionPass garbage-collects terminal execution trees past the
// retention age: the tree's waits, step outputs and non-durable events go
// with the rows.
func (m *Manager) retentionPass(ctx context.Context) error {
	return db.WithAdminTx(ctx, m.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		cutoff := time.Now().Add(-m.retentionMaxAge)
		roots, err := m.executions.ListTerminalIDsBefore(dbc, cutoff, 500)
		if err != nil || len(roots) == 0 {
			return err
		}

		ids := append([]uuid.UUID{}, roots...)
		for _, root := range roots {
			descendants, err := m.executions.ListDescendantIDs(dbc, root, 100)
			if err != nil {
				return err
			}
			ids = append(ids, descendants...)
		}

		if _, err := m.waits.DeleteByExecutionIDs(dbc, ids); err != nil {
			return err
		}
		if _, err := m.stepOutputs.DeleteByExecutionIDs(dbc, ids); err != nil {
			return err
		}
		if _, err := m.events.DeleteByExecutionIDs(dbc, ids); err != nil {
			return err
		}
		deleted, err := m.executions.DeleteByIDs(dbc, ids)
		if err != nil {
			return err
		}
		m.log.Info("retention pass deleted executions", "count", deleted)
		return nil
	})
}
