package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/repos"
	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/scope"
)

// harness wires the full service graph against the TEST_POSTGRES_DSN
// database. Services manage their own transactions, so isolation comes from
// a per-test project deleted at cleanup rather than a rolled-back tx.
type harness struct {
	db         *gorm.DB
	project    *types.Project
	deployment *types.Deployment

	executions  repos.ExecutionRepo
	workers     repos.WorkerRepo
	queues      repos.QueueRepo
	waits       repos.WaitStepRepo
	stepOutputs repos.StepOutputRepo
	events      repos.EventRepo
	triggers    repos.EventTriggerRepo
	schedules   repos.ScheduleRepo
	deployments repos.DeploymentRepo

	execSvc     ExecutionService
	workerSvc   WorkerService
	eventSvc    EventService
	scheduleSvc ScheduleService
}

func newHarness(t *testing.T) (*harness, context.Context) {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)

	project := &types.Project{ID: uuid.New(), Name: fmt.Sprintf("svc-test-%s", uuid.NewString()[:8])}
	if err := gdb.Create(project).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	deployment := &types.Deployment{ID: uuid.New(), ProjectID: project.ID, Name: "dep"}
	if err := gdb.Create(deployment).Error; err != nil {
		t.Fatalf("seed deployment: %v", err)
	}

	t.Cleanup(func() {
		for _, stmt := range []string{
			`DELETE FROM step_outputs WHERE project_id = ?`,
			`DELETE FROM wait_steps WHERE project_id = ?`,
			`DELETE FROM events WHERE project_id = ?`,
			`DELETE FROM event_topics WHERE project_id = ?`,
			`DELETE FROM event_triggers WHERE project_id = ?`,
			`DELETE FROM schedules WHERE project_id = ?`,
			`DELETE FROM workflow_executions WHERE project_id = ?`,
			`DELETE FROM queues WHERE project_id = ?`,
			`DELETE FROM workers WHERE project_id = ?`,
			`DELETE FROM deployment_workflows WHERE project_id = ?`,
			`DELETE FROM agent_definitions WHERE project_id = ?`,
			`DELETE FROM tool_definitions WHERE project_id = ?`,
			`DELETE FROM deployments WHERE project_id = ?`,
			`DELETE FROM api_keys WHERE project_id = ?`,
			`DELETE FROM projects WHERE id = ?`,
		} {
			if err := gdb.Exec(stmt, project.ID).Error; err != nil {
				t.Logf("cleanup %q: %v", stmt, err)
			}
		}
	})

	h := &harness{
		db:          gdb,
		project:     project,
		deployment:  deployment,
		executions:  repos.NewExecutionRepo(gdb, log),
		workers:     repos.NewWorkerRepo(gdb, log),
		queues:      repos.NewQueueRepo(gdb, log),
		waits:       repos.NewWaitStepRepo(gdb, log),
		stepOutputs: repos.NewStepOutputRepo(gdb, log),
		events:      repos.NewEventRepo(gdb, log),
		triggers:    repos.NewEventTriggerRepo(gdb, log),
		schedules:   repos.NewScheduleRepo(gdb, log),
		deployments: repos.NewDeploymentRepo(gdb, log),
	}
	h.execSvc = NewExecutionService(gdb, log, h.executions, h.queues, h.workers, h.waits, h.stepOutputs, h.events, h.deployments)
	h.workerSvc = NewWorkerService(gdb, log, h.workers, h.executions, h.deployments)
	h.eventSvc = NewEventService(gdb, log, h.events, h.waits, h.executions, h.workers, h.queues, h.stepOutputs, h.triggers, h.deployments, h.execSvc, nil)
	h.scheduleSvc = NewScheduleService(gdb, log, h.schedules, h.executions, h.deployments, h.execSvc)

	ctx := scope.WithScope(context.Background(), &scope.Scope{ProjectID: project.ID})
	return h, ctx
}

// seedWorker creates an online push worker.
func (h *harness) seedWorker(t *testing.T, capacity int) *types.Worker {
	t.Helper()
	now := time.Now().UTC()
	w := &types.Worker{
		ID:                      uuid.New(),
		ProjectID:               h.project.ID,
		CurrentDeploymentID:     h.deployment.ID,
		Mode:                    types.WorkerModePush,
		PushEndpointURL:         "http://127.0.0.1:9999",
		MaxConcurrentExecutions: capacity,
		Status:                  types.WorkerStatusOnline,
		LastHeartbeat:           &now,
		PushFailureThreshold:    3,
	}
	if err := h.db.Create(w).Error; err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	return w
}

// forceRunning moves an execution into running assigned to the given worker,
// bypassing the dispatcher.
func (h *harness) forceRunning(t *testing.T, executionID, workerID uuid.UUID) {
	t.Helper()
	now := time.Now().UTC()
	err := h.db.Model(&types.Execution{}).Where("id = ?", executionID).Updates(map[string]interface{}{
		"status":             types.ExecutionRunning,
		"assigned_to_worker": workerID,
		"assigned_at":        now,
		"claimed_at":         now,
		"started_at":         now,
	}).Error
	if err != nil {
		t.Fatalf("force running: %v", err)
	}
	if err := h.db.Model(&types.Worker{}).Where("id = ?", workerID).
		Update("current_execution_count", gorm.Expr("current_execution_count + 1")).Error; err != nil {
		t.Fatalf("bump worker count: %v", err)
	}
}

func (h *harness) getExecution(t *testing.T, id uuid.UUID) *types.Execution {
	t.Helper()
	var exec types.Execution
	if err := h.db.First(&exec, "id = ?", id).Error; err != nil {
		t.Fatalf("load execution %s: %v", id, err)
	}
	return &exec
}

func (h *harness) getWorker(t *testing.T, id uuid.UUID) *types.Worker {
	t.Helper()
	var w types.Worker
	if err := h.db.First(&w, "id = ?", id).Error; err != nil {
		t.Fatalf("load worker %s: %v", id, err)
	}
	return &w
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
	if ae.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, ae.Code, err)
	}
}
