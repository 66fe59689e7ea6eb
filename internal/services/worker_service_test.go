package services

import (
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
)

func TestRegisterValidation(t *testing.T) {
	h, ctx := newHarness(t)

	_, err := h.workerSvc.Register(ctx, RegisterWorkerParams{Mode: "sideways"})
	assertCode(t, err, apierr.CodeBadRequest)

	// Push is the default mode, and push workers need an endpoint.
	_, err = h.workerSvc.Register(ctx, RegisterWorkerParams{})
	assertCode(t, err, apierr.CodeBadRequest)

	bogus := uuid.New()
	_, err = h.workerSvc.Register(ctx, RegisterWorkerParams{
		Mode:         types.WorkerModePull,
		DeploymentID: &bogus,
	})
	assertCode(t, err, apierr.CodeBadRequest)
}

func TestRegisterDefaultsAndOnline(t *testing.T) {
	h, ctx := newHarness(t)

	worker, err := h.workerSvc.Register(ctx, RegisterWorkerParams{
		Mode:            types.WorkerModePush,
		PushEndpointURL: "http://127.0.0.1:8100",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if worker.CurrentDeploymentID != h.deployment.ID {
		t.Fatal("unnamed registration should bind the latest deployment")
	}
	if worker.Status != types.WorkerStatusOffline {
		t.Fatalf("workers start offline, got %s", worker.Status)
	}
	if worker.MaxConcurrentExecutions != 1 {
		t.Fatalf("capacity should default to 1, got %d", worker.MaxConcurrentExecutions)
	}

	online, err := h.workerSvc.Online(ctx, worker.ID)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if online.Status != types.WorkerStatusOnline || online.LastHeartbeat == nil {
		t.Fatalf("online should refresh status and heartbeat: %+v", online)
	}
}

func TestRegisterRevivesSameRow(t *testing.T) {
	h, ctx := newHarness(t)

	id := uuid.New()
	first, err := h.workerSvc.Register(ctx, RegisterWorkerParams{
		WorkerID:        &id,
		Mode:            types.WorkerModePush,
		PushEndpointURL: "http://127.0.0.1:8100",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := h.workerSvc.Register(ctx, RegisterWorkerParams{
		WorkerID:                &id,
		Mode:                    types.WorkerModePush,
		PushEndpointURL:         "http://127.0.0.1:8200",
		MaxConcurrentExecutions: 4,
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("re-registration should revive the same row")
	}
	got := h.getWorker(t, id)
	if got.PushEndpointURL != "http://127.0.0.1:8200" || got.MaxConcurrentExecutions != 4 {
		t.Fatalf("re-registration should overwrite config: %+v", got)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	h, ctx := newHarness(t)

	result, err := h.workerSvc.Heartbeat(ctx, HeartbeatParams{WorkerID: uuid.New()})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !result.ReRegister {
		t.Fatal("unknown worker should be told to re-register")
	}
}

func TestHeartbeatReconcilesDriftedCount(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 4)

	// Counter drifted: claims to be running 3, actually running nothing.
	if err := h.db.Model(&types.Worker{}).Where("id = ?", worker.ID).
		Update("current_execution_count", 3).Error; err != nil {
		t.Fatalf("seed drift: %v", err)
	}

	result, err := h.workerSvc.Heartbeat(ctx, HeartbeatParams{WorkerID: worker.ID})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.ReRegister {
		t.Fatal("known worker should not re-register")
	}
	if got := h.getWorker(t, worker.ID); got.CurrentExecutionCount != 0 {
		t.Fatalf("heartbeat should reconcile the counter, got %d", got.CurrentExecutionCount)
	}
}

func TestPollClaimsQueuedFIFO(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)

	first, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "jobs"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "jobs"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	claimed, err := h.workerSvc.Poll(ctx, worker.ID, time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("oldest submission should be claimed first, got %+v", claimed)
	}
	if claimed.Status != types.ExecutionClaimed {
		t.Fatalf("expected claimed, got %s", claimed.Status)
	}
	if w := h.getWorker(t, worker.ID); w.CurrentExecutionCount != 1 {
		t.Fatalf("claim should take a slot, count=%d", w.CurrentExecutionCount)
	}

	// At capacity, the second queued run stays put.
	idle, err := h.workerSvc.Poll(ctx, worker.ID, time.Millisecond)
	if err != nil {
		t.Fatalf("poll at capacity: %v", err)
	}
	if idle != nil {
		t.Fatalf("full worker should claim nothing, got %s", idle.ID)
	}

	if err := h.workerSvc.StartExecution(ctx, claimed.ID, worker.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.getExecution(t, claimed.ID); got.Status != types.ExecutionRunning || got.StartedAt == nil {
		t.Fatalf("start should flip to running: %+v", got)
	}
	// Duplicate start confirmations are a no-op.
	if err := h.workerSvc.StartExecution(ctx, claimed.ID, worker.ID); err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
}

func TestStartExecutionRejectsWrongWorker(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "jobs"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := h.workerSvc.Poll(ctx, worker.ID, time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("poll: %v %v", claimed, err)
	}

	err = h.workerSvc.StartExecution(ctx, exec.ID, uuid.New())
	assertCode(t, err, apierr.CodeConflict)
}

func TestDeregisterRequeuesAssignments(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "jobs"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.forceRunning(t, exec.ID, worker.ID)

	if err := h.workerSvc.Deregister(ctx, worker.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	_, err = h.workerSvc.Get(ctx, worker.ID)
	assertCode(t, err, apierr.CodeNotFound)

	got := h.getExecution(t, exec.ID)
	if got.Status != types.ExecutionQueued {
		t.Fatalf("orphaned run should requeue, got %s", got.Status)
	}
	if got.AssignedToWorker != nil {
		t.Fatal("requeue should clear the assignment")
	}
}

func TestStaleSweepReclaimsDeadWorker(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "jobs"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.forceRunning(t, exec.ID, worker.ID)

	lapsed := time.Now().Add(-5 * time.Minute)
	if err := h.db.Model(&types.Worker{}).Where("id = ?", worker.ID).
		Update("last_heartbeat", lapsed).Error; err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	requeued, err := h.workerSvc.StaleSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued < 1 {
		t.Fatalf("expected at least one requeue, got %d", requeued)
	}

	if got := h.getWorker(t, worker.ID); got.Status != types.WorkerStatusOffline {
		t.Fatalf("lapsed worker should go offline, got %s", got.Status)
	}
	if got := h.getExecution(t, exec.ID); got.Status != types.ExecutionQueued {
		t.Fatalf("its execution should requeue, got %s", got.Status)
	}

	// Still silent on the next sweep: the offline row is purged.
	if _, err := h.workerSvc.StaleSweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	var count int64
	if err := h.db.Model(&types.Worker{}).Where("id = ?", worker.ID).Count(&count).Error; err != nil {
		t.Fatalf("count worker: %v", err)
	}
	if count != 0 {
		t.Fatal("long-silent offline worker should be deleted")
	}
}

func TestStaleSweepIgnoresFreshHeartbeat(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)

	// Silent for one minute: within the two-minute grace, nothing happens.
	recent := time.Now().Add(-time.Minute)
	if err := h.db.Model(&types.Worker{}).Where("id = ?", worker.ID).
		Update("last_heartbeat", recent).Error; err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	if _, err := h.workerSvc.StaleSweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := h.getWorker(t, worker.ID); got.Status != types.WorkerStatusOnline {
		t.Fatalf("worker inside the heartbeat grace must stay online, got %s", got.Status)
	}
}
