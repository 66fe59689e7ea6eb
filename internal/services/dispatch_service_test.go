package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/push"
)

// fakePusher scripts push outcomes without a worker process on the other
// end.
type fakePusher struct {
	mu            sync.Mutex
	outcome       push.Outcome
	executed      []uuid.UUID
	rootWorkflows []string
}

func (f *fakePusher) Execute(_ context.Context, _ *types.Worker, payload *push.ExecutePayload) (push.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, payload.Execution.ID)
	f.rootWorkflows = append(f.rootWorkflows, payload.RootWorkflowID)
	return f.outcome, nil
}

func (f *fakePusher) Cancel(_ context.Context, _ *types.Worker, _ uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func newDispatcher(t *testing.T, h *harness, pusher push.Client) DispatchService {
	t.Helper()
	return NewDispatchService(h.db, testutil.Logger(t), h.executions, h.workers, pusher, nil)
}

func TestDispatchDeliversAndStarts(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)
	pusher := &fakePusher{outcome: push.Delivered}
	dispatcher := newDispatcher(t, h, pusher)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "ingest"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	dispatched, err := dispatcher.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !dispatched {
		t.Fatal("queued work and free capacity should dispatch")
	}
	if pusher.count() != 1 {
		t.Fatalf("expected one push, got %d", pusher.count())
	}

	got := h.getExecution(t, exec.ID)
	if got.Status != types.ExecutionRunning {
		t.Fatalf("delivered push should flip to running, got %s", got.Status)
	}
	if got.AssignedToWorker == nil || *got.AssignedToWorker != worker.ID {
		t.Fatal("assignment should stick")
	}
	if w := h.getWorker(t, worker.ID); w.CurrentExecutionCount != 1 {
		t.Fatalf("slot should be held, count=%d", w.CurrentExecutionCount)
	}

	// Nothing left: the next pass is a no-op.
	dispatched, err = dispatcher.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if dispatched {
		t.Fatal("empty queue should not dispatch")
	}
}

func TestDispatchChildCarriesRootWorkflow(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 2)
	pusher := &fakePusher{outcome: push.Delivered}
	dispatcher := newDispatcher(t, h, pusher)

	parent, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "pipeline"})
	if err != nil {
		t.Fatalf("submit parent: %v", err)
	}
	h.forceRunning(t, parent.ID, worker.ID)

	stepKey := "transform"
	child, err := h.execSvc.Submit(ctx, SubmitParams{
		WorkflowID:        "transform-step",
		ParentExecutionID: &parent.ID,
		StepKey:           &stepKey,
	})
	if err != nil {
		t.Fatalf("submit child: %v", err)
	}

	dispatched, err := dispatcher.DispatchOnce(ctx)
	if err != nil || !dispatched {
		t.Fatalf("dispatch: %v %v", dispatched, err)
	}

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if len(pusher.executed) != 1 || pusher.executed[0] != child.ID {
		t.Fatalf("only the queued child is placeable, got %v", pusher.executed)
	}
	if pusher.rootWorkflows[0] != "pipeline" {
		t.Fatalf("push payload must carry the tree root's workflow id, got %q", pusher.rootWorkflows[0])
	}
}

func TestDispatchOverloadedReleasesWithoutBlame(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)
	pusher := &fakePusher{outcome: push.Overloaded}
	dispatcher := newDispatcher(t, h, pusher)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "ingest"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	dispatched, err := dispatcher.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if dispatched {
		t.Fatal("a 429 is not a delivery")
	}

	got := h.getExecution(t, exec.ID)
	if got.Status != types.ExecutionQueued || got.AssignedToWorker != nil {
		t.Fatalf("claim should be rolled back: %+v", got)
	}
	w := h.getWorker(t, worker.ID)
	if w.CurrentExecutionCount != 0 {
		t.Fatalf("slot should be returned, count=%d", w.CurrentExecutionCount)
	}
	if w.PushFailureCount != 0 {
		t.Fatal("backpressure must not count as a push failure")
	}
}

func TestDispatchFailureTakesWorkerOffline(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)
	pusher := &fakePusher{outcome: push.Failed}
	dispatcher := newDispatcher(t, h, pusher)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "ingest"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Threshold is 3: each failed pass requeues the execution and charges
	// the worker until it goes offline.
	for i := 0; i < 3; i++ {
		if _, err := dispatcher.DispatchOnce(ctx); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	w := h.getWorker(t, worker.ID)
	if w.Status != types.WorkerStatusOffline {
		t.Fatalf("threshold crossed, worker should be offline, got %s", w.Status)
	}
	if got := h.getExecution(t, exec.ID); got.Status != types.ExecutionQueued {
		t.Fatalf("execution should survive the failures queued, got %s", got.Status)
	}

	// With its only worker offline, nothing is placeable.
	dispatched, err := dispatcher.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if dispatched {
		t.Fatal("offline workers must not receive work")
	}
}

func TestDispatchHonorsQueueConcurrencyLimit(t *testing.T) {
	h, ctx := newHarness(t)
	h.seedWorker(t, 10)
	pusher := &fakePusher{outcome: push.Delivered}
	dispatcher := newDispatcher(t, h, pusher)

	limit := 1
	for i := 0; i < 2; i++ {
		if _, err := h.execSvc.Submit(ctx, SubmitParams{
			WorkflowID:       "capped",
			ConcurrencyLimit: &limit,
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	dispatched, err := dispatcher.DispatchOnce(ctx)
	if err != nil || !dispatched {
		t.Fatalf("first dispatch: %v %v", dispatched, err)
	}
	dispatched, err = dispatcher.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if dispatched {
		t.Fatal("queue at its limit should hold the second run back")
	}
	if pusher.count() != 1 {
		t.Fatalf("expected one push, got %d", pusher.count())
	}
}
