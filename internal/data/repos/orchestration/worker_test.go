package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
)

func TestWorkerRepoRegisterAndHeartbeat(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewWorkerRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	deployment := testutil.SeedDeployment(t, ctx, tx, project.ID)

	worker := &types.Worker{
		ID:                      uuid.New(),
		ProjectID:               project.ID,
		CurrentDeploymentID:     deployment.ID,
		Mode:                    types.WorkerModePush,
		PushEndpointURL:         "http://127.0.0.1:8100",
		MaxConcurrentExecutions: 4,
	}
	registered, err := repo.Upsert(dbc, worker)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if registered.Status != types.WorkerStatusOnline || registered.LastHeartbeat == nil {
		t.Fatalf("Upsert: registration should come online: %+v", registered)
	}

	// Drive the worker offline with push failures, then re-register with the
	// same id: failures reset, worker back online.
	if err := repo.UpdateFields(dbc, worker.ID, map[string]interface{}{
		"status":             types.WorkerStatusOffline,
		"push_failure_count": 3,
	}); err != nil {
		t.Fatalf("force offline: %v", err)
	}
	reregistered, err := repo.Upsert(dbc, &types.Worker{
		ID:                      worker.ID,
		ProjectID:               project.ID,
		CurrentDeploymentID:     deployment.ID,
		Mode:                    types.WorkerModePush,
		PushEndpointURL:         "http://127.0.0.1:8200",
		MaxConcurrentExecutions: 8,
	})
	if err != nil {
		t.Fatalf("Upsert #2: %v", err)
	}
	got, err := repo.GetByID(dbc, worker.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.WorkerStatusOnline || got.PushFailureCount != 0 {
		t.Fatalf("re-register should reset failure state: %+v", got)
	}
	if got.PushEndpointURL != "http://127.0.0.1:8200" || got.MaxConcurrentExecutions != 8 {
		t.Fatalf("re-register should adopt new settings: %+v", got)
	}
	_ = reregistered

	// Heartbeat adopts the reported execution count and revives offline
	// workers.
	if _, err := repo.MarkOffline(dbc, worker.ID); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	count := 3
	ok, err := repo.Heartbeat(dbc, worker.ID, &count)
	if err != nil || !ok {
		t.Fatalf("Heartbeat: ok=%v err=%v", ok, err)
	}
	got, _ = repo.GetByID(dbc, worker.ID)
	if got.Status != types.WorkerStatusOnline || got.CurrentExecutionCount != 3 {
		t.Fatalf("Heartbeat state: %+v", got)
	}

	ok, err = repo.Heartbeat(dbc, uuid.New(), nil)
	if err != nil {
		t.Fatalf("Heartbeat unknown: %v", err)
	}
	if ok {
		t.Fatalf("Heartbeat unknown: expected no rows")
	}
}

func TestWorkerRepoPickForDispatch(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewWorkerRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	deployment := testutil.SeedDeployment(t, ctx, tx, project.ID)

	loaded := testutil.SeedWorker(t, ctx, tx, project.ID, deployment.ID)
	if err := repo.UpdateFields(dbc, loaded.ID, map[string]interface{}{"current_execution_count": 1}); err != nil {
		t.Fatalf("load worker: %v", err)
	}
	idle := testutil.SeedWorker(t, ctx, tx, project.ID, deployment.ID)

	picked, err := repo.PickForDispatch(dbc, deployment.ID, project.ID)
	if err != nil {
		t.Fatalf("PickForDispatch: %v", err)
	}
	if picked == nil || picked.ID != idle.ID {
		t.Fatalf("PickForDispatch: expected idle worker %v, got %+v", idle.ID, picked)
	}

	// Saturate both: nothing to pick.
	for _, id := range []uuid.UUID{loaded.ID, idle.ID} {
		if err := repo.UpdateFields(dbc, id, map[string]interface{}{"current_execution_count": 2}); err != nil {
			t.Fatalf("saturate: %v", err)
		}
	}
	picked, err = repo.PickForDispatch(dbc, deployment.ID, project.ID)
	if err != nil {
		t.Fatalf("PickForDispatch saturated: %v", err)
	}
	if picked != nil {
		t.Fatalf("PickForDispatch saturated: expected nil, got %v", picked.ID)
	}
}

func TestWorkerRepoPushFailureThreshold(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewWorkerRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	deployment := testutil.SeedDeployment(t, ctx, tx, project.ID)
	worker := testutil.SeedWorker(t, ctx, tx, project.ID, deployment.ID)

	for i := 0; i < 2; i++ {
		offline, err := repo.RecordPushFailure(dbc, worker.ID)
		if err != nil {
			t.Fatalf("RecordPushFailure #%d: %v", i+1, err)
		}
		if offline {
			t.Fatalf("RecordPushFailure #%d: offline too early", i+1)
		}
	}
	offline, err := repo.RecordPushFailure(dbc, worker.ID)
	if err != nil {
		t.Fatalf("RecordPushFailure #3: %v", err)
	}
	if !offline {
		t.Fatalf("RecordPushFailure #3: expected threshold crossing")
	}
	got, _ := repo.GetByID(dbc, worker.ID)
	if got.Status != types.WorkerStatusOffline {
		t.Fatalf("worker should be offline: %+v", got)
	}

	// A success resets the counter.
	if err := repo.UpdateFields(dbc, worker.ID, map[string]interface{}{"status": types.WorkerStatusOnline}); err != nil {
		t.Fatalf("revive: %v", err)
	}
	if err := repo.RecordPushSuccess(dbc, worker.ID); err != nil {
		t.Fatalf("RecordPushSuccess: %v", err)
	}
	got, _ = repo.GetByID(dbc, worker.ID)
	if got.PushFailureCount != 0 {
		t.Fatalf("push failure count should reset: %+v", got)
	}
}

func TestWorkerRepoStaleAndCounts(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewWorkerRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	deployment := testutil.SeedDeployment(t, ctx, tx, project.ID)

	now := time.Now().UTC()
	stale := testutil.SeedWorker(t, ctx, tx, project.ID, deployment.ID)
	if err := repo.UpdateFields(dbc, stale.ID, map[string]interface{}{"last_heartbeat": now.Add(-5 * time.Minute)}); err != nil {
		t.Fatalf("age stale: %v", err)
	}
	fresh := testutil.SeedWorker(t, ctx, tx, project.ID, deployment.ID)
	_ = fresh

	rows, err := repo.ListStale(dbc, now.Add(-2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != stale.ID {
		t.Fatalf("ListStale: expected [%v], got %+v", stale.ID, rows)
	}

	// AdjustExecutionCount floors at zero.
	if err := repo.AdjustExecutionCount(dbc, stale.ID, -5); err != nil {
		t.Fatalf("AdjustExecutionCount: %v", err)
	}
	got, _ := repo.GetByID(dbc, stale.ID)
	if got.CurrentExecutionCount != 0 {
		t.Fatalf("count should floor at 0: %+v", got)
	}
	if err := repo.AdjustExecutionCount(dbc, stale.ID, 2); err != nil {
		t.Fatalf("AdjustExecutionCount +2: %v", err)
	}
	got, _ = repo.GetByID(dbc, stale.ID)
	if got.CurrentExecutionCount != 2 {
		t.Fatalf("count should be 2: %+v", got)
	}
}
