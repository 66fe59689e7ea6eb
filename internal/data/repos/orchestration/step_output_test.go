package orchestration

import (
	"context"
	"testing"

	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
)

func TestStepOutputRepoUpsert(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewStepOutputRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	deployment := testutil.SeedDeployment(t, ctx, tx, project.ID)
	exec := testutil.SeedExecution(t, ctx, tx, project.ID, deployment.ID, types.ExecutionRunning)

	first, err := repo.Upsert(dbc, &types.StepOutput{
		ProjectID:   project.ID,
		ExecutionID: exec.ID,
		StepKey:     "fetch",
		Outputs:     datatypes.JSON([]byte(`{"status":"draft"}`)),
		Success:     true,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if first == nil || string(first.Outputs) != `{"status":"draft"}` {
		t.Fatalf("Upsert: %+v", first)
	}

	// A replayed step overwrites its memo in place.
	second, err := repo.Upsert(dbc, &types.StepOutput{
		ProjectID:   project.ID,
		ExecutionID: exec.ID,
		StepKey:     "fetch",
		Outputs:     datatypes.JSON([]byte(`{"status":"final"}`)),
		Success:     true,
	})
	if err != nil {
		t.Fatalf("Upsert #2: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("Upsert #2 should reuse the row: %v vs %v", second.ID, first.ID)
	}
	if string(second.Outputs) != `{"status":"final"}` {
		t.Fatalf("Upsert #2 should overwrite: %s", second.Outputs)
	}

	if _, err := repo.Upsert(dbc, &types.StepOutput{
		ProjectID:   project.ID,
		ExecutionID: exec.ID,
		StepKey:     "classify",
		Error:       testutil.PtrStr("model refused"),
		Success:     false,
	}); err != nil {
		t.Fatalf("Upsert failed step: %v", err)
	}

	rows, err := repo.ListByExecution(dbc, exec.ID)
	if err != nil {
		t.Fatalf("ListByExecution: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ListByExecution: expected 2, got %d", len(rows))
	}

	got, err := repo.GetByExecutionAndStep(dbc, exec.ID, "classify")
	if err != nil || got == nil {
		t.Fatalf("GetByExecutionAndStep: %v", err)
	}
	if got.Success || got.Error == nil || *got.Error != "model refused" {
		t.Fatalf("GetByExecutionAndStep: %+v", got)
	}
}
