package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
)

func TestScheduleRepoUpsertAndDue(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewScheduleRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	deployment := testutil.SeedDeployment(t, ctx, tx, project.ID)

	now := time.Now().UTC()
	due := now.Add(-1 * time.Minute)
	schedule, err := repo.Upsert(dbc, &types.Schedule{
		ProjectID:      project.ID,
		WorkflowID:     "wf_digest",
		Key:            "hourly",
		DeploymentID:   deployment.ID,
		CronExpression: "0 * * * *",
		NextRunAt:      &due,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if schedule == nil || schedule.Timezone != "UTC" || schedule.QueueName != types.DefaultQueueName {
		t.Fatalf("Upsert defaults: %+v", schedule)
	}

	// Re-registration with the same key replaces the cadence in place.
	later := now.Add(30 * time.Minute)
	replaced, err := repo.Upsert(dbc, &types.Schedule{
		ProjectID:      project.ID,
		WorkflowID:     "wf_digest",
		Key:            "hourly",
		DeploymentID:   deployment.ID,
		CronExpression: "*/30 * * * *",
		Timezone:       "America/New_York",
		NextRunAt:      &later,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("Upsert #2: %v", err)
	}
	if replaced.ID != schedule.ID || replaced.CronExpression != "*/30 * * * *" || replaced.Timezone != "America/New_York" {
		t.Fatalf("Upsert #2: %+v", replaced)
	}

	// Separate key under the same workflow is a distinct schedule.
	other, err := repo.Upsert(dbc, &types.Schedule{
		ProjectID:      project.ID,
		WorkflowID:     "wf_digest",
		Key:            "daily",
		DeploymentID:   deployment.ID,
		CronExpression: "0 0 * * *",
		NextRunAt:      &due,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("Upsert other: %v", err)
	}
	if other.ID == schedule.ID {
		t.Fatalf("distinct key should create a new row")
	}

	rows, err := repo.List(dbc, "wf_digest")
	if err != nil || len(rows) != 2 {
		t.Fatalf("List: len=%d err=%v", len(rows), err)
	}

	dueRows, err := repo.ListDue(dbc, now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(dueRows) != 1 || dueRows[0].ID != other.ID {
		t.Fatalf("ListDue: expected [%v], got %+v", other.ID, dueRows)
	}
}

func TestScheduleRepoMarkRunCAS(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewScheduleRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	deployment := testutil.SeedDeployment(t, ctx, tx, project.ID)

	now := time.Now().UTC().Truncate(time.Microsecond)
	due := now.Add(-1 * time.Minute)
	schedule, err := repo.Upsert(dbc, &types.Schedule{
		ProjectID:      project.ID,
		WorkflowID:     "wf",
		Key:            "k",
		DeploymentID:   deployment.ID,
		CronExpression: "* * * * *",
		NextRunAt:      &due,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	next := now.Add(1 * time.Minute)
	ok, err := repo.MarkRun(dbc, schedule.ID, &due, now, next)
	if err != nil || !ok {
		t.Fatalf("MarkRun: ok=%v err=%v", ok, err)
	}

	// A second firing against the already-consumed due time loses.
	ok, err = repo.MarkRun(dbc, schedule.ID, &due, now, next.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("MarkRun stale: %v", err)
	}
	if ok {
		t.Fatalf("MarkRun stale: expected CAS failure")
	}

	got, _ := repo.GetByID(dbc, schedule.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("next_run_at wrong: %+v", got.NextRunAt)
	}
	if got.LastRunAt == nil {
		t.Fatalf("last_run_at not set")
	}

	// Deleting removes it from the due scan.
	deleted, err := repo.Delete(dbc, schedule.ID)
	if err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	dueRows, err := repo.ListDue(dbc, now.Add(1*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDue after delete: %v", err)
	}
	if len(dueRows) != 0 {
		t.Fatalf("ListDue after delete: %+v", dueRows)
	}
}
