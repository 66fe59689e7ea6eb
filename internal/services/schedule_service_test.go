package services

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
)

func TestScheduleUpsertValidation(t *testing.T) {
	h, ctx := newHarness(t)

	_, err := h.scheduleSvc.Upsert(ctx, UpsertScheduleParams{CronExpression: "0 * * * *"})
	assertCode(t, err, apierr.CodeBadRequest)

	_, err = h.scheduleSvc.Upsert(ctx, UpsertScheduleParams{WorkflowID: "nightly"})
	assertCode(t, err, apierr.CodeBadRequest)

	_, err = h.scheduleSvc.Upsert(ctx, UpsertScheduleParams{
		WorkflowID:     "nightly",
		CronExpression: "not a cron",
	})
	assertCode(t, err, apierr.CodeBadRequest)

	_, err = h.scheduleSvc.Upsert(ctx, UpsertScheduleParams{
		WorkflowID:     "nightly",
		CronExpression: "0 * * * *",
		Timezone:       "Mars/Olympus",
	})
	assertCode(t, err, apierr.CodeBadRequest)
}

func TestScheduleUpsertDefaults(t *testing.T) {
	h, ctx := newHarness(t)

	schedule, err := h.scheduleSvc.Upsert(ctx, UpsertScheduleParams{
		WorkflowID:     "nightly",
		CronExpression: "0 3 * * *",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if schedule.Key != "default" || schedule.QueueName != "nightly" || schedule.Timezone != "UTC" {
		t.Fatalf("defaults wrong: %+v", schedule)
	}
	if !schedule.Enabled {
		t.Fatal("schedules default to enabled")
	}
	if schedule.DeploymentID != h.deployment.ID {
		t.Fatal("deployment should default to the latest")
	}
	if schedule.NextRunAt == nil || !schedule.NextRunAt.After(time.Now()) {
		t.Fatalf("next run should be precomputed in the future, got %v", schedule.NextRunAt)
	}

	// Same (workflow, key) replaces in place.
	updated, err := h.scheduleSvc.Upsert(ctx, UpsertScheduleParams{
		WorkflowID:     "nightly",
		CronExpression: "30 4 * * *",
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if updated.ID != schedule.ID {
		t.Fatal("re-upsert should keep the row")
	}
	if updated.CronExpression != "30 4 * * *" {
		t.Fatalf("expression not replaced: %q", updated.CronExpression)
	}

	schedules, err := h.scheduleSvc.List(ctx, "nightly")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected one schedule, got %d", len(schedules))
	}
}

func TestScheduleFireDueSubmitsOnce(t *testing.T) {
	h, ctx := newHarness(t)

	schedule, err := h.scheduleSvc.Upsert(ctx, UpsertScheduleParams{
		WorkflowID:     "nightly",
		CronExpression: "* * * * *",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	due := time.Now().Add(-time.Minute)
	if err := h.db.Model(&types.Schedule{}).Where("id = ?", schedule.ID).
		Update("next_run_at", due).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	fired, err := h.scheduleSvc.FireDueOnce(ctx)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected one firing, got %d", fired)
	}

	_, total, err := h.execSvc.List(ctx, repos.ExecutionFilter{WorkflowID: "nightly"})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one submitted execution, got %d", total)
	}

	var row types.Schedule
	if err := h.db.First(&row, "id = ?", schedule.ID).Error; err != nil {
		t.Fatalf("reload schedule: %v", err)
	}
	if row.LastRunAt == nil {
		t.Fatal("firing should record last_run_at")
	}
	if row.NextRunAt == nil || !row.NextRunAt.After(time.Now()) {
		t.Fatalf("next run should advance, got %v", row.NextRunAt)
	}

	// The previous run is still queued, so a due schedule skips instead of
	// stacking a second execution.
	if err := h.db.Model(&types.Schedule{}).Where("id = ?", schedule.ID).
		Update("next_run_at", due).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	fired, err = h.scheduleSvc.FireDueOnce(ctx)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if fired != 0 {
		t.Fatalf("in-flight run should suppress the firing, got %d", fired)
	}
	_, total, err = h.execSvc.List(ctx, repos.ExecutionFilter{WorkflowID: "nightly"})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if total != 1 {
		t.Fatalf("skip should not submit, got %d", total)
	}
}

func TestScheduleInvalidCronGetsDisabled(t *testing.T) {
	h, ctx := newHarness(t)

	// A row corrupted after validation, e.g. by a direct database edit.
	due := time.Now().Add(-time.Minute)
	row := &types.Schedule{
		ID:             uuid.New(),
		ProjectID:      h.project.ID,
		WorkflowID:     "broken",
		Key:            "default",
		DeploymentID:   h.deployment.ID,
		CronExpression: "99 99 * * *",
		Timezone:       "UTC",
		QueueName:      "broken",
		NextRunAt:      &due,
		Enabled:        true,
	}
	if err := h.db.Create(row).Error; err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	fired, err := h.scheduleSvc.FireDueOnce(ctx)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if fired != 0 {
		t.Fatalf("unparseable schedule must not fire, got %d", fired)
	}
	var got types.Schedule
	if err := h.db.First(&got, "id = ?", row.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Enabled {
		t.Fatal("unparseable schedule should be disabled, not retried forever")
	}
}

func TestScheduleDelete(t *testing.T) {
	h, ctx := newHarness(t)

	schedule, err := h.scheduleSvc.Upsert(ctx, UpsertScheduleParams{
		WorkflowID:     "nightly",
		CronExpression: "0 3 * * *",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := h.scheduleSvc.Delete(ctx, schedule.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = h.scheduleSvc.Delete(ctx, schedule.ID)
	assertCode(t, err, apierr.CodeNotFound)
}
