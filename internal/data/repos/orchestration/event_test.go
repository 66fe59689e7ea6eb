package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
)

func TestEventRepoAppendAndCursors(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewEventRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	topic := "orders/created"

	var appended []*types.Event
	for i := 0; i < 3; i++ {
		appended = append(appended, &types.Event{
			ProjectID: project.ID,
			Topic:     topic,
			Data:      datatypes.JSON([]byte(`{"n":1}`)),
		})
	}
	out, err := repo.Append(dbc, appended)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Append: expected 3, got %d", len(out))
	}
	if out[0].SequenceID == 0 || out[1].SequenceID <= out[0].SequenceID || out[2].SequenceID <= out[1].SequenceID {
		t.Fatalf("Append: sequence ids not increasing: %d %d %d",
			out[0].SequenceID, out[1].SequenceID, out[2].SequenceID)
	}

	rows, err := repo.ListByTopicSince(dbc, project.ID, topic, out[0].SequenceID, 10)
	if err != nil {
		t.Fatalf("ListByTopicSince: %v", err)
	}
	if len(rows) != 2 || rows[0].SequenceID != out[1].SequenceID {
		t.Fatalf("ListByTopicSince: %+v", rows)
	}

	window, err := repo.WindowSince(dbc, project.ID, topic, out[0].SequenceID)
	if err != nil {
		t.Fatalf("WindowSince: %v", err)
	}
	if window.Count != 2 || window.MaxSeq != out[2].SequenceID || window.OldestAt == nil {
		t.Fatalf("WindowSince: %+v", window)
	}

	empty, err := repo.WindowSince(dbc, project.ID, topic, out[2].SequenceID)
	if err != nil {
		t.Fatalf("WindowSince empty: %v", err)
	}
	if empty.Count != 0 {
		t.Fatalf("WindowSince empty: %+v", empty)
	}
}

func TestEventRepoWaitMatching(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewEventRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	topic := "approvals"
	now := time.Now().UTC()

	// A non-durable event that predates the wait must not satisfy it; a
	// durable one acts as a latch and must.
	early := &types.Event{ProjectID: project.ID, Topic: topic}
	if _, err := repo.Append(dbc, []*types.Event{early}); err != nil {
		t.Fatalf("append early: %v", err)
	}
	if err := tx.Model(&types.Event{}).Where("id = ?", early.ID).
		Update("created_at", now.Add(-1*time.Hour)).Error; err != nil {
		t.Fatalf("backdate early: %v", err)
	}

	armedAt := now.Add(-30 * time.Minute)
	match, err := repo.FirstMatchingForWait(dbc, project.ID, topic, nil, armedAt)
	if err != nil {
		t.Fatalf("FirstMatchingForWait: %v", err)
	}
	if match != nil {
		t.Fatalf("stale non-durable event should not match: %+v", match)
	}

	durable := &types.Event{ProjectID: project.ID, Topic: topic, Durable: true}
	if _, err := repo.Append(dbc, []*types.Event{durable}); err != nil {
		t.Fatalf("append durable: %v", err)
	}
	if err := tx.Model(&types.Event{}).Where("id = ?", durable.ID).
		Update("created_at", now.Add(-1*time.Hour)).Error; err != nil {
		t.Fatalf("backdate durable: %v", err)
	}
	match, err = repo.FirstMatchingForWait(dbc, project.ID, topic, nil, armedAt)
	if err != nil {
		t.Fatalf("FirstMatchingForWait durable: %v", err)
	}
	if match == nil || match.ID != durable.ID {
		t.Fatalf("durable event should match: %+v", match)
	}

	// The event type filter keeps a suspend event from waking an approval
	// waiter that listens for the resume type.
	suspend := &types.Event{ProjectID: project.ID, Topic: topic, EventType: testutil.PtrStr("suspend_gate")}
	resume := &types.Event{ProjectID: project.ID, Topic: topic, EventType: testutil.PtrStr("resume_gate")}
	if _, err := repo.Append(dbc, []*types.Event{suspend, resume}); err != nil {
		t.Fatalf("append typed: %v", err)
	}
	match, err = repo.FirstMatchingForWait(dbc, project.ID, topic, testutil.PtrStr("resume_gate"), armedAt)
	if err != nil {
		t.Fatalf("FirstMatchingForWait typed: %v", err)
	}
	if match == nil || match.ID != resume.ID {
		t.Fatalf("typed match wrong: %+v", match)
	}
}

func TestEventRepoTopicsAndRetention(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewEventRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")

	if err := repo.EnsureTopic(dbc, project.ID, "a"); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	if err := repo.EnsureTopic(dbc, project.ID, "a"); err != nil {
		t.Fatalf("EnsureTopic repeat: %v", err)
	}
	if err := repo.EnsureTopic(dbc, project.ID, "b"); err != nil {
		t.Fatalf("EnsureTopic b: %v", err)
	}
	topics, err := repo.ListTopics(dbc, project.ID)
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("ListTopics: expected 2, got %+v", topics)
	}

	execID := uuid.New()
	plain := &types.Event{ProjectID: project.ID, Topic: "a", SourceExecutionID: &execID}
	keep := &types.Event{ProjectID: project.ID, Topic: "a", SourceExecutionID: &execID, Durable: true}
	unrelated := &types.Event{ProjectID: project.ID, Topic: "a"}
	if _, err := repo.Append(dbc, []*types.Event{plain, keep, unrelated}); err != nil {
		t.Fatalf("append: %v", err)
	}

	deleted, err := repo.DeleteByExecutionIDs(dbc, []uuid.UUID{execID})
	if err != nil {
		t.Fatalf("DeleteByExecutionIDs: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("DeleteByExecutionIDs: expected 1 (durable spared), got %d", deleted)
	}
}

func TestEventRepoExecutionStream(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewEventRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")
	execID := uuid.New()
	ownTopic := types.ExecutionTopic("wf", execID)

	emitted := &types.Event{ProjectID: project.ID, Topic: "other", SourceExecutionID: &execID}
	onTopic := &types.Event{ProjectID: project.ID, Topic: ownTopic}
	noise := &types.Event{ProjectID: project.ID, Topic: "other"}
	if _, err := repo.Append(dbc, []*types.Event{emitted, onTopic, noise}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, err := repo.ListForExecutionSince(dbc, execID, ownTopic, 0, 10)
	if err != nil {
		t.Fatalf("ListForExecutionSince: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ListForExecutionSince: expected 2, got %+v", rows)
	}
	for _, row := range rows {
		if row.ID == noise.ID {
			t.Fatalf("ListForExecutionSince leaked unrelated event")
		}
	}
}
