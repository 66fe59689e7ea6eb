package services

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
)

func TestPublishValidation(t *testing.T) {
	h, ctx := newHarness(t)

	_, _, err := h.eventSvc.Publish(ctx, PublishEventParams{})
	assertCode(t, err, apierr.CodeBadRequest)

	_, _, err = h.eventSvc.Publish(ctx, PublishEventParams{Topic: "orders", Durable: true})
	assertCode(t, err, apierr.CodeBadRequest)

	_, _, err = h.eventSvc.Publish(ctx, PublishEventParams{Topic: "orders"})
	assertCode(t, err, apierr.CodeBadRequest)

	bogus := uuid.New()
	_, _, err = h.eventSvc.Publish(ctx, PublishEventParams{
		Topic:             "orders",
		Events:            []EventInput{{}},
		Durable:           true,
		SourceExecutionID: &bogus,
	})
	assertCode(t, err, apierr.CodeBadRequest)
}

func TestPublishWakesEventWait(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "listener"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.forceRunning(t, exec.ID, worker.ID)

	topic := "orders"
	if err := h.execSvc.SetWaiting(ctx, exec.ID, worker.ID, WaitParams{
		StepKey:   "await-order",
		WaitType:  types.WaitTypeEvent,
		WaitTopic: &topic,
	}); err != nil {
		t.Fatalf("set waiting: %v", err)
	}

	eventType := "order_created"
	events, resumed, err := h.eventSvc.Publish(ctx, PublishEventParams{
		Topic: topic,
		Events: []EventInput{
			{EventType: &eventType, Data: datatypes.JSON([]byte(`{"order":"o-77"}`))},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(events) != 1 || events[0].SequenceID == 0 {
		t.Fatalf("append should assign a sequence id, got %+v", events)
	}
	if len(resumed) != 1 || resumed[0].ExecutionID != exec.ID {
		t.Fatalf("expected the waiter to resume, got %+v", resumed)
	}

	if got := h.getExecution(t, exec.ID); got.Status != types.ExecutionQueued {
		t.Fatalf("woken waiter should requeue, got %s", got.Status)
	}
	if w := h.getWorker(t, worker.ID); w.CurrentExecutionCount != 0 {
		t.Fatalf("event wake should release the slot, count=%d", w.CurrentExecutionCount)
	}

	var output types.StepOutput
	if err := h.db.First(&output, "execution_id = ? AND step_key = ?", exec.ID, "await-order").Error; err != nil {
		t.Fatalf("step output missing: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(output.Outputs, &decoded); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if decoded["event_type"] != "order_created" {
		t.Fatalf("matched event should be memoized: %v", decoded)
	}
	if decoded["sequence_id"] != float64(events[0].SequenceID) {
		t.Fatalf("output should carry the event's sequence id: %v", decoded)
	}
	if decoded["topic"] != topic || decoded["id"] != events[0].ID.String() {
		t.Fatalf("output should identify the matched event: %v", decoded)
	}
	if decoded["created_at"] == nil {
		t.Fatalf("output should carry the event's created_at: %v", decoded)
	}
}

func TestPublishBatchSingleTransaction(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "listener"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.forceRunning(t, exec.ID, worker.ID)

	topic := "orders"
	if err := h.execSvc.SetWaiting(ctx, exec.ID, worker.ID, WaitParams{
		StepKey:   "await-order",
		WaitType:  types.WaitTypeEvent,
		WaitTopic: &topic,
	}); err != nil {
		t.Fatalf("set waiting: %v", err)
	}

	events, resumed, err := h.eventSvc.Publish(ctx, PublishEventParams{
		Topic: topic,
		Events: []EventInput{
			{Data: datatypes.JSON([]byte(`{"order":"o-1"}`))},
			{Data: datatypes.JSON([]byte(`{"order":"o-2"}`))},
			{Data: datatypes.JSON([]byte(`{"order":"o-3"}`))},
		},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 appended events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].SequenceID <= events[i-1].SequenceID {
			t.Fatalf("sequence ids must ascend in batch order: %d then %d",
				events[i-1].SequenceID, events[i].SequenceID)
		}
	}
	if len(resumed) != 1 || resumed[0].ExecutionID != exec.ID {
		t.Fatalf("batch should wake the waiter once, got %+v", resumed)
	}

	// The waiter memoizes the last event of the batch.
	var output types.StepOutput
	if err := h.db.First(&output, "execution_id = ? AND step_key = ?", exec.ID, "await-order").Error; err != nil {
		t.Fatalf("step output missing: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(output.Outputs, &decoded); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	data, ok := decoded["data"].(map[string]any)
	if !ok || data["order"] != "o-3" {
		t.Fatalf("expected the last event's payload, got %v", decoded["data"])
	}

	stored, err := h.eventSvc.GetEvents(ctx, EventQuery{Topic: topic, Limit: 10})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("all batch rows should be stored, got %d", len(stored))
	}
}

func TestApprovalWaitRoundTrip(t *testing.T) {
	h, ctx := newHarness(t)
	worker := h.seedWorker(t, 1)

	exec, err := h.execSvc.Submit(ctx, SubmitParams{WorkflowID: "review"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.forceRunning(t, exec.ID, worker.ID)

	if err := h.execSvc.SetWaiting(ctx, exec.ID, worker.ID, WaitParams{
		StepKey:  "gate",
		WaitType: WaitTypeApproval,
	}); err != nil {
		t.Fatalf("set waiting: %v", err)
	}

	topic := types.ExecutionTopic(exec.WorkflowID, exec.ID)
	suspends, err := h.eventSvc.GetEvents(ctx, EventQuery{Topic: topic, Limit: 50})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	foundSuspend := false
	for _, e := range suspends {
		if e.EventType != nil && *e.EventType == types.SuspendEventType("gate") {
			foundSuspend = true
			if !e.Durable {
				t.Fatal("suspend events must survive retention")
			}
		}
	}
	if !foundSuspend {
		t.Fatal("approval wait should publish its suspend event")
	}
	if got := h.getExecution(t, exec.ID); got.Status != types.ExecutionWaiting {
		t.Fatalf("suspend event must not wake its own waiter, got %s", got.Status)
	}

	// Noise on the same topic does not match the resume filter.
	noise := "status_changed"
	_, resumed, err := h.eventSvc.Publish(ctx, PublishEventParams{
		Topic:  topic,
		Events: []EventInput{{EventType: &noise}},
	})
	if err != nil {
		t.Fatalf("publish noise: %v", err)
	}
	if len(resumed) != 0 {
		t.Fatalf("filtered wait should ignore other event types, got %+v", resumed)
	}

	resumeType := types.ResumeEventType("gate")
	_, resumed, err = h.eventSvc.Publish(ctx, PublishEventParams{
		Topic: topic,
		Events: []EventInput{
			{EventType: &resumeType, Data: datatypes.JSON([]byte(`{"approved":true}`))},
		},
		Durable:           true,
		SourceExecutionID: &exec.ID,
	})
	if err != nil {
		t.Fatalf("publish resume: %v", err)
	}
	if len(resumed) != 1 || resumed[0].ExecutionID != exec.ID {
		t.Fatalf("resume event should wake the waiter, got %+v", resumed)
	}
	if got := h.getExecution(t, exec.ID); got.Status != types.ExecutionQueued {
		t.Fatalf("approved execution should requeue, got %s", got.Status)
	}
}

func TestGetEventsCursor(t *testing.T) {
	h, ctx := newHarness(t)

	var first *types.Event
	for i := 0; i < 3; i++ {
		events, _, err := h.eventSvc.Publish(ctx, PublishEventParams{Topic: "feed", Events: []EventInput{{}}})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if first == nil {
			first = events[0]
		}
	}

	all, err := h.eventSvc.GetEvents(ctx, EventQuery{Topic: "feed", Limit: 10})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	rest, err := h.eventSvc.GetEvents(ctx, EventQuery{Topic: "feed", SinceSeq: first.SequenceID, Limit: 10})
	if err != nil {
		t.Fatalf("get events since: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("cursor should exclude the first event, got %d", len(rest))
	}
	for _, e := range rest {
		if e.SequenceID <= first.SequenceID {
			t.Fatalf("event %d at or before cursor %d", e.SequenceID, first.SequenceID)
		}
	}

	topics, err := h.eventSvc.ListTopics(ctx)
	if err != nil {
		t.Fatalf("list topics: %v", err)
	}
	found := false
	for _, topic := range topics {
		if topic.Topic == "feed" {
			found = true
		}
	}
	if !found {
		t.Fatal("publish should ensure the topic row")
	}
}

func TestTriggerFiresOnNewEventsOnly(t *testing.T) {
	h, ctx := newHarness(t)

	// History before registration must not fire.
	for i := 0; i < 2; i++ {
		if _, _, err := h.eventSvc.Publish(ctx, PublishEventParams{Topic: "orders", Events: []EventInput{{}}}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	trigger, err := h.eventSvc.RegisterTrigger(ctx, RegisterTriggerParams{
		WorkflowID: "on-order",
		EventTopic: "orders",
	})
	if err != nil {
		t.Fatalf("register trigger: %v", err)
	}
	if trigger.QueueName != "on-order" || trigger.BatchSize != 1 || !trigger.Enabled {
		t.Fatalf("trigger defaults wrong: %+v", trigger)
	}

	fired, err := h.eventSvc.ProcessTriggersOnce(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if fired != 0 {
		t.Fatalf("cursor parks at the tail, nothing should fire, got %d", fired)
	}

	eventType := "order_created"
	if _, _, err := h.eventSvc.Publish(ctx, PublishEventParams{
		Topic: "orders",
		Events: []EventInput{
			{EventType: &eventType, Data: datatypes.JSON([]byte(`{"order":"o-9"}`))},
		},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fired, err = h.eventSvc.ProcessTriggersOnce(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if fired != 1 {
		t.Fatalf("one new event, one submission, got %d", fired)
	}

	execs, total, err := h.execSvc.List(ctx, repos.ExecutionFilter{WorkflowID: "on-order"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one triggered execution, got %d", total)
	}
	var payload map[string]any
	if err := json.Unmarshal(execs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["order"] != "o-9" {
		t.Fatalf("single-event batches pass the event data through: %v", payload)
	}

	// The cursor advanced with the submission; nothing left to fire.
	fired, err = h.eventSvc.ProcessTriggersOnce(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if fired != 0 {
		t.Fatalf("already-consumed events fired again: %d", fired)
	}
}

func TestTriggerLifecycle(t *testing.T) {
	h, ctx := newHarness(t)

	_, err := h.eventSvc.RegisterTrigger(ctx, RegisterTriggerParams{WorkflowID: "on-order"})
	assertCode(t, err, apierr.CodeBadRequest)

	trigger, err := h.eventSvc.RegisterTrigger(ctx, RegisterTriggerParams{
		WorkflowID: "on-order",
		EventTopic: "orders",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	triggers, err := h.eventSvc.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(triggers) != 1 {
		t.Fatalf("expected one trigger, got %d", len(triggers))
	}

	if err := h.eventSvc.DeleteTrigger(ctx, trigger.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = h.eventSvc.DeleteTrigger(ctx, trigger.ID)
	assertCode(t, err, apierr.CodeNotFound)
}
