package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/agentflow/internal/domain"
)

func TestWaitResumeFilter(t *testing.T) {
	if got := waitResumeFilter(nil); got != nil {
		t.Fatalf("empty metadata should not filter, got %q", *got)
	}
	if got := waitResumeFilter(datatypes.JSON([]byte(`not json`))); got != nil {
		t.Fatalf("garbage metadata should not filter, got %q", *got)
	}
	if got := waitResumeFilter(datatypes.JSON([]byte(`{"resume_event_type":""}`))); got != nil {
		t.Fatalf("empty filter value should mean no filter, got %q", *got)
	}

	meta, _ := json.Marshal(map[string]string{types.WaitMetaResumeEventType: "resume_approve"})
	got := waitResumeFilter(datatypes.JSON(meta))
	if got == nil || *got != "resume_approve" {
		t.Fatalf("expected resume_approve, got %v", got)
	}
}

func TestTimeWaitOutput(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var decoded map[string]any

	if err := json.Unmarshal(timeWaitOutput(&deadline), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["success"] != true {
		t.Fatal("elapsed timer should report success")
	}
	if decoded["wait_until"] == nil {
		t.Fatal("deadline should be echoed back")
	}

	decoded = nil
	if err := json.Unmarshal(timeWaitOutput(nil), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["wait_until"]; ok {
		t.Fatal("nil deadline should be omitted")
	}
}

func TestEventWaitOutput(t *testing.T) {
	eventType := "order_shipped"
	event := &types.Event{
		ID:         uuid.New(),
		SequenceID: 42,
		Topic:      "t1",
		EventType:  &eventType,
		Data:       datatypes.JSON([]byte(`{"order":"o-1"}`)),
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	var decoded map[string]any
	if err := json.Unmarshal(eventWaitOutput(event), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["success"] != true || decoded["event_type"] != "order_shipped" {
		t.Fatalf("unexpected output: %v", decoded)
	}
	if decoded["id"] != event.ID.String() {
		t.Fatalf("event id lost: %v", decoded["id"])
	}
	if decoded["sequence_id"] != float64(42) {
		t.Fatalf("sequence id lost: %v", decoded["sequence_id"])
	}
	if decoded["topic"] != "t1" {
		t.Fatalf("topic lost: %v", decoded["topic"])
	}
	if decoded["created_at"] == nil {
		t.Fatal("created_at lost")
	}
	data, ok := decoded["data"].(map[string]any)
	if !ok || data["order"] != "o-1" {
		t.Fatalf("event data should pass through verbatim: %v", decoded["data"])
	}

	// No declared type serializes as an explicit null, mirroring the row.
	if err := json.Unmarshal(eventWaitOutput(&types.Event{SequenceID: 7, Topic: "t1"}), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got, ok := decoded["event_type"]; !ok || got != nil {
		t.Fatalf("typeless event should carry event_type null, got %v", got)
	}
	if got, ok := decoded["data"]; !ok || got != nil {
		t.Fatalf("empty payload should carry data null, got %v", got)
	}

	if err := json.Unmarshal(eventWaitOutput(nil), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["success"] != true {
		t.Fatal("nil event still resolves the wait")
	}
}

func TestExpiredWaitOutput(t *testing.T) {
	var decoded map[string]any
	if err := json.Unmarshal(expiredWaitOutput("timed out waiting for event"), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["success"] != false {
		t.Fatal("expiry is a failure")
	}
	if decoded["error"] != "timed out waiting for event" {
		t.Fatalf("message lost: %v", decoded["error"])
	}
}
