package orchestration

import (
	"time"

	"github.com/google/uuid"
)

// EventTrigger maps an event topic onto workflow submissions. The trigger
// reconciler cursors LastSequenceID forward over the event log and submits
// one execution per batch of matching events.
type EventTrigger struct {
	ID                  uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID           uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uq_event_trigger" json:"project_id"`
	WorkflowID          string     `gorm:"column:workflow_id;not null;uniqueIndex:uq_event_trigger" json:"workflow_id"`
	DeploymentID        uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uq_event_trigger" json:"deployment_id"`
	EventTopic          string     `gorm:"column:event_topic;not null;uniqueIndex:uq_event_trigger" json:"event_topic"`
	QueueName           string     `gorm:"column:queue_name;not null;default:default" json:"queue_name"`
	BatchSize           int        `gorm:"column:batch_size;not null;default:1" json:"batch_size"`
	BatchTimeoutSeconds *int       `gorm:"column:batch_timeout_seconds" json:"batch_timeout_seconds,omitempty"`
	LastSequenceID      int64      `gorm:"column:last_sequence_id;not null;default:0" json:"last_sequence_id"`
	LastEventTimestamp  *time.Time `gorm:"column:last_event_timestamp" json:"last_event_timestamp,omitempty"`
	Enabled             bool       `gorm:"column:enabled;not null;default:true" json:"enabled"`
	ProcessedAt         *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt           time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (EventTrigger) TableName() string { return "event_triggers" }

// ShouldFire reports whether a trigger holding pending matching events may
// fire now: either the batch is full or the oldest pending event has aged
// past the batch timeout.
func (t *EventTrigger) ShouldFire(pending int, oldest time.Time, now time.Time) bool {
	if pending <= 0 {
		return false
	}
	if pending >= t.BatchSize {
		return true
	}
	if t.BatchTimeoutSeconds == nil {
		return false
	}
	return now.Sub(oldest) >= time.Duration(*t.BatchTimeoutSeconds)*time.Second
}
