package orchestration

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Event is one row of the append-only event log. SequenceID is a bigserial
// that totally orders events; triggers and streams cursor on it.
type Event struct {
	ID                uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SequenceID        int64          `gorm:"column:sequence_id;autoIncrement;uniqueIndex;index:idx_events_topic_seq,priority:2" json:"sequence_id"`
	ProjectID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Topic             string         `gorm:"column:topic;not null;index:idx_events_topic_seq,priority:1" json:"topic"`
	EventType         *string        `gorm:"column:event_type" json:"event_type,omitempty"`
	Data              datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	Durable           bool           `gorm:"column:durable;not null;default:false" json:"durable"`
	SourceExecutionID *uuid.UUID     `gorm:"type:uuid;column:source_execution_id;index" json:"source_execution_id,omitempty"`
	RootExecutionID   *uuid.UUID     `gorm:"type:uuid;column:root_execution_id;index" json:"root_execution_id,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (Event) TableName() string { return "events" }

// EventTopic names a topic within a project. Rows are created lazily on
// first publish so topics can be listed.
type EventTopic struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_event_topic" json:"project_id"`
	Topic     string    `gorm:"column:topic;not null;uniqueIndex:uq_event_topic" json:"topic"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (EventTopic) TableName() string { return "event_topics" }

// ExecutionTopic is the per-execution topic lifecycle and approval events
// are published to.
func ExecutionTopic(workflowID string, executionID uuid.UUID) string {
	return fmt.Sprintf("workflow/%s/%s", workflowID, executionID)
}

// Event types published on execution topics. Suspend/resume types for
// approval steps are derived per step key, see SuspendEventType.
const (
	EventTypeStatusChanged = "status_changed"
	EventTypeStepCompleted = "step_completed"
)

// SuspendEventType and ResumeEventType name the approval handshake events
// for one step.
func SuspendEventType(stepKey string) string { return "suspend_" + stepKey }
func ResumeEventType(stepKey string) string  { return "resume_" + stepKey }
