package orchestration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Wait kinds. Approval waits are event waits whose metadata carries a
// resume_event_type filter, so they share WaitTypeEvent.
const (
	WaitTypeTime        = "time"
	WaitTypeEvent       = "event"
	WaitTypeSubworkflow = "subworkflow"
)

// Wait-step metadata keys. Metadata is opaque JSON; these are the keys the
// wake paths interpret.
const (
	// WaitMetaExecutionIDs holds the ordered child execution ids of a
	// subworkflow wait. Order is the submission order and drives result
	// array assembly on wake.
	WaitMetaExecutionIDs = "execution_ids"
	// WaitMetaResumeEventType restricts which event_type may wake an event
	// wait. Used by approval waits so the suspend event cannot wake its own
	// waiter.
	WaitMetaResumeEventType = "resume_event_type"
)

// WaitStep parks one step of one execution. At most one row per
// (execution, step) pair; WaitType is cleared rather than the row deleted
// when the wait resolves, keeping wake idempotent.
type WaitStep struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	ExecutionID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_wait_execution_step" json:"execution_id"`
	StepKey     string         `gorm:"column:step_key;not null;uniqueIndex:uq_wait_execution_step" json:"step_key"`
	WaitType    *string        `gorm:"column:wait_type;index" json:"wait_type,omitempty"`
	WaitUntil   *time.Time     `gorm:"column:wait_until;index" json:"wait_until,omitempty"`
	WaitTopic   *string        `gorm:"column:wait_topic;index" json:"wait_topic,omitempty"`
	ExpiresAt   *time.Time     `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (WaitStep) TableName() string { return "wait_steps" }

// WakePriority orders simultaneous expiries: time beats event beats
// subworkflow.
func WakePriority(waitType string) int {
	switch waitType {
	case WaitTypeTime:
		return 0
	case WaitTypeEvent:
		return 1
	case WaitTypeSubworkflow:
		return 2
	default:
		return 3
	}
}
