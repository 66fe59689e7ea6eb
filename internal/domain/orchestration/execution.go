package orchestration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Execution statuses. Only the transitions wired through ExecutionRepo are
// legal; see CanTransition.
const (
	StatusQueued        = "queued"
	StatusClaimed       = "claimed"
	StatusRunning       = "running"
	StatusWaiting       = "waiting"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusPendingCancel = "pending_cancel"
	StatusCancelled     = "cancelled"
)

// TerminalStatuses are never revisited, not even by cancellation.
var TerminalStatuses = []string{StatusCompleted, StatusFailed, StatusCancelled}

// Execution is the central entity: one row per workflow run, parent/child
// lineage kept as two nullable self-references.
type Execution struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	ParentExecutionID *uuid.UUID `gorm:"type:uuid;index" json:"parent_execution_id,omitempty"`
	RootExecutionID   *uuid.UUID `gorm:"type:uuid;index" json:"root_execution_id,omitempty"`

	WorkflowID   string    `gorm:"column:workflow_id;not null;index" json:"workflow_id"`
	DeploymentID uuid.UUID `gorm:"type:uuid;not null;index" json:"deployment_id"`

	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	Error        string         `gorm:"column:error" json:"error,omitempty"`
	InitialState datatypes.JSON `gorm:"column:initial_state;type:jsonb" json:"initial_state,omitempty"`
	FinalState   datatypes.JSON `gorm:"column:final_state;type:jsonb" json:"final_state,omitempty"`

	QueueName      string     `gorm:"column:queue_name;not null;index" json:"queue_name"`
	ConcurrencyKey *string    `gorm:"column:concurrency_key" json:"concurrency_key,omitempty"`
	BatchID        *uuid.UUID `gorm:"type:uuid;index" json:"batch_id,omitempty"`

	Status     string `gorm:"column:status;not null;index" json:"status"`
	RetryCount int    `gorm:"column:retry_count;not null;default:0" json:"retry_count"`

	AssignedToWorker  *uuid.UUID `gorm:"type:uuid;column:assigned_to_worker;index" json:"assigned_to_worker,omitempty"`
	AssignedAt        *time.Time `gorm:"column:assigned_at" json:"assigned_at,omitempty"`
	RunTimeoutSeconds *int       `gorm:"column:run_timeout_seconds" json:"run_timeout_seconds,omitempty"`

	SessionID *uuid.UUID `gorm:"type:uuid;column:session_id;index" json:"session_id,omitempty"`
	UserID    string     `gorm:"column:user_id;index" json:"user_id,omitempty"`
	StepKey   *string    `gorm:"column:step_key" json:"step_key,omitempty"`
	TraceID   string     `gorm:"column:trace_id" json:"trace_id,omitempty"`

	CreatedAt   time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	QueuedAt    *time.Time `gorm:"column:queued_at;index" json:"queued_at,omitempty"`
	ClaimedAt   *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
	CancelledAt *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	CancelledBy string     `gorm:"column:cancelled_by" json:"cancelled_by,omitempty"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (Execution) TableName() string { return "workflow_executions" }

// IsTerminal reports whether status is one of completed/failed/cancelled.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition encodes the legal edges of the execution state machine.
// cancel (to pending_cancel) is legal from every non-terminal state.
func CanTransition(from, to string) bool {
	switch to {
	case StatusClaimed:
		return from == StatusQueued
	case StatusRunning:
		return from == StatusClaimed
	case StatusCompleted, StatusFailed:
		return from == StatusRunning
	case StatusWaiting:
		return from == StatusRunning
	case StatusQueued:
		return from == StatusRunning || from == StatusWaiting || from == StatusClaimed
	case StatusPendingCancel:
		return !IsTerminal(from)
	case StatusCancelled:
		return from == StatusPendingCancel
	default:
		return false
	}
}
