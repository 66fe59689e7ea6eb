package orchestration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	WorkerModePush = "push"
	WorkerModePull = "pull"

	WorkerStatusOnline  = "online"
	WorkerStatusOffline = "offline"

	// DefaultPushFailureThreshold is how many consecutive failed pushes a
	// worker absorbs before the dispatcher marks it offline.
	DefaultPushFailureThreshold = 3
)

// Worker is a registered runner process. Push workers expose an HTTP
// endpoint the dispatcher delivers executions to; pull workers poll.
type Worker struct {
	ID                      uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID               uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	CurrentDeploymentID     uuid.UUID  `gorm:"type:uuid;column:current_deployment_id;not null;index" json:"current_deployment_id"`
	Mode                    string     `gorm:"column:mode;not null;default:push" json:"mode"`
	PushEndpointURL         string     `gorm:"column:push_endpoint_url" json:"push_endpoint_url,omitempty"`
	MaxConcurrentExecutions int        `gorm:"column:max_concurrent_executions;not null;default:1" json:"max_concurrent_executions"`
	CurrentExecutionCount   int        `gorm:"column:current_execution_count;not null;default:0" json:"current_execution_count"`
	Status                  string     `gorm:"column:status;not null;index" json:"status"`
	LastHeartbeat           *time.Time `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	PushFailureCount        int        `gorm:"column:push_failure_count;not null;default:0" json:"push_failure_count"`
	PushFailureThreshold    int        `gorm:"column:push_failure_threshold;not null;default:3" json:"push_failure_threshold"`
	LastPushAttemptAt       *time.Time `gorm:"column:last_push_attempt_at" json:"last_push_attempt_at,omitempty"`
	Metadata                datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt               time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (Worker) TableName() string { return "workers" }

// HasCapacity reports whether the worker can accept one more execution.
func (w *Worker) HasCapacity() bool {
	return w.CurrentExecutionCount < w.MaxConcurrentExecutions
}
