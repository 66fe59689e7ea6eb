package orchestration

import (
	"time"

	"github.com/google/uuid"
)

// Queue scopes concurrency within one deployment. A nil ConcurrencyLimit
// means unlimited; the dispatcher still honors per-worker capacity.
type Queue struct {
	ID               uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_queue_name_deployment" json:"project_id"`
	DeploymentID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_queue_name_deployment" json:"deployment_id"`
	Name             string    `gorm:"column:name;not null;uniqueIndex:uq_queue_name_deployment" json:"name"`
	ConcurrencyLimit *int      `gorm:"column:concurrency_limit" json:"concurrency_limit,omitempty"`
	CreatedAt        time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Queue) TableName() string { return "queues" }

// DefaultQueueName is used when a submission names no queue.
const DefaultQueueName = "default"
