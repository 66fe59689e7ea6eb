package orchestration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Schedule submits a workflow on a cron cadence. Key distinguishes multiple
// schedules of the same workflow; NextRunAt is precomputed so the reconciler
// can select due rows with an index scan.
type Schedule struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID      uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_schedule_workflow_key" json:"project_id"`
	WorkflowID     string         `gorm:"column:workflow_id;not null;uniqueIndex:uq_schedule_workflow_key" json:"workflow_id"`
	Key            string         `gorm:"column:key;not null;uniqueIndex:uq_schedule_workflow_key" json:"key"`
	DeploymentID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"deployment_id"`
	CronExpression string         `gorm:"column:cron_expression;not null" json:"cron_expression"`
	Timezone       string         `gorm:"column:timezone;not null;default:UTC" json:"timezone"`
	QueueName      string         `gorm:"column:queue_name;not null;default:default" json:"queue_name"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	NextRunAt      *time.Time     `gorm:"column:next_run_at;index" json:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `gorm:"column:last_run_at" json:"last_run_at,omitempty"`
	Enabled        bool           `gorm:"column:enabled;not null;default:true" json:"enabled"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Schedule) TableName() string { return "schedules" }
