package orchestration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StepOutput is the durable memo of one completed step within an execution.
// On replay the worker reads these back instead of re-running the step.
// Upsert target is (execution_id, step_key).
type StepOutput struct {
	ID                uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	ExecutionID       uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_step_output_execution_step" json:"execution_id"`
	StepKey           string         `gorm:"column:step_key;not null;uniqueIndex:uq_step_output_execution_step" json:"step_key"`
	Outputs           datatypes.JSON `gorm:"column:outputs;type:jsonb" json:"outputs,omitempty"`
	Error             *string        `gorm:"column:error" json:"error,omitempty"`
	Success           bool           `gorm:"column:success;not null;default:true" json:"success"`
	SourceExecutionID *uuid.UUID     `gorm:"type:uuid;column:source_execution_id" json:"source_execution_id,omitempty"`
	OutputSchemaName  *string        `gorm:"column:output_schema_name" json:"output_schema_name,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (StepOutput) TableName() string { return "step_outputs" }
