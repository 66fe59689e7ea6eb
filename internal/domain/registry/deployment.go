package registry

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Deployment is a versioned bundle of workflow, agent and tool definitions.
// Workers bind to exactly one deployment; executions record which deployment
// they ran under.
type Deployment struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Name       string         `gorm:"column:name;not null" json:"name"`
	AppVersion string         `gorm:"column:app_version" json:"app_version,omitempty"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Deployment) TableName() string { return "deployments" }

// DeploymentWorkflow is one workflow definition within a deployment.
// WorkflowID is the caller-facing identifier; rows are replaced wholesale on
// re-registration, keyed by (workflow_id, deployment_id, project_id).
type DeploymentWorkflow struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_deployment_workflow" json:"project_id"`
	DeploymentID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_deployment_workflow" json:"deployment_id"`
	WorkflowID   string         `gorm:"column:workflow_id;not null;uniqueIndex:uq_deployment_workflow" json:"workflow_id"`
	Name         string         `gorm:"column:name" json:"name,omitempty"`
	Description  string         `gorm:"column:description" json:"description,omitempty"`
	InputSchema  datatypes.JSON `gorm:"column:input_schema;type:jsonb" json:"input_schema,omitempty"`
	OutputSchema datatypes.JSON `gorm:"column:output_schema;type:jsonb" json:"output_schema,omitempty"`
	DefaultQueue string         `gorm:"column:default_queue" json:"default_queue,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (DeploymentWorkflow) TableName() string { return "deployment_workflows" }
