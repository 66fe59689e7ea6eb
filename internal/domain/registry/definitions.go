package registry

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AgentDefinition records one agent shipped with a deployment, for
// inspection and UI surfaces. The orchestrator never interprets these.
type AgentDefinition struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_agent_definition" json:"project_id"`
	DeploymentID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_agent_definition" json:"deployment_id"`
	AgentID      string         `gorm:"column:agent_id;not null;uniqueIndex:uq_agent_definition" json:"agent_id"`
	Name         string         `gorm:"column:name" json:"name,omitempty"`
	Instructions string         `gorm:"column:instructions" json:"instructions,omitempty"`
	Model        string         `gorm:"column:model" json:"model,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (AgentDefinition) TableName() string { return "agent_definitions" }

// ToolDefinition records one tool shipped with a deployment.
type ToolDefinition struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_tool_definition" json:"project_id"`
	DeploymentID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_tool_definition" json:"deployment_id"`
	ToolID       string         `gorm:"column:tool_id;not null;uniqueIndex:uq_tool_definition" json:"tool_id"`
	Name         string         `gorm:"column:name" json:"name,omitempty"`
	Description  string         `gorm:"column:description" json:"description,omitempty"`
	InputSchema  datatypes.JSON `gorm:"column:input_schema;type:jsonb" json:"input_schema,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (ToolDefinition) TableName() string { return "tool_definitions" }
