package services

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/db"
	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
)

// WorkflowDefinition is the registration shape of one workflow.
type WorkflowDefinition struct {
	WorkflowID   string         `json:"workflow_id"`
	Name         string         `json:"name,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  datatypes.JSON `json:"input_schema,omitempty"`
	OutputSchema datatypes.JSON `json:"output_schema,omitempty"`
	DefaultQueue string         `json:"default_queue,omitempty"`
}

// AgentDefinitionInput and ToolDefinitionInput mirror the worker SDK's
// registration payloads.
type AgentDefinitionInput struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Model        string         `json:"model,omitempty"`
	Metadata     datatypes.JSON `json:"metadata,omitempty"`
}

type ToolDefinitionInput struct {
	ToolID      string         `json:"tool_id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	InputSchema datatypes.JSON `json:"input_schema,omitempty"`
}

// RegisterDeploymentParams replaces a deployment's definition set wholesale.
type RegisterDeploymentParams struct {
	DeploymentID *uuid.UUID
	Name         string
	AppVersion   string
	Metadata     datatypes.JSON
	Workflows    []WorkflowDefinition
	Agents       []AgentDefinitionInput
	Tools        []ToolDefinitionInput
}

// DeploymentDetail is a deployment with its registered definitions.
type DeploymentDetail struct {
	Deployment *types.Deployment          `json:"deployment"`
	Workflows  []*types.DeploymentWorkflow `json:"workflows"`
	Agents     []*types.AgentDefinition    `json:"agents"`
	Tools      []*types.ToolDefinition     `json:"tools"`
}

type RegistryService interface {
	RegisterDeployment(ctx context.Context, params RegisterDeploymentParams) (*types.Deployment, error)
	GetDeployment(ctx context.Context, id uuid.UUID) (*DeploymentDetail, error)
	ListDeployments(ctx context.Context) ([]*types.Deployment, error)
	ListWorkflows(ctx context.Context, deploymentID uuid.UUID) ([]*types.DeploymentWorkflow, error)
}

type registryService struct {
	db          *gorm.DB
	log         *logger.Logger
	deployments repos.DeploymentRepo
}

func NewRegistryService(gdb *gorm.DB, baseLog *logger.Logger, deployments repos.DeploymentRepo) RegistryService {
	return &registryService{
		db:          gdb,
		log:         baseLog.With("service", "RegistryService"),
		deployments: deployments,
	}
}

// RegisterDeployment creates or updates the deployment row and replaces its
// workflow, agent and tool definitions in one transaction. Re-registering
// with fewer definitions removes the missing ones.
func (s *registryService) RegisterDeployment(ctx context.Context, params RegisterDeploymentParams) (*types.Deployment, error) {
	if params.Name == "" {
		return nil, apierr.BadRequest("missing deployment name")
	}
	projectID := scope.ProjectID(ctx)
	if projectID == uuid.Nil {
		return nil, apierr.BadRequest("missing project scope")
	}

	var deployment *types.Deployment
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		row := &types.Deployment{
			ProjectID:  projectID,
			Name:       params.Name,
			AppVersion: params.AppVersion,
			Metadata:   params.Metadata,
		}
		if params.DeploymentID != nil && *params.DeploymentID != uuid.Nil {
			row.ID = *params.DeploymentID
		} else {
			row.ID = uuid.New()
		}
		var err error
		deployment, err = s.deployments.Upsert(dbc, row)
		if err != nil {
			return err
		}

		workflows := make([]*types.DeploymentWorkflow, 0, len(params.Workflows))
		for _, w := range params.Workflows {
			if w.WorkflowID == "" {
				return apierr.BadRequest("workflow definition missing workflow_id")
			}
			workflows = append(workflows, &types.DeploymentWorkflow{
				ProjectID:    projectID,
				DeploymentID: deployment.ID,
				WorkflowID:   w.WorkflowID,
				Name:         w.Name,
				Description:  w.Description,
				InputSchema:  w.InputSchema,
				OutputSchema: w.OutputSchema,
				DefaultQueue: w.DefaultQueue,
			})
		}
		if err := s.deployments.ReplaceWorkflows(dbc, deployment.ID, workflows); err != nil {
			return err
		}

		agents := make([]*types.AgentDefinition, 0, len(params.Agents))
		for _, a := range params.Agents {
			if a.AgentID == "" {
				return apierr.BadRequest("agent definition missing agent_id")
			}
			agents = append(agents, &types.AgentDefinition{
				ProjectID:    projectID,
				DeploymentID: deployment.ID,
				AgentID:      a.AgentID,
				Name:         a.Name,
				Instructions: a.Instructions,
				Model:        a.Model,
				Metadata:     a.Metadata,
			})
		}
		if err := s.deployments.ReplaceAgents(dbc, deployment.ID, agents); err != nil {
			return err
		}

		tools := make([]*types.ToolDefinition, 0, len(params.Tools))
		for _, t := range params.Tools {
			if t.ToolID == "" {
				return apierr.BadRequest("tool definition missing tool_id")
			}
			tools = append(tools, &types.ToolDefinition{
				ProjectID:    projectID,
				DeploymentID: deployment.ID,
				ToolID:       t.ToolID,
				Name:         t.Name,
				Description:  t.Description,
				InputSchema:  t.InputSchema,
			})
		}
		return s.deployments.ReplaceTools(dbc, deployment.ID, tools)
	})
	if err != nil {
		return nil, err
	}
	return deployment, nil
}

func (s *registryService) GetDeployment(ctx context.Context, id uuid.UUID) (*DeploymentDetail, error) {
	detail := &DeploymentDetail{}
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		deployment, err := s.deployments.GetByID(dbc, id)
		if err != nil {
			return err
		}
		if deployment == nil {
			return apierr.NotFound("deployment %s not found", id)
		}
		detail.Deployment = deployment
		if detail.Workflows, err = s.deployments.ListWorkflows(dbc, id); err != nil {
			return err
		}
		if detail.Agents, err = s.deployments.ListAgents(dbc, id); err != nil {
			return err
		}
		detail.Tools, err = s.deployments.ListTools(dbc, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *registryService) ListDeployments(ctx context.Context) ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.deployments.List(dbctx.Context{Ctx: ctx, Tx: tx})
		return err
	})
	return out, err
}

func (s *registryService) ListWorkflows(ctx context.Context, deploymentID uuid.UUID) ([]*types.DeploymentWorkflow, error) {
	var out []*types.DeploymentWorkflow
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.deployments.ListWorkflows(dbctx.Context{Ctx: ctx, Tx: tx}, deploymentID)
		return err
	})
	return out, err
}
