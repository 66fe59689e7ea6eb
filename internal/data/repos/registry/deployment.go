package registry

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

type DeploymentRepo interface {
	Upsert(dbc dbctx.Context, deployment *types.Deployment) (*types.Deployment, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Deployment, error)
	GetLatest(dbc dbctx.Context) (*types.Deployment, error)
	List(dbc dbctx.Context) ([]*types.Deployment, error)
	ReplaceWorkflows(dbc dbctx.Context, deploymentID uuid.UUID, workflows []*types.DeploymentWorkflow) error
	ListWorkflows(dbc dbctx.Context, deploymentID uuid.UUID) ([]*types.DeploymentWorkflow, error)
	GetWorkflow(dbc dbctx.Context, projectID, deploymentID uuid.UUID, workflowID string) (*types.DeploymentWorkflow, error)
	ReplaceAgents(dbc dbctx.Context, deploymentID uuid.UUID, agents []*types.AgentDefinition) error
	ListAgents(dbc dbctx.Context, deploymentID uuid.UUID) ([]*types.AgentDefinition, error)
	ReplaceTools(dbc dbctx.Context, deploymentID uuid.UUID, tools []*types.ToolDefinition) error
	ListTools(dbc dbctx.Context, deploymentID uuid.UUID) ([]*types.ToolDefinition, error)
}

type deploymentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeploymentRepo(db *gorm.DB, baseLog *logger.Logger) DeploymentRepo {
	return &deploymentRepo{
		db:  db,
		log: baseLog.With("repo", "DeploymentRepo"),
	}
}

func (r *deploymentRepo) Upsert(dbc dbctx.Context, deployment *types.Deployment) (*types.Deployment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deployment == nil {
		return nil, nil
	}
	if deployment.ID == uuid.Nil {
		deployment.ID = uuid.New()
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name",
				"app_version",
				"metadata",
				"updated_at",
			}),
		}).
		Create(deployment).Error
	if err != nil {
		return nil, err
	}
	return deployment, nil
}

func (r *deploymentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Deployment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var deployment types.Deployment
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&deployment).Error
	if err != nil {
		return nil, err
	}
	if deployment.ID == uuid.Nil {
		return nil, nil
	}
	return &deployment, nil
}

// GetLatest returns the newest deployment visible in the current scope.
// Submissions that name no deployment bind to it.
func (r *deploymentRepo) GetLatest(dbc dbctx.Context) (*types.Deployment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var deployment types.Deployment
	err := transaction.WithContext(dbc.Ctx).
		Order("created_at DESC").
		Limit(1).
		Find(&deployment).Error
	if err != nil {
		return nil, err
	}
	if deployment.ID == uuid.Nil {
		return nil, nil
	}
	return &deployment, nil
}

func (r *deploymentRepo) List(dbc dbctx.Context) ([]*types.Deployment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Deployment
	if err := transaction.WithContext(dbc.Ctx).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceWorkflows swaps the full workflow set of a deployment. Definitions
// are registration-owned, so partial edits are never merged in place.
func (r *deploymentRepo) ReplaceWorkflows(dbc dbctx.Context, deploymentID uuid.UUID, workflows []*types.DeploymentWorkflow) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deploymentID == uuid.Nil {
		return nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("deployment_id = ?", deploymentID).
		Delete(&types.DeploymentWorkflow{}).Error; err != nil {
		return err
	}
	if len(workflows) == 0 {
		return nil
	}
	for _, wf := range workflows {
		if wf.ID == uuid.Nil {
			wf.ID = uuid.New()
		}
		wf.DeploymentID = deploymentID
	}
	return transaction.WithContext(dbc.Ctx).Create(&workflows).Error
}

func (r *deploymentRepo) ListWorkflows(dbc dbctx.Context, deploymentID uuid.UUID) ([]*types.DeploymentWorkflow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deploymentID == uuid.Nil {
		return nil, nil
	}
	var out []*types.DeploymentWorkflow
	if err := transaction.WithContext(dbc.Ctx).
		Where("deployment_id = ?", deploymentID).
		Order("workflow_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *deploymentRepo) GetWorkflow(dbc dbctx.Context, projectID, deploymentID uuid.UUID, workflowID string) (*types.DeploymentWorkflow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if workflowID == "" {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx).Where("workflow_id = ?", workflowID)
	if projectID != uuid.Nil {
		q = q.Where("project_id = ?", projectID)
	}
	if deploymentID != uuid.Nil {
		q = q.Where("deployment_id = ?", deploymentID)
	}
	var wf types.DeploymentWorkflow
	err := q.Order("created_at DESC").Limit(1).Find(&wf).Error
	if err != nil {
		return nil, err
	}
	if wf.ID == uuid.Nil {
		return nil, nil
	}
	return &wf, nil
}

func (r *deploymentRepo) ReplaceAgents(dbc dbctx.Context, deploymentID uuid.UUID, agents []*types.AgentDefinition) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deploymentID == uuid.Nil {
		return nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("deployment_id = ?", deploymentID).
		Delete(&types.AgentDefinition{}).Error; err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}
	for _, agent := range agents {
		if agent.ID == uuid.Nil {
			agent.ID = uuid.New()
		}
		agent.DeploymentID = deploymentID
	}
	return transaction.WithContext(dbc.Ctx).Create(&agents).Error
}

func (r *deploymentRepo) ListAgents(dbc dbctx.Context, deploymentID uuid.UUID) ([]*types.AgentDefinition, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deploymentID == uuid.Nil {
		return nil, nil
	}
	var out []*types.AgentDefinition
	if err := transaction.WithContext(dbc.Ctx).
		Where("deployment_id = ?", deploymentID).
		Order("agent_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *deploymentRepo) ReplaceTools(dbc dbctx.Context, deploymentID uuid.UUID, tools []*types.ToolDefinition) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deploymentID == uuid.Nil {
		return nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("deployment_id = ?", deploymentID).
		Delete(&types.ToolDefinition{}).Error; err != nil {
		return err
	}
	if len(tools) == 0 {
		return nil
	}
	for _, tool := range tools {
		if tool.ID == uuid.Nil {
			tool.ID = uuid.New()
		}
		tool.DeploymentID = deploymentID
	}
	return transaction.WithContext(dbc.Ctx).Create(&tools).Error
}

func (r *deploymentRepo) ListTools(dbc dbctx.Context, deploymentID uuid.UUID) ([]*types.ToolDefinition, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deploymentID == uuid.Nil {
		return nil, nil
	}
	var out []*types.ToolDefinition
	if err := transaction.WithContext(dbc.Ctx).
		Where("deployment_id = ?", deploymentID).
		Order("tool_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
