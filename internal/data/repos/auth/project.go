package auth

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

type ProjectRepo interface {
	Create(dbc dbctx.Context, project *types.Project) (*types.Project, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error)
	List(dbc dbctx.Context) ([]*types.Project, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{
		db:  db,
		log: baseLog.With("repo", "ProjectRepo"),
	}
}

func (r *projectRepo) Create(dbc dbctx.Context, project *types.Project) (*types.Project, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if project == nil {
		return nil, nil
	}
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if err := transaction.WithContext(dbc.Ctx).Create(project).Error; err != nil {
		return nil, err
	}
	return project, nil
}

func (r *projectRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var project types.Project
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&project).Error
	if err != nil {
		return nil, err
	}
	if project.ID == uuid.Nil {
		return nil, nil
	}
	return &project, nil
}

func (r *projectRepo) List(dbc dbctx.Context) ([]*types.Project, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Project
	if err := transaction.WithContext(dbc.Ctx).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *projectRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Project{}).
		Where("id = ?", id).
		Updates(updates).Error
}
