package orchestration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

type QueueRepo interface {
	Ensure(dbc dbctx.Context, queue *types.Queue) (*types.Queue, error)
	GetByName(dbc dbctx.Context, projectID, deploymentID uuid.UUID, name string) (*types.Queue, error)
	List(dbc dbctx.Context, deploymentID *uuid.UUID) ([]*types.Queue, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	CountActive(dbc dbctx.Context, projectID, deploymentID uuid.UUID, name string) (int64, error)
}

type queueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueRepo(db *gorm.DB, baseLog *logger.Logger) QueueRepo {
	return &queueRepo{
		db:  db,
		log: baseLog.With("repo", "QueueRepo"),
	}
}

// Ensure creates the queue row if it does not exist yet. Existing rows keep
// their concurrency limit unless the caller supplies a new one.
func (r *queueRepo) Ensure(dbc dbctx.Context, queue *types.Queue) (*types.Queue, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if queue == nil || queue.Name == "" {
		return nil, nil
	}
	if queue.ID == uuid.Nil {
		queue.ID = uuid.New()
	}

	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "deployment_id"}, {Name: "project_id"}},
		DoNothing: true,
	}
	if queue.ConcurrencyLimit != nil {
		conflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}, {Name: "deployment_id"}, {Name: "project_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"concurrency_limit", "updated_at"}),
		}
	}
	if err := transaction.WithContext(dbc.Ctx).Clauses(conflict).Create(queue).Error; err != nil {
		return nil, err
	}
	return r.GetByName(dbc, queue.ProjectID, queue.DeploymentID, queue.Name)
}

func (r *queueRepo) GetByName(dbc dbctx.Context, projectID, deploymentID uuid.UUID, name string) (*types.Queue, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if name == "" {
		return nil, nil
	}
	var queue types.Queue
	err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND deployment_id = ? AND name = ?", projectID, deploymentID, name).
		Limit(1).
		Find(&queue).Error
	if err != nil {
		return nil, err
	}
	if queue.ID == uuid.Nil {
		return nil, nil
	}
	return &queue, nil
}

func (r *queueRepo) List(dbc dbctx.Context, deploymentID *uuid.UUID) ([]*types.Queue, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.Queue{})
	if deploymentID != nil && *deploymentID != uuid.Nil {
		q = q.Where("deployment_id = ?", *deploymentID)
	}
	var out []*types.Queue
	if err := q.Order("name ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *queueRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Queue{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// CountActive reports claimed+running executions in the queue scope, the
// number the dispatcher compares against the concurrency limit.
func (r *queueRepo) CountActive(dbc dbctx.Context, projectID, deploymentID uuid.UUID, name string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("project_id = ? AND deployment_id = ? AND queue_name = ? AND status IN ?",
			projectID, deploymentID, name, []string{types.ExecutionClaimed, types.ExecutionRunning},
		).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
