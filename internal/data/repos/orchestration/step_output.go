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

type StepOutputRepo interface {
	Upsert(dbc dbctx.Context, so *types.StepOutput) (*types.StepOutput, error)
	GetByExecutionAndStep(dbc dbctx.Context, executionID uuid.UUID, stepKey string) (*types.StepOutput, error)
	ListByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.StepOutput, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	DeleteByExecutionIDs(dbc dbctx.Context, executionIDs []uuid.UUID) (int64, error)
}

type stepOutputRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepOutputRepo(db *gorm.DB, baseLog *logger.Logger) StepOutputRepo {
	return &stepOutputRepo{
		db:  db,
		log: baseLog.With("repo", "StepOutputRepo"),
	}
}

// Upsert memoizes one step result. Replays overwrite, which keeps the last
// write for a step authoritative.
func (r *stepOutputRepo) Upsert(dbc dbctx.Context, so *types.StepOutput) (*types.StepOutput, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if so == nil || so.ExecutionID == uuid.Nil || so.StepKey == "" {
		return nil, nil
	}
	if so.ID == uuid.Nil {
		so.ID = uuid.New()
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "execution_id"}, {Name: "step_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"outputs",
				"error",
				"success",
				"source_execution_id",
				"output_schema_name",
				"updated_at",
			}),
		}).
		Create(so).Error
	if err != nil {
		return nil, err
	}
	return r.GetByExecutionAndStep(dbc, so.ExecutionID, so.StepKey)
}

func (r *stepOutputRepo) GetByExecutionAndStep(dbc dbctx.Context, executionID uuid.UUID, stepKey string) (*types.StepOutput, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if executionID == uuid.Nil || stepKey == "" {
		return nil, nil
	}
	var so types.StepOutput
	err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ? AND step_key = ?", executionID, stepKey).
		Limit(1).
		Find(&so).Error
	if err != nil {
		return nil, err
	}
	if so.ID == uuid.Nil {
		return nil, nil
	}
	return &so, nil
}

func (r *stepOutputRepo) ListByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.StepOutput, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if executionID == uuid.Nil {
		return nil, nil
	}
	var out []*types.StepOutput
	err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepOutputRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.StepOutput{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *stepOutputRepo) DeleteByExecutionIDs(dbc dbctx.Context, executionIDs []uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(executionIDs) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("execution_id IN ?", executionIDs).
		Delete(&types.StepOutput{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
