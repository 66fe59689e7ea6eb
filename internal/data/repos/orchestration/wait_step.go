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

type WaitStepRepo interface {
	Upsert(dbc dbctx.Context, ws *types.WaitStep) (*types.WaitStep, error)
	GetByExecutionAndStep(dbc dbctx.Context, executionID uuid.UUID, stepKey string) (*types.WaitStep, error)
	ListActiveByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.WaitStep, error)
	ListActiveByTopic(dbc dbctx.Context, projectID uuid.UUID, topic string, limit int) ([]*types.WaitStep, error)
	ListExpired(dbc dbctx.Context, now time.Time, limit int) ([]*types.WaitStep, error)
	PickExpired(dbc dbctx.Context, now time.Time) (*types.WaitStep, error)
	LockActiveByTopic(dbc dbctx.Context, projectID uuid.UUID, topic string, limit int) ([]*types.WaitStep, error)
	ListActiveEventWaits(dbc dbctx.Context, limit int) ([]*types.WaitStep, error)
	ListActiveByType(dbc dbctx.Context, waitType string, limit int) ([]*types.WaitStep, error)
	Clear(dbc dbctx.Context, id uuid.UUID, expectedType string) (bool, error)
	ClearByExecutionIDs(dbc dbctx.Context, executionIDs []uuid.UUID) (int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	DeleteByExecutionIDs(dbc dbctx.Context, executionIDs []uuid.UUID) (int64, error)
}

type waitStepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWaitStepRepo(db *gorm.DB, baseLog *logger.Logger) WaitStepRepo {
	return &waitStepRepo{
		db:  db,
		log: baseLog.With("repo", "WaitStepRepo"),
	}
}

// Upsert arms or re-arms the wait for one (execution, step) pair. Re-arming
// overwrites the previous wait parameters wholesale, so a retried step
// cannot inherit a stale topic or deadline.
func (r *waitStepRepo) Upsert(dbc dbctx.Context, ws *types.WaitStep) (*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ws == nil || ws.ExecutionID == uuid.Nil || ws.StepKey == "" {
		return nil, nil
	}
	if ws.ID == uuid.Nil {
		ws.ID = uuid.New()
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "execution_id"}, {Name: "step_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"wait_type",
				"wait_until",
				"wait_topic",
				"expires_at",
				"metadata",
				"updated_at",
			}),
		}).
		Create(ws).Error
	if err != nil {
		return nil, err
	}
	return r.GetByExecutionAndStep(dbc, ws.ExecutionID, ws.StepKey)
}

func (r *waitStepRepo) GetByExecutionAndStep(dbc dbctx.Context, executionID uuid.UUID, stepKey string) (*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if executionID == uuid.Nil || stepKey == "" {
		return nil, nil
	}
	var ws types.WaitStep
	err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ? AND step_key = ?", executionID, stepKey).
		Limit(1).
		Find(&ws).Error
	if err != nil {
		return nil, err
	}
	if ws.ID == uuid.Nil {
		return nil, nil
	}
	return &ws, nil
}

func (r *waitStepRepo) ListActiveByExecution(dbc dbctx.Context, executionID uuid.UUID) ([]*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if executionID == uuid.Nil {
		return nil, nil
	}
	var out []*types.WaitStep
	err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ? AND wait_type IS NOT NULL", executionID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *waitStepRepo) ListActiveByTopic(dbc dbctx.Context, projectID uuid.UUID, topic string, limit int) ([]*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if topic == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("wait_type = ? AND wait_topic = ?", types.WaitTypeEvent, topic)
	if projectID != uuid.Nil {
		q = q.Where("project_id = ?", projectID)
	}
	var out []*types.WaitStep
	if err := q.Order("created_at ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListExpired returns active waits whose clock has run out: time waits past
// wait_until and event/subworkflow waits past expires_at. Time waits sort
// first so a wake and a timeout landing on the same tick resolve in favor
// of the explicit timer.
func (r *waitStepRepo) ListExpired(dbc dbctx.Context, now time.Time, limit int) ([]*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 200
	}
	var out []*types.WaitStep
	err := transaction.WithContext(dbc.Ctx).
		Where(`wait_type IS NOT NULL AND (
			(wait_type = 'time' AND wait_until IS NOT NULL AND wait_until <= ?)
			OR (wait_type <> 'time' AND expires_at IS NOT NULL AND expires_at <= ?)
		)`, now, now).
		Order(`CASE wait_type WHEN 'time' THEN 0 WHEN 'event' THEN 1 ELSE 2 END ASC,
			COALESCE(wait_until, expires_at) ASC`).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PickExpired locks exactly one expired wait for resolution. Concurrent
// reconciler instances skip each other's picks, so each expired wait is
// resolved once.
func (r *waitStepRepo) PickExpired(dbc dbctx.Context, now time.Time) (*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var ws types.WaitStep
	err := transaction.WithContext(dbc.Ctx).Raw(`
		SELECT *
		FROM wait_steps
		WHERE wait_type IS NOT NULL AND (
			(wait_type = 'time' AND wait_until IS NOT NULL AND wait_until <= ?)
			OR (wait_type <> 'time' AND expires_at IS NOT NULL AND expires_at <= ?)
		)
		ORDER BY CASE wait_type WHEN 'time' THEN 0 WHEN 'event' THEN 1 ELSE 2 END ASC,
		         COALESCE(wait_until, expires_at) ASC
		LIMIT 1
		FOR UPDATE OF wait_steps SKIP LOCKED
	`, now, now).Scan(&ws).Error
	if err != nil {
		return nil, err
	}
	if ws.ID == uuid.Nil {
		return nil, nil
	}
	return &ws, nil
}

// LockActiveByTopic locks the event waits a publish may wake. SKIP LOCKED
// serializes concurrent publishers per wait without blocking them on each
// other.
func (r *waitStepRepo) LockActiveByTopic(dbc dbctx.Context, projectID uuid.UUID, topic string, limit int) ([]*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if topic == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	var out []*types.WaitStep
	err := transaction.WithContext(dbc.Ctx).Raw(`
		SELECT *
		FROM wait_steps
		WHERE wait_type = 'event'
		  AND wait_topic = ?
		  AND project_id = ?
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE OF wait_steps SKIP LOCKED
	`, topic, projectID, limit).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListActiveEventWaits feeds the fallback sweep that matches event waits
// against the log in case a publish-time wake was missed.
func (r *waitStepRepo) ListActiveEventWaits(dbc dbctx.Context, limit int) ([]*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 200
	}
	var out []*types.WaitStep
	err := transaction.WithContext(dbc.Ctx).
		Where("wait_type = ? AND wait_topic IS NOT NULL", types.WaitTypeEvent).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListActiveByType serves the subworkflow safety net: waits of one kind
// that are still armed.
func (r *waitStepRepo) ListActiveByType(dbc dbctx.Context, waitType string, limit int) ([]*types.WaitStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if waitType == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	var out []*types.WaitStep
	err := transaction.WithContext(dbc.Ctx).
		Where("wait_type = ?", waitType).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear resolves a wait by nulling its type, guarded on the type still
// matching. Exactly one of several racing wakers wins; the row survives as
// the step's wait history.
func (r *waitStepRepo) Clear(dbc dbctx.Context, id uuid.UUID, expectedType string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || expectedType == "" {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.WaitStep{}).
		Where("id = ? AND wait_type = ?", id, expectedType).
		Updates(map[string]interface{}{
			"wait_type":  nil,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *waitStepRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.WaitStep{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ClearByExecutionIDs disarms every active wait of the given executions.
// Cancellation cascades use this so a pending_cancel row can never be woken
// back to queued by a late event.
func (r *waitStepRepo) ClearByExecutionIDs(dbc dbctx.Context, executionIDs []uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(executionIDs) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.WaitStep{}).
		Where("execution_id IN ? AND wait_type IS NOT NULL", executionIDs).
		Updates(map[string]interface{}{
			"wait_type":  nil,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *waitStepRepo) DeleteByExecutionIDs(dbc dbctx.Context, executionIDs []uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(executionIDs) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("execution_id IN ?", executionIDs).
		Delete(&types.WaitStep{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
