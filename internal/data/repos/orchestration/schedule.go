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

type ScheduleRepo interface {
	Upsert(dbc dbctx.Context, schedule *types.Schedule) (*types.Schedule, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Schedule, error)
	List(dbc dbctx.Context, workflowID string) ([]*types.Schedule, error)
	ListDue(dbc dbctx.Context, now time.Time, limit int) ([]*types.Schedule, error)
	MarkRun(dbc dbctx.Context, id uuid.UUID, expectedNextRun *time.Time, ranAt time.Time, nextRun time.Time) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Delete(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type scheduleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScheduleRepo(db *gorm.DB, baseLog *logger.Logger) ScheduleRepo {
	return &scheduleRepo{
		db:  db,
		log: baseLog.With("repo", "ScheduleRepo"),
	}
}

// Upsert registers a schedule keyed by (workflow, key, project).
// Re-registration replaces the cadence and payload and recomputes next_run_at.
func (r *scheduleRepo) Upsert(dbc dbctx.Context, schedule *types.Schedule) (*types.Schedule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if schedule == nil || schedule.WorkflowID == "" || schedule.Key == "" {
		return nil, nil
	}
	if schedule.ID == uuid.Nil {
		schedule.ID = uuid.New()
	}
	if schedule.QueueName == "" {
		schedule.QueueName = types.DefaultQueueName
	}
	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "project_id"},
				{Name: "workflow_id"},
				{Name: "key"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"deployment_id",
				"cron_expression",
				"timezone",
				"queue_name",
				"payload",
				"next_run_at",
				"enabled",
				"updated_at",
			}),
		}).
		Create(schedule).Error
	if err != nil {
		return nil, err
	}

	var out types.Schedule
	err = transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND workflow_id = ? AND key = ?",
			schedule.ProjectID, schedule.WorkflowID, schedule.Key,
		).
		Limit(1).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *scheduleRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Schedule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var schedule types.Schedule
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&schedule).Error
	if err != nil {
		return nil, err
	}
	if schedule.ID == uuid.Nil {
		return nil, nil
	}
	return &schedule, nil
}

func (r *scheduleRepo) List(dbc dbctx.Context, workflowID string) ([]*types.Schedule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.Schedule{})
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	var out []*types.Schedule
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListDue locks due schedules so concurrent reconciler ticks fire disjoint
// sets.
func (r *scheduleRepo) ListDue(dbc dbctx.Context, now time.Time, limit int) ([]*types.Schedule, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.Schedule
	err := transaction.WithContext(dbc.Ctx).Raw(`
		SELECT *
		FROM schedules
		WHERE enabled = true
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, now, limit).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRun records a firing and advances next_run_at, compare-and-swapped on
// the due time that was just served.
func (r *scheduleRepo) MarkRun(dbc dbctx.Context, id uuid.UUID, expectedNextRun *time.Time, ranAt time.Time, nextRun time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.Schedule{}).
		Where("id = ?", id)
	if expectedNextRun != nil {
		q = q.Where("next_run_at = ?", *expectedNextRun)
	}
	res := q.Updates(map[string]interface{}{
		"last_run_at": ranAt,
		"next_run_at": nextRun,
		"updated_at":  time.Now(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *scheduleRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Schedule{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *scheduleRepo) Delete(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.Schedule{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
