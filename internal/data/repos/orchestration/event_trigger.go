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

type EventTriggerRepo interface {
	Upsert(dbc dbctx.Context, trigger *types.EventTrigger) (*types.EventTrigger, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.EventTrigger, error)
	LockByID(dbc dbctx.Context, id uuid.UUID) (*types.EventTrigger, error)
	List(dbc dbctx.Context, enabledOnly bool) ([]*types.EventTrigger, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	AdvanceCursor(dbc dbctx.Context, id uuid.UUID, fromSeq, toSeq int64, lastEventAt time.Time) (bool, error)
	Delete(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type eventTriggerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventTriggerRepo(db *gorm.DB, baseLog *logger.Logger) EventTriggerRepo {
	return &eventTriggerRepo{
		db:  db,
		log: baseLog.With("repo", "EventTriggerRepo"),
	}
}

// Upsert registers a trigger, keyed by (workflow, deployment, topic,
// project). Re-registration refreshes the batch settings but leaves the
// cursor where it was, so redeployments do not replay old events.
func (r *eventTriggerRepo) Upsert(dbc dbctx.Context, trigger *types.EventTrigger) (*types.EventTrigger, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if trigger == nil || trigger.WorkflowID == "" || trigger.EventTopic == "" {
		return nil, nil
	}
	if trigger.ID == uuid.Nil {
		trigger.ID = uuid.New()
	}
	if trigger.BatchSize <= 0 {
		trigger.BatchSize = 1
	}
	if trigger.QueueName == "" {
		trigger.QueueName = types.DefaultQueueName
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "project_id"},
				{Name: "workflow_id"},
				{Name: "deployment_id"},
				{Name: "event_topic"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"queue_name",
				"batch_size",
				"batch_timeout_seconds",
				"enabled",
				"updated_at",
			}),
		}).
		Create(trigger).Error
	if err != nil {
		return nil, err
	}

	var out types.EventTrigger
	err = transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND workflow_id = ? AND deployment_id = ? AND event_topic = ?",
			trigger.ProjectID, trigger.WorkflowID, trigger.DeploymentID, trigger.EventTopic,
		).
		Limit(1).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *eventTriggerRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.EventTrigger, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var trigger types.EventTrigger
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&trigger).Error
	if err != nil {
		return nil, err
	}
	if trigger.ID == uuid.Nil {
		return nil, nil
	}
	return &trigger, nil
}

// LockByID takes the row lock the trigger reconciler holds while it decides
// whether to fire. A locked trigger is skipped by other instances.
func (r *eventTriggerRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.EventTrigger, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var trigger types.EventTrigger
	err := transaction.WithContext(dbc.Ctx).Raw(`
		SELECT * FROM event_triggers
		WHERE id = ?
		FOR UPDATE SKIP LOCKED
	`, id).Scan(&trigger).Error
	if err != nil {
		return nil, err
	}
	if trigger.ID == uuid.Nil {
		return nil, nil
	}
	return &trigger, nil
}

func (r *eventTriggerRepo) List(dbc dbctx.Context, enabledOnly bool) ([]*types.EventTrigger, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.EventTrigger{})
	if enabledOnly {
		q = q.Where("enabled = true")
	}
	var out []*types.EventTrigger
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventTriggerRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.EventTrigger{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// AdvanceCursor moves the trigger cursor with a compare-and-swap on the old
// position. A concurrent reconciler tick that already moved it loses here
// instead of double-firing.
func (r *eventTriggerRepo) AdvanceCursor(dbc dbctx.Context, id uuid.UUID, fromSeq, toSeq int64, lastEventAt time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || toSeq <= fromSeq {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.EventTrigger{}).
		Where("id = ? AND last_sequence_id = ?", id, fromSeq).
		Updates(map[string]interface{}{
			"last_sequence_id":     toSeq,
			"last_event_timestamp": lastEventAt,
			"processed_at":         now,
			"updated_at":           now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *eventTriggerRepo) Delete(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.EventTrigger{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
