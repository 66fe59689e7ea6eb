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

// TriggerWindow summarizes the unprocessed slice of a topic for one trigger
// cursor: how many events are pending, the age of the oldest, and the
// sequence id the cursor should advance to after firing.
type TriggerWindow struct {
	Count    int64
	OldestAt *time.Time
	MaxSeq   int64
}

type EventRepo interface {
	Append(dbc dbctx.Context, events []*types.Event) ([]*types.Event, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Event, error)
	EnsureTopic(dbc dbctx.Context, projectID uuid.UUID, topic string) error
	ListTopics(dbc dbctx.Context, projectID uuid.UUID) ([]*types.EventTopic, error)
	ListByTopicSince(dbc dbctx.Context, projectID uuid.UUID, topic string, sinceSeq int64, limit int) ([]*types.Event, error)
	ListByTopicSinceTime(dbc dbctx.Context, projectID uuid.UUID, topic string, since time.Time, limit int) ([]*types.Event, error)
	ListForExecutionSince(dbc dbctx.Context, executionID uuid.UUID, topic string, sinceSeq int64, limit int) ([]*types.Event, error)
	FirstMatchingForWait(dbc dbctx.Context, projectID uuid.UUID, topic string, eventType *string, armedAt time.Time) (*types.Event, error)
	WindowSince(dbc dbctx.Context, projectID uuid.UUID, topic string, sinceSeq int64) (*TriggerWindow, error)
	DeleteByExecutionIDs(dbc dbctx.Context, executionIDs []uuid.UUID) (int64, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{
		db:  db,
		log: baseLog.With("repo", "EventRepo"),
	}
}

func (r *eventRepo) Append(dbc dbctx.Context, events []*types.Event) ([]*types.Event, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(events) == 0 {
		return []*types.Event{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *eventRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Event, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var event types.Event
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == uuid.Nil {
		return nil, nil
	}
	return &event, nil
}

func (r *eventRepo) EnsureTopic(dbc dbctx.Context, projectID uuid.UUID, topic string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil || topic == "" {
		return nil
	}
	row := &types.EventTopic{
		ID:        uuid.New(),
		ProjectID: projectID,
		Topic:     topic,
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "topic"}},
			DoNothing: true,
		}).
		Create(row).Error
}

func (r *eventRepo) ListTopics(dbc dbctx.Context, projectID uuid.UUID) ([]*types.EventTopic, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.EventTopic{})
	if projectID != uuid.Nil {
		q = q.Where("project_id = ?", projectID)
	}
	var out []*types.EventTopic
	if err := q.Order("topic ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventRepo) ListByTopicSince(dbc dbctx.Context, projectID uuid.UUID, topic string, sinceSeq int64, limit int) ([]*types.Event, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if topic == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("topic = ? AND sequence_id > ?", topic, sinceSeq)
	if projectID != uuid.Nil {
		q = q.Where("project_id = ?", projectID)
	}
	var out []*types.Event
	if err := q.Order("sequence_id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListByTopicSinceTime is the timestamp-cursor variant of ListByTopicSince.
// Sequence cursors take precedence when callers supply both.
func (r *eventRepo) ListByTopicSinceTime(dbc dbctx.Context, projectID uuid.UUID, topic string, since time.Time, limit int) ([]*types.Event, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if topic == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("topic = ? AND created_at > ?", topic, since)
	if projectID != uuid.Nil {
		q = q.Where("project_id = ?", projectID)
	}
	var out []*types.Event
	if err := q.Order("sequence_id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListForExecutionSince returns the stream slice for one execution: events
// it emitted plus events published on its own topic.
func (r *eventRepo) ListForExecutionSince(dbc dbctx.Context, executionID uuid.UUID, topic string, sinceSeq int64, limit int) ([]*types.Event, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if executionID == uuid.Nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	var out []*types.Event
	err := transaction.WithContext(dbc.Ctx).
		Where("sequence_id > ? AND (source_execution_id = ? OR topic = ?)", sinceSeq, executionID, topic).
		Order("sequence_id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FirstMatchingForWait finds the earliest event able to satisfy an event
// wait. Non-durable events only count once the wait is armed; durable
// events act as latches and match regardless of arming order.
func (r *eventRepo) FirstMatchingForWait(dbc dbctx.Context, projectID uuid.UUID, topic string, eventType *string, armedAt time.Time) (*types.Event, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if topic == "" {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("topic = ? AND (durable = true OR created_at >= ?)", topic, armedAt)
	if projectID != uuid.Nil {
		q = q.Where("project_id = ?", projectID)
	}
	if eventType != nil && *eventType != "" {
		q = q.Where("event_type = ?", *eventType)
	}
	var event types.Event
	err := q.Order("sequence_id ASC").Limit(1).Find(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == uuid.Nil {
		return nil, nil
	}
	return &event, nil
}

func (r *eventRepo) WindowSince(dbc dbctx.Context, projectID uuid.UUID, topic string, sinceSeq int64) (*TriggerWindow, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if topic == "" {
		return &TriggerWindow{}, nil
	}
	var row struct {
		Count    int64
		OldestAt *time.Time
		MaxSeq   *int64
	}
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Event{}).
		Select("COUNT(*) AS count, MIN(created_at) AS oldest_at, MAX(sequence_id) AS max_seq").
		Where("project_id = ? AND topic = ? AND sequence_id > ?", projectID, topic, sinceSeq).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	window := &TriggerWindow{Count: row.Count, OldestAt: row.OldestAt}
	if row.MaxSeq != nil {
		window.MaxSeq = *row.MaxSeq
	}
	return window, nil
}

// DeleteByExecutionIDs drops the per-execution event trail during retention
// GC. Durable events are spared.
func (r *eventRepo) DeleteByExecutionIDs(dbc dbctx.Context, executionIDs []uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(executionIDs) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("durable = false AND (source_execution_id IN ? OR root_execution_id IN ?)", executionIDs, executionIDs).
		Delete(&types.Event{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
