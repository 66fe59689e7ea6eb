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

type WorkerRepo interface {
	Upsert(dbc dbctx.Context, worker *types.Worker) (*types.Worker, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Worker, error)
	List(dbc dbctx.Context, deploymentID *uuid.UUID, status string) ([]*types.Worker, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID, executionCount *int) (bool, error)
	PickForDispatch(dbc dbctx.Context, deploymentID, projectID uuid.UUID) (*types.Worker, error)
	AdjustExecutionCount(dbc dbctx.Context, id uuid.UUID, delta int) error
	RecordPushSuccess(dbc dbctx.Context, id uuid.UUID) error
	RecordPushFailure(dbc dbctx.Context, id uuid.UUID) (offline bool, err error)
	ListStale(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Worker, error)
	ListOfflineSilent(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Worker, error)
	MarkOffline(dbc dbctx.Context, id uuid.UUID) (bool, error)
	Delete(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type workerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkerRepo(db *gorm.DB, baseLog *logger.Logger) WorkerRepo {
	return &workerRepo{
		db:  db,
		log: baseLog.With("repo", "WorkerRepo"),
	}
}

// Upsert registers a worker, reviving the existing row when the worker
// reconnects with the same id. Registration resets failure counters. New
// workers start offline until they report readiness.
func (r *workerRepo) Upsert(dbc dbctx.Context, worker *types.Worker) (*types.Worker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if worker == nil {
		return nil, nil
	}
	if worker.ID == uuid.Nil {
		worker.ID = uuid.New()
	}
	now := time.Now()
	if worker.Status == "" {
		worker.Status = types.WorkerStatusOffline
	}
	worker.LastHeartbeat = &now
	worker.PushFailureCount = 0
	if worker.PushFailureThreshold <= 0 {
		worker.PushFailureThreshold = 3
	}
	if worker.MaxConcurrentExecutions <= 0 {
		worker.MaxConcurrentExecutions = 1
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"current_deployment_id",
				"mode",
				"push_endpoint_url",
				"max_concurrent_executions",
				"status",
				"last_heartbeat",
				"push_failure_count",
				"push_failure_threshold",
				"metadata",
				"updated_at",
			}),
		}).
		Create(worker).Error
	if err != nil {
		return nil, err
	}
	return worker, nil
}

func (r *workerRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Worker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var worker types.Worker
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&worker).Error
	if err != nil {
		return nil, err
	}
	if worker.ID == uuid.Nil {
		return nil, nil
	}
	return &worker, nil
}

func (r *workerRepo) List(dbc dbctx.Context, deploymentID *uuid.UUID, status string) ([]*types.Worker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.Worker{})
	if deploymentID != nil && *deploymentID != uuid.Nil {
		q = q.Where("current_deployment_id = ?", *deploymentID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*types.Worker
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *workerRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Worker{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Heartbeat refreshes liveness and flips an offline worker back online. The
// worker may report its own execution count; when it does, the registry
// adopts it so counter drift self-heals within one heartbeat interval.
func (r *workerRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID, executionCount *int) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"last_heartbeat": now,
		"status":         types.WorkerStatusOnline,
		"updated_at":     now,
	}
	if executionCount != nil && *executionCount >= 0 {
		updates["current_execution_count"] = *executionCount
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Worker{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// PickForDispatch locks the least loaded online push worker for the
// deployment. Ties break toward the worker not pushed to recently, then the
// one with the cleanest failure record.
func (r *workerRepo) PickForDispatch(dbc dbctx.Context, deploymentID, projectID uuid.UUID) (*types.Worker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if deploymentID == uuid.Nil {
		return nil, nil
	}
	var worker types.Worker
	err := transaction.WithContext(dbc.Ctx).Raw(`
		SELECT *
		FROM workers
		WHERE current_deployment_id = ?
		  AND project_id = ?
		  AND status = ?
		  AND mode = ?
		  AND current_execution_count < max_concurrent_executions
		  AND push_failure_count < push_failure_threshold
		  AND last_heartbeat IS NOT NULL
		  AND last_heartbeat > now() - interval '60 seconds'
		ORDER BY current_execution_count ASC,
		         last_push_attempt_at ASC NULLS FIRST,
		         push_failure_count ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, deploymentID, projectID, types.WorkerStatusOnline, types.WorkerModePush).Scan(&worker).Error
	if err != nil {
		return nil, err
	}
	if worker.ID == uuid.Nil {
		return nil, nil
	}
	return &worker, nil
}

func (r *workerRepo) AdjustExecutionCount(dbc dbctx.Context, id uuid.UUID, delta int) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || delta == 0 {
		return nil
	}
	// GREATEST keeps a late double-release from driving the count negative.
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Worker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_execution_count": gorm.Expr("GREATEST(current_execution_count + ?, 0)", delta),
			"updated_at":              time.Now(),
		}).Error
}

func (r *workerRepo) RecordPushSuccess(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Worker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"push_failure_count":   0,
			"last_push_attempt_at": now,
			"updated_at":           now,
		}).Error
}

// RecordPushFailure bumps the failure counter and marks the worker offline
// once the threshold is crossed. Returns whether the worker went offline.
func (r *workerRepo) RecordPushFailure(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Worker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"push_failure_count":   gorm.Expr("push_failure_count + 1"),
			"last_push_attempt_at": now,
			"updated_at":           now,
		}).Error
	if err != nil {
		return false, err
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Worker{}).
		Where("id = ? AND push_failure_count >= push_failure_threshold AND status = ?", id, types.WorkerStatusOnline).
		Updates(map[string]interface{}{
			"status":     types.WorkerStatusOffline,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *workerRepo) ListStale(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Worker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Worker
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", types.WorkerStatusOnline, cutoff).
		Order("last_heartbeat ASC NULLS FIRST").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListOfflineSilent returns offline workers whose heartbeat stopped before
// the cutoff. These are deletion candidates.
func (r *workerRepo) ListOfflineSilent(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Worker, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Worker
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", types.WorkerStatusOffline, cutoff).
		Order("last_heartbeat ASC NULLS FIRST").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *workerRepo) MarkOffline(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Worker{}).
		Where("id = ? AND status = ?", id, types.WorkerStatusOnline).
		Updates(map[string]interface{}{
			"status":     types.WorkerStatusOffline,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Delete removes a worker and nulls every assignment pointing at it, the
// same effect a foreign key SET NULL would have. Orphaned executions are
// requeued by the stale-worker sweep afterwards.
func (r *workerRepo) Delete(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("assigned_to_worker = ?", id).
		Updates(map[string]interface{}{
			"assigned_to_worker": nil,
			"updated_at":         time.Now(),
		}).Error; err != nil {
		return false, err
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.Worker{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
