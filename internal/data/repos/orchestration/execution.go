package orchestration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

// ExecutionFilter narrows List. Zero values mean "any".
type ExecutionFilter struct {
	Status     string
	WorkflowID string
	QueueName  string
	SessionID  *uuid.UUID
	UserID     string
	BatchID    *uuid.UUID
	RootsOnly  bool
	Limit      int
	Offset     int
}

type ExecutionRepo interface {
	Create(dbc dbctx.Context, execs []*types.Execution) ([]*types.Execution, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Execution, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Execution, error)
	List(dbc dbctx.Context, filter ExecutionFilter) ([]*types.Execution, int64, error)
	ListChildren(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Execution, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	UpdateFieldsWhereStatus(dbc dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error)
	PickQueuedForDispatch(dbc dbctx.Context) (*types.Execution, error)
	ClaimQueuedForWorker(dbc dbctx.Context, worker *types.Worker) (*types.Execution, error)
	CountNonTerminalChildren(dbc dbctx.Context, parentID uuid.UUID) (int64, error)
	ListDescendantIDs(dbc dbctx.Context, rootID uuid.UUID, maxDepth int) ([]uuid.UUID, error)
	RequeueAssignedTo(dbc dbctx.Context, workerID uuid.UUID) (int64, error)
	CountAssignedActive(dbc dbctx.Context, workerID uuid.UUID) (int64, error)
	ListStaleClaimed(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Execution, error)
	RequeueOrphaned(dbc dbctx.Context) (int64, error)
	CountInFlight(dbc dbctx.Context, workflowID string, deploymentID uuid.UUID) (int64, error)
	ListRunningPastDeadline(dbc dbctx.Context, limit int) ([]*types.Execution, error)
	ListPendingCancelOlderThan(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Execution, error)
	ListTerminalIDsBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	DeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) (int64, error)
	CountsByStatus(dbc dbctx.Context) (map[string]int64, error)
}

type executionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExecutionRepo(db *gorm.DB, baseLog *logger.Logger) ExecutionRepo {
	return &executionRepo{
		db:  db,
		log: baseLog.With("repo", "ExecutionRepo"),
	}
}

func (r *executionRepo) Create(dbc dbctx.Context, execs []*types.Execution) ([]*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(execs) == 0 {
		return []*types.Execution{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

func (r *executionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var exec types.Execution
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&exec).Error
	if err != nil {
		return nil, err
	}
	if exec.ID == uuid.Nil {
		return nil, nil
	}
	return &exec, nil
}

func (r *executionRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Execution
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *executionRepo) List(dbc dbctx.Context, filter ExecutionFilter) ([]*types.Execution, int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.Execution{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.QueueName != "" {
		q = q.Where("queue_name = ?", filter.QueueName)
	}
	if filter.SessionID != nil && *filter.SessionID != uuid.Nil {
		q = q.Where("session_id = ?", *filter.SessionID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.BatchID != nil && *filter.BatchID != uuid.Nil {
		q = q.Where("batch_id = ?", *filter.BatchID)
	}
	if filter.RootsOnly {
		q = q.Where("parent_execution_id IS NULL")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.Execution
	if err := q.Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *executionRepo) ListChildren(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if parentID == uuid.Nil {
		return nil, nil
	}
	var out []*types.Execution
	if err := transaction.WithContext(dbc.Ctx).
		Where("parent_execution_id = ?", parentID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *executionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Execution{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *executionRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateFieldsWhereStatus applies updates only while the row still holds one
// of the allowed statuses. Every state machine edge goes through here so a
// lost race shows up as rows=0 instead of a corrupt transition.
func (r *executionRepo) UpdateFieldsWhereStatus(dbc dbctx.Context, id uuid.UUID, allowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(allowedStatuses) == 0 {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("id = ?", id)
	if len(allowedStatuses) == 1 {
		q = q.Where("status = ?", allowedStatuses[0])
	} else {
		q = q.Where("status IN ?", allowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// dispatchPickSQL selects the oldest queued execution that can actually be
// placed right now: its queue has headroom, its concurrency key (if any) is
// idle, and its deployment has at least one online push worker with a free
// slot. SKIP LOCKED lets concurrent dispatcher ticks pick disjoint rows.
const dispatchPickSQL = `
WITH active_counts AS (
	SELECT queue_name, deployment_id, project_id, COUNT(*) AS total_active
	FROM workflow_executions
	WHERE status IN ('claimed', 'running')
	GROUP BY queue_name, deployment_id, project_id
),
key_counts AS (
	SELECT queue_name, deployment_id, project_id, concurrency_key, COUNT(*) AS key_active
	FROM workflow_executions
	WHERE status IN ('claimed', 'running') AND concurrency_key IS NOT NULL
	GROUP BY queue_name, deployment_id, project_id, concurrency_key
),
eligible AS (
	SELECT current_deployment_id, project_id
	FROM workers
	WHERE status = 'online'
	  AND mode = 'push'
	  AND current_execution_count < max_concurrent_executions
	GROUP BY current_deployment_id, project_id
)
SELECT e.*
FROM workflow_executions e
JOIN eligible w
  ON w.current_deployment_id = e.deployment_id
 AND w.project_id = e.project_id
LEFT JOIN queues q
  ON q.name = e.queue_name
 AND q.deployment_id = e.deployment_id
 AND q.project_id = e.project_id
LEFT JOIN active_counts ac
  ON ac.queue_name = e.queue_name
 AND ac.deployment_id = e.deployment_id
 AND ac.project_id = e.project_id
LEFT JOIN key_counts kc
  ON kc.queue_name = e.queue_name
 AND kc.deployment_id = e.deployment_id
 AND kc.project_id = e.project_id
 AND kc.concurrency_key = e.concurrency_key
WHERE e.status = 'queued'
  AND (q.concurrency_limit IS NULL OR COALESCE(ac.total_active, 0) < q.concurrency_limit)
  AND (e.concurrency_key IS NULL OR COALESCE(kc.key_active, 0) = 0)
ORDER BY COALESCE(e.queued_at, e.created_at) ASC
LIMIT 1
FOR UPDATE OF e SKIP LOCKED
`

func (r *executionRepo) PickQueuedForDispatch(dbc dbctx.Context) (*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var exec types.Execution
	err := transaction.WithContext(dbc.Ctx).Raw(dispatchPickSQL).Scan(&exec).Error
	if err != nil {
		return nil, err
	}
	if exec.ID == uuid.Nil {
		return nil, nil
	}
	return &exec, nil
}

// ClaimQueuedForWorker serves pull workers: pick the oldest placeable queued
// execution for the worker's deployment and mark it claimed in one step.
func (r *executionRepo) ClaimQueuedForWorker(dbc dbctx.Context, worker *types.Worker) (*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if worker == nil || worker.ID == uuid.Nil {
		return nil, nil
	}
	now := time.Now()
	var claimed *types.Execution
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var exec types.Execution
		if qErr := txx.Raw(pullClaimSQL, worker.CurrentDeploymentID, worker.ProjectID).Scan(&exec).Error; qErr != nil {
			return qErr
		}
		if exec.ID == uuid.Nil {
			return nil
		}
		uErr := txx.Model(&types.Execution{}).
			Where("id = ? AND status = ?", exec.ID, types.ExecutionQueued).
			Updates(map[string]interface{}{
				"status":             types.ExecutionClaimed,
				"assigned_to_worker": worker.ID,
				"assigned_at":        now,
				"claimed_at":         now,
				"updated_at":         now,
			})
		if uErr.Error != nil {
			return uErr.Error
		}
		if uErr.RowsAffected == 0 {
			return nil
		}
		exec.Status = types.ExecutionClaimed
		exec.AssignedToWorker = &worker.ID
		exec.AssignedAt = &now
		exec.ClaimedAt = &now
		claimed = &exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

const pullClaimSQL = `
WITH active_counts AS (
	SELECT queue_name, deployment_id, project_id, COUNT(*) AS total_active
	FROM workflow_executions
	WHERE status IN ('claimed', 'running')
	GROUP BY queue_name, deployment_id, project_id
),
key_counts AS (
	SELECT queue_name, deployment_id, project_id, concurrency_key, COUNT(*) AS key_active
	FROM workflow_executions
	WHERE status IN ('claimed', 'running') AND concurrency_key IS NOT NULL
	GROUP BY queue_name, deployment_id, project_id, concurrency_key
)
SELECT e.*
FROM workflow_executions e
LEFT JOIN queues q
  ON q.name = e.queue_name
 AND q.deployment_id = e.deployment_id
 AND q.project_id = e.project_id
LEFT JOIN active_counts ac
  ON ac.queue_name = e.queue_name
 AND ac.deployment_id = e.deployment_id
 AND ac.project_id = e.project_id
LEFT JOIN key_counts kc
  ON kc.queue_name = e.queue_name
 AND kc.deployment_id = e.deployment_id
 AND kc.project_id = e.project_id
 AND kc.concurrency_key = e.concurrency_key
WHERE e.status = 'queued'
  AND e.deployment_id = ?
  AND e.project_id = ?
  AND (q.concurrency_limit IS NULL OR COALESCE(ac.total_active, 0) < q.concurrency_limit)
  AND (e.concurrency_key IS NULL OR COALESCE(kc.key_active, 0) = 0)
ORDER BY COALESCE(e.queued_at, e.created_at) ASC
LIMIT 1
FOR UPDATE OF e SKIP LOCKED
`

func (r *executionRepo) CountNonTerminalChildren(dbc dbctx.Context, parentID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if parentID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("parent_execution_id = ? AND status NOT IN ?", parentID, types.TerminalStatuses).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListDescendantIDs walks the lineage tree breadth-first up to maxDepth
// levels. Cancellation cascades use this; the depth cap guards against
// pathological self-referencing rows.
func (r *executionRepo) ListDescendantIDs(dbc dbctx.Context, rootID uuid.UUID, maxDepth int) ([]uuid.UUID, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rootID == uuid.Nil {
		return nil, nil
	}
	if maxDepth <= 0 {
		maxDepth = 100
	}
	var ids []uuid.UUID
	err := transaction.WithContext(dbc.Ctx).Raw(`
		WITH RECURSIVE descendants AS (
			SELECT id, 1 AS depth
			FROM workflow_executions
			WHERE parent_execution_id = ?
			UNION ALL
			SELECT e.id, d.depth + 1
			FROM workflow_executions e
			JOIN descendants d ON e.parent_execution_id = d.id
			WHERE d.depth < ?
		)
		SELECT id FROM descendants
	`, rootID, maxDepth).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *executionRepo) RequeueAssignedTo(dbc dbctx.Context, workerID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if workerID == uuid.Nil {
		return 0, nil
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("assigned_to_worker = ? AND status IN ?", workerID, []string{types.ExecutionClaimed, types.ExecutionRunning}).
		Updates(map[string]interface{}{
			"status":             types.ExecutionQueued,
			"assigned_to_worker": nil,
			"assigned_at":        nil,
			"claimed_at":         nil,
			"started_at":         nil,
			"queued_at":          now,
			"updated_at":         now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *executionRepo) CountAssignedActive(dbc dbctx.Context, workerID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if workerID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("assigned_to_worker = ? AND status IN ?", workerID, []string{types.ExecutionClaimed, types.ExecutionRunning, types.ExecutionPendingCancel}).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListStaleClaimed finds executions stuck in claimed: the dispatcher
// assigned them but the worker never confirmed the push within the window.
func (r *executionRepo) ListStaleClaimed(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Execution
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", types.ExecutionClaimed, cutoff).
		Order("claimed_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequeueOrphaned rescues claimed/running executions whose assignment points
// nowhere: the worker row is gone or offline. Happens after worker deletion
// nulls assignments and after crash recovery.
func (r *executionRepo) RequeueOrphaned(dbc dbctx.Context) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).Exec(`
		UPDATE workflow_executions e
		SET status = 'queued',
		    assigned_to_worker = NULL,
		    assigned_at = NULL,
		    claimed_at = NULL,
		    started_at = NULL,
		    queued_at = now(),
		    updated_at = now()
		WHERE e.status IN ('claimed', 'running')
		  AND (
			e.assigned_to_worker IS NULL
			OR NOT EXISTS (
				SELECT 1 FROM workers w
				WHERE w.id = e.assigned_to_worker AND w.status = 'online'
			)
		  )
	`)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// CountInFlight counts non-terminal executions of one workflow under one
// deployment. The schedule reconciler skips firing while this is non-zero.
func (r *executionRepo) CountInFlight(dbc dbctx.Context, workflowID string, deploymentID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if workflowID == "" || deploymentID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("workflow_id = ? AND deployment_id = ? AND status NOT IN ?", workflowID, deploymentID, types.TerminalStatuses).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *executionRepo) ListRunningPastDeadline(dbc dbctx.Context, limit int) ([]*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Execution
	err := transaction.WithContext(dbc.Ctx).
		Where(`status = ?
			AND run_timeout_seconds IS NOT NULL
			AND started_at IS NOT NULL
			AND started_at + make_interval(secs => run_timeout_seconds) < now()`, types.ExecutionRunning).
		Order("started_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *executionRepo) ListPendingCancelOlderThan(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Execution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Execution
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND updated_at < ?", types.ExecutionPendingCancel, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *executionRepo) ListTerminalIDsBefore(dbc dbctx.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 500
	}
	// Roots only: children are collected through their root so a still-live
	// tree is never partially deleted.
	var ids []uuid.UUID
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Where("parent_execution_id IS NULL AND status IN ? AND completed_at IS NOT NULL AND completed_at < ?", types.TerminalStatuses, cutoff).
		Order("completed_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *executionRepo) DeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Delete(&types.Execution{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *executionRepo) CountsByStatus(dbc dbctx.Context) (map[string]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Status string
		Count  int64
	}
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Execution{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
