package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/db"
	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
)

// SubmitParams describes one execution submission. ProjectID is only
// consulted on admin paths (triggers, schedules); request paths take the
// project from the context scope.
type SubmitParams struct {
	ProjectID          uuid.UUID
	WorkflowID         string
	DeploymentID       *uuid.UUID
	Payload            datatypes.JSON
	InitialState       datatypes.JSON
	QueueName          string
	ConcurrencyLimit   *int
	ConcurrencyKey     *string
	ParentExecutionID  *uuid.UUID
	StepKey            *string
	WaitForSubworkflow bool
	SessionID          *uuid.UUID
	UserID             string
	RunTimeoutSeconds  *int
	batchID            *uuid.UUID
}

// WaitParams describes a worker-initiated suspension of one step.
type WaitParams struct {
	StepKey   string
	WaitType  string // time | event | subworkflow | approval
	WaitUntil *time.Time
	WaitTopic *string
	ExpiresAt *time.Time
}

// ParentResume reports that a waiting parent flipped back to queued, so the
// caller can trigger a dispatch pass.
type ParentResume struct {
	ExecutionID  uuid.UUID
	DeploymentID uuid.UUID
}

// FailOutcome tells the worker whether the execution will be retried.
type FailOutcome struct {
	WillRetry    bool
	RetryCount   int
	ParentResume *ParentResume
}

// CancelTarget is one assignment the caller should fan a /cancel push out
// to.
type CancelTarget struct {
	ExecutionID uuid.UUID
	Worker      *types.Worker
}

// CancelResult is the visible effect of one cancel cascade.
type CancelResult struct {
	Execution *types.Execution
	Targets   []CancelTarget
}

// StepOutputParams stores one step result on an execution.
type StepOutputParams struct {
	StepKey           string
	Outputs           datatypes.JSON
	Error             *string
	Success           bool
	SourceExecutionID *uuid.UUID
	OutputSchemaName  *string
}

// WaitTypeApproval is accepted on the wire and stored as an event wait on
// the execution's own topic with a resume_{step} filter.
const WaitTypeApproval = "approval"

// cancelDepthLimit bounds lineage traversal in both directions.
const cancelDepthLimit = 100

type ExecutionService interface {
	Submit(ctx context.Context, params SubmitParams) (*types.Execution, error)
	SubmitBatch(ctx context.Context, items []SubmitParams) ([]*types.Execution, error)
	// SubmitInTx submits inside the caller's transaction. Triggers and
	// schedules use it so the cursor advance and the submission commit
	// together.
	SubmitInTx(dbc dbctx.Context, params SubmitParams) (*types.Execution, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Execution, error)
	List(ctx context.Context, filter repos.ExecutionFilter) ([]*types.Execution, int64, error)
	ListChildren(ctx context.Context, id uuid.UUID) ([]*types.Execution, error)

	Complete(ctx context.Context, executionID, workerID uuid.UUID, result, finalState datatypes.JSON) (*ParentResume, error)
	Fail(ctx context.Context, executionID, workerID uuid.UUID, errMsg string, retryable bool, maxRetries int, finalState datatypes.JSON) (*FailOutcome, error)
	SetWaiting(ctx context.Context, executionID, workerID uuid.UUID, params WaitParams) error
	Cancel(ctx context.Context, executionID uuid.UUID, cancelledBy string) (*CancelResult, error)
	ConfirmCancellation(ctx context.Context, executionID, workerID uuid.UUID) error
	MarkCancelled(ctx context.Context, executionID uuid.UUID) error

	StoreStepOutput(ctx context.Context, executionID uuid.UUID, params StepOutputParams) (*types.StepOutput, error)
	GetStepOutput(ctx context.Context, executionID uuid.UUID, stepKey string) (*types.StepOutput, error)
	GetAllStepOutputs(ctx context.Context, executionID uuid.UUID) ([]*types.StepOutput, error)

	ResumeExpiredWaitOnce(ctx context.Context) (bool, *ParentResume, error)
	SweepEventWaits(ctx context.Context, limit int) ([]ParentResume, error)
	SweepSubworkflowWaits(ctx context.Context, limit int) ([]ParentResume, error)
}

type executionService struct {
	db          *gorm.DB
	log         *logger.Logger
	executions  repos.ExecutionRepo
	queues      repos.QueueRepo
	workers     repos.WorkerRepo
	waits       repos.WaitStepRepo
	stepOutputs repos.StepOutputRepo
	events      repos.EventRepo
	deployments repos.DeploymentRepo
}

func NewExecutionService(
	gdb *gorm.DB,
	baseLog *logger.Logger,
	executions repos.ExecutionRepo,
	queues repos.QueueRepo,
	workers repos.WorkerRepo,
	waits repos.WaitStepRepo,
	stepOutputs repos.StepOutputRepo,
	events repos.EventRepo,
	deployments repos.DeploymentRepo,
) ExecutionService {
	return &executionService{
		db:          gdb,
		log:         baseLog.With("service", "ExecutionService"),
		executions:  executions,
		queues:      queues,
		workers:     workers,
		waits:       waits,
		stepOutputs: stepOutputs,
		events:      events,
		deployments: deployments,
	}
}

func (s *executionService) Submit(ctx context.Context, params SubmitParams) (*types.Execution, error) {
	var exec *types.Execution
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		created, err := s.SubmitInTx(dbc, params)
		if err != nil {
			return err
		}
		exec = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// SubmitBatch creates N sibling executions sharing one batch id. When the
// items carry a waiting parent, all siblings share a single subworkflow wait
// whose metadata records submission order.
func (s *executionService) SubmitBatch(ctx context.Context, items []SubmitParams) ([]*types.Execution, error) {
	if len(items) == 0 {
		return nil, apierr.BadRequest("batch requires at least one workflow")
	}
	batchID := uuid.New()
	var out []*types.Execution
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		out = out[:0]
		for i := range items {
			items[i].batchID = &batchID
			created, err := s.SubmitInTx(dbc, items[i])
			if err != nil {
				return err
			}
			out = append(out, created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitInTx performs one submission inside the caller's transaction.
// Fan-out order matters: the parent wait is armed in the same transaction as
// the child row, so a crash can never leave a child without its wait.
func (s *executionService) SubmitInTx(dbc dbctx.Context, params SubmitParams) (*types.Execution, error) {
	if params.WorkflowID == "" {
		return nil, apierr.BadRequest("missing workflow_id")
	}

	projectID := params.ProjectID
	if projectID == uuid.Nil {
		projectID = scope.ProjectID(dbc.Ctx)
	}
	if projectID == uuid.Nil {
		return nil, apierr.BadRequest("missing project scope")
	}

	deploymentID, err := s.resolveDeployment(dbc, params.DeploymentID)
	if err != nil {
		return nil, err
	}

	queueName := params.QueueName
	if queueName == "" {
		queueName = params.WorkflowID
	}
	if _, err := s.queues.Ensure(dbc, &types.Queue{
		ProjectID:        projectID,
		DeploymentID:     deploymentID,
		Name:             queueName,
		ConcurrencyLimit: params.ConcurrencyLimit,
	}); err != nil {
		return nil, fmt.Errorf("ensure queue: %w", err)
	}

	var parent *types.Execution
	if params.ParentExecutionID != nil {
		parent, err = s.executions.GetByID(dbc, *params.ParentExecutionID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, apierr.NotFound("parent execution not found")
		}
	}

	now := time.Now()
	exec := &types.Execution{
		ID:                uuid.New(),
		ProjectID:         projectID,
		WorkflowID:        params.WorkflowID,
		DeploymentID:      deploymentID,
		Payload:           params.Payload,
		InitialState:      params.InitialState,
		QueueName:         queueName,
		ConcurrencyKey:    params.ConcurrencyKey,
		BatchID:           params.batchID,
		Status:            types.ExecutionQueued,
		SessionID:         params.SessionID,
		UserID:            params.UserID,
		StepKey:           params.StepKey,
		RunTimeoutSeconds: params.RunTimeoutSeconds,
		CreatedAt:         now,
		QueuedAt:          &now,
		UpdatedAt:         now,
	}

	if parent != nil {
		exec.ParentExecutionID = &parent.ID
		rootID := parent.ID
		if parent.RootExecutionID != nil {
			rootID = *parent.RootExecutionID
		}
		exec.RootExecutionID = &rootID
		// Context flows down the tree unless the child overrides it.
		if exec.SessionID == nil {
			exec.SessionID = parent.SessionID
		}
		if exec.UserID == "" {
			exec.UserID = parent.UserID
		}
	} else if exec.SessionID == nil {
		sessionID := uuid.New()
		exec.SessionID = &sessionID
	}
	exec.TraceID = traceIDFor(exec.ID)

	if _, err := s.executions.Create(dbc, []*types.Execution{exec}); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	if parent != nil && params.WaitForSubworkflow {
		if params.StepKey == nil || *params.StepKey == "" {
			return nil, apierr.BadRequest("wait_for_subworkflow requires step_key")
		}
		if err := s.armSubworkflowWait(dbc, parent, *params.StepKey, exec.ID); err != nil {
			return nil, err
		}
	}

	s.appendStatusEvent(dbc, exec, types.ExecutionQueued)
	return exec, nil
}

func (s *executionService) resolveDeployment(dbc dbctx.Context, requested *uuid.UUID) (uuid.UUID, error) {
	if requested != nil && *requested != uuid.Nil {
		deployment, err := s.deployments.GetByID(dbc, *requested)
		if err != nil {
			return uuid.Nil, err
		}
		if deployment == nil {
			return uuid.Nil, apierr.BadRequest("unknown deployment %s", requested)
		}
		return deployment.ID, nil
	}
	latest, err := s.deployments.GetLatest(dbc)
	if err != nil {
		return uuid.Nil, err
	}
	if latest == nil {
		return uuid.Nil, apierr.BadRequest("no deployment registered for project")
	}
	return latest.ID, nil
}

// armSubworkflowWait parks the parent on its child (or appends the child to
// an already-armed batch wait) and releases the parent's worker slot the
// first time the parent leaves running.
func (s *executionService) armSubworkflowWait(dbc dbctx.Context, parent *types.Execution, stepKey string, childID uuid.UUID) error {
	existing, err := s.waits.GetByExecutionAndStep(dbc, parent.ID, stepKey)
	if err != nil {
		return err
	}

	meta := map[string]any{}
	if existing != nil && len(existing.Metadata) > 0 {
		_ = json.Unmarshal(existing.Metadata, &meta)
	}
	ids := metaExecutionIDs(meta)
	ids = append(ids, childID.String())
	meta[types.WaitMetaExecutionIDs] = ids
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	waitType := types.WaitTypeSubworkflow
	if _, err := s.waits.Upsert(dbc, &types.WaitStep{
		ProjectID:   parent.ProjectID,
		ExecutionID: parent.ID,
		StepKey:     stepKey,
		WaitType:    &waitType,
		Metadata:    datatypes.JSON(metaJSON),
	}); err != nil {
		return fmt.Errorf("arm subworkflow wait: %w", err)
	}

	flipped, err := s.executions.UpdateFieldsWhereStatus(dbc, parent.ID,
		[]string{types.ExecutionRunning, types.ExecutionClaimed},
		map[string]interface{}{"status": types.ExecutionWaiting})
	if err != nil {
		return err
	}
	if flipped && parent.AssignedToWorker != nil {
		// The parent stops occupying its worker slot while it waits on
		// children. Event and time waits keep their slot; see SetWaiting.
		if err := s.workers.AdjustExecutionCount(dbc, *parent.AssignedToWorker, -1); err != nil {
			return err
		}
	}
	return nil
}

func (s *executionService) Get(ctx context.Context, id uuid.UUID) (*types.Execution, error) {
	var exec *types.Execution
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		found, err := s.executions.GetByID(dbctx.Context{Ctx: ctx, Tx: tx}, id)
		if err != nil {
			return err
		}
		exec = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, apierr.NotFound("execution %s not found", id)
	}
	return exec, nil
}

func (s *executionService) List(ctx context.Context, filter repos.ExecutionFilter) ([]*types.Execution, int64, error) {
	var out []*types.Execution
	var total int64
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, total, err = s.executions.List(dbctx.Context{Ctx: ctx, Tx: tx}, filter)
		return err
	})
	return out, total, err
}

func (s *executionService) ListChildren(ctx context.Context, id uuid.UUID) ([]*types.Execution, error) {
	var out []*types.Execution
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.executions.ListChildren(dbctx.Context{Ctx: ctx, Tx: tx}, id)
		return err
	})
	return out, err
}

// Complete records a successful run. Idempotent for worker retries: a second
// call on a terminal row is a no-op. When the execution is a sub-workflow
// step, the parent's step output is written (merging batches) and a waiting
// parent is flipped back to queued.
func (s *executionService) Complete(ctx context.Context, executionID, workerID uuid.UUID, result, finalState datatypes.JSON) (*ParentResume, error) {
	var resume *ParentResume
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		exec, err := s.loadForWorkerReport(dbc, executionID, workerID)
		if err != nil || exec == nil {
			return err
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":             types.ExecutionCompleted,
			"completed_at":       now,
			"assigned_to_worker": nil,
			"assigned_at":        nil,
		}
		if len(result) > 0 {
			updates["result"] = result
		}
		if len(finalState) > 0 {
			updates["final_state"] = finalState
		}
		flipped, err := s.executions.UpdateFieldsWhereStatus(dbc, executionID,
			[]string{types.ExecutionRunning, types.ExecutionClaimed}, updates)
		if err != nil {
			return err
		}
		if !flipped {
			return apierr.Conflict("execution %s is not running", executionID)
		}
		if err := s.workers.AdjustExecutionCount(dbc, workerID, -1); err != nil {
			return err
		}

		resume, err = s.propagateToParent(dbc, exec, result, true, nil)
		if err != nil {
			return err
		}
		exec.Status = types.ExecutionCompleted
		s.appendStatusEvent(dbc, exec, types.ExecutionCompleted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resume, nil
}

// Fail records a failed run. Retryable failures under the retry budget go
// back to queued with the worker slot released; exhausted ones propagate to
// the parent like Complete does, with success=false.
func (s *executionService) Fail(ctx context.Context, executionID, workerID uuid.UUID, errMsg string, retryable bool, maxRetries int, finalState datatypes.JSON) (*FailOutcome, error) {
	outcome := &FailOutcome{}
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		exec, err := s.loadForWorkerReport(dbc, executionID, workerID)
		if err != nil || exec == nil {
			return err
		}

		now := time.Now()
		retryCount := exec.RetryCount + 1
		outcome.RetryCount = retryCount

		if retryable && retryCount <= maxRetries {
			flipped, err := s.executions.UpdateFieldsWhereStatus(dbc, executionID,
				[]string{types.ExecutionRunning, types.ExecutionClaimed},
				map[string]interface{}{
					"status":             types.ExecutionQueued,
					"retry_count":        retryCount,
					"error":              errMsg,
					"assigned_to_worker": nil,
					"assigned_at":        nil,
					"claimed_at":         nil,
					"started_at":         nil,
					"queued_at":          now,
				})
			if err != nil {
				return err
			}
			if !flipped {
				return apierr.Conflict("execution %s is not running", executionID)
			}
			if err := s.workers.AdjustExecutionCount(dbc, workerID, -1); err != nil {
				return err
			}
			outcome.WillRetry = true
			exec.Status = types.ExecutionQueued
			s.appendStatusEvent(dbc, exec, types.ExecutionQueued)
			return nil
		}

		updates := map[string]interface{}{
			"status":             types.ExecutionFailed,
			"retry_count":        retryCount,
			"error":              errMsg,
			"completed_at":       now,
			"assigned_to_worker": nil,
			"assigned_at":        nil,
		}
		if len(finalState) > 0 {
			updates["final_state"] = finalState
		}
		flipped, err := s.executions.UpdateFieldsWhereStatus(dbc, executionID,
			[]string{types.ExecutionRunning, types.ExecutionClaimed}, updates)
		if err != nil {
			return err
		}
		if !flipped {
			return apierr.Conflict("execution %s is not running", executionID)
		}
		if err := s.workers.AdjustExecutionCount(dbc, workerID, -1); err != nil {
			return err
		}

		outcome.ParentResume, err = s.propagateToParent(dbc, exec, nil, false, &errMsg)
		if err != nil {
			return err
		}
		exec.Status = types.ExecutionFailed
		s.appendStatusEvent(dbc, exec, types.ExecutionFailed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// loadForWorkerReport fetches the execution and applies the worker-identity
// guard shared by Complete, Fail and SetWaiting. A nil execution with nil
// error means "already terminal, treat as no-op".
func (s *executionService) loadForWorkerReport(dbc dbctx.Context, executionID, workerID uuid.UUID) (*types.Execution, error) {
	exec, err := s.executions.GetByID(dbc, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, apierr.NotFound("execution %s not found", executionID)
	}
	if types.IsTerminal(exec.Status) {
		return nil, nil
	}
	if exec.AssignedToWorker == nil || *exec.AssignedToWorker != workerID {
		return nil, apierr.Conflict("execution %s is assigned to a different worker", executionID)
	}
	return exec, nil
}

// propagateToParent performs the sub-workflow fan-in under the per-parent
// advisory lock. Batched siblings merge into a JSON object keyed by child
// id; once every sibling is terminal the object flips into an array in
// submission order and the parent is woken.
func (s *executionService) propagateToParent(dbc dbctx.Context, child *types.Execution, result datatypes.JSON, success bool, errMsg *string) (*ParentResume, error) {
	if child.ParentExecutionID == nil || child.StepKey == nil || *child.StepKey == "" {
		return nil, nil
	}
	parentID := *child.ParentExecutionID
	stepKey := *child.StepKey

	if err := db.LockParentFanIn(dbc.Tx, parentID); err != nil {
		return nil, err
	}
	parent, err := s.executions.GetByID(dbc, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, nil
	}

	childValue := result
	if !success {
		msg := ""
		if errMsg != nil {
			msg = *errMsg
		}
		raw, _ := json.Marshal(map[string]any{"error": msg, "success": false})
		childValue = datatypes.JSON(raw)
	}
	if len(childValue) == 0 {
		childValue = datatypes.JSON([]byte(`null`))
	}

	batchDone := true
	outputs := childValue
	aggregateSuccess := success

	if child.BatchID != nil {
		outputs, aggregateSuccess, batchDone, err = s.mergeBatchOutput(dbc, parent, stepKey, child, childValue, success)
		if err != nil {
			return nil, err
		}
	}

	if _, err := s.stepOutputs.Upsert(dbc, &types.StepOutput{
		ProjectID:         parent.ProjectID,
		ExecutionID:       parent.ID,
		StepKey:           stepKey,
		Outputs:           outputs,
		Error:             errMsg,
		Success:           aggregateSuccess,
		SourceExecutionID: &child.ID,
	}); err != nil {
		return nil, fmt.Errorf("store parent step output: %w", err)
	}

	if !batchDone {
		return nil, nil
	}

	if wait, err := s.waits.GetByExecutionAndStep(dbc, parent.ID, stepKey); err != nil {
		return nil, err
	} else if wait != nil && wait.WaitType != nil {
		if _, err := s.waits.Clear(dbc, wait.ID, *wait.WaitType); err != nil {
			return nil, err
		}
	}

	woken, err := s.executions.UpdateFieldsWhereStatus(dbc, parent.ID,
		[]string{types.ExecutionWaiting},
		map[string]interface{}{
			"status":             types.ExecutionQueued,
			"queued_at":          time.Now(),
			"assigned_to_worker": nil,
			"assigned_at":        nil,
			"claimed_at":         nil,
			"started_at":         nil,
		})
	if err != nil {
		return nil, err
	}
	if !woken {
		return nil, nil
	}
	parent.Status = types.ExecutionQueued
	s.appendStatusEvent(dbc, parent, types.ExecutionQueued)
	return &ParentResume{ExecutionID: parent.ID, DeploymentID: parent.DeploymentID}, nil
}

// mergeBatchOutput read-modify-writes the per-child object and, when the
// whole batch is terminal, flips it into an array ordered by the submission
// order recorded in the wait metadata.
func (s *executionService) mergeBatchOutput(dbc dbctx.Context, parent *types.Execution, stepKey string, child *types.Execution, childValue datatypes.JSON, childSuccess bool) (datatypes.JSON, bool, bool, error) {
	wait, err := s.waits.GetByExecutionAndStep(dbc, parent.ID, stepKey)
	if err != nil {
		return nil, false, false, err
	}

	merged := map[string]json.RawMessage{}
	if existing, err := s.stepOutputs.GetByExecutionAndStep(dbc, parent.ID, stepKey); err != nil {
		return nil, false, false, err
	} else if existing != nil && len(existing.Outputs) > 0 {
		// Ignore a non-object (an already flipped array from a replayed
		// terminal report); the merge below rebuilds from scratch then.
		_ = json.Unmarshal(existing.Outputs, &merged)
	}
	merged[child.ID.String()] = json.RawMessage(childValue)

	var orderedIDs []string
	if wait != nil && len(wait.Metadata) > 0 {
		meta := map[string]any{}
		_ = json.Unmarshal(wait.Metadata, &meta)
		orderedIDs = metaExecutionIDs(meta)
	}

	siblingIDs := make([]uuid.UUID, 0, len(orderedIDs))
	for _, raw := range orderedIDs {
		if id, err := uuid.Parse(raw); err == nil {
			siblingIDs = append(siblingIDs, id)
		}
	}
	siblings, err := s.executions.GetByIDs(dbc, siblingIDs)
	if err != nil {
		return nil, false, false, err
	}

	allTerminal := len(siblings) > 0
	allSucceeded := childSuccess
	for _, sibling := range siblings {
		status := sibling.Status
		if sibling.ID == child.ID {
			// The child's own transition happened earlier in this
			// transaction; its in-memory copy may be stale.
			continue
		}
		if !types.IsTerminal(status) {
			allTerminal = false
		}
		if status != types.ExecutionCompleted {
			allSucceeded = false
		}
	}

	if !allTerminal {
		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, false, false, err
		}
		return datatypes.JSON(raw), allSucceeded, false, nil
	}

	ordered := make([]json.RawMessage, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		if val, ok := merged[id]; ok {
			ordered = append(ordered, val)
		} else {
			ordered = append(ordered, json.RawMessage(`null`))
		}
	}
	raw, err := json.Marshal(ordered)
	if err != nil {
		return nil, false, false, err
	}
	return datatypes.JSON(raw), allSucceeded, true, nil
}

// SetWaiting suspends one step of a running execution. The worker keeps its
// slot for time/event/approval waits; only a child submitted with
// wait_for_subworkflow releases it (see armSubworkflowWait).
func (s *executionService) SetWaiting(ctx context.Context, executionID, workerID uuid.UUID, params WaitParams) error {
	if params.StepKey == "" {
		return apierr.BadRequest("missing step_key")
	}
	return db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		exec, err := s.loadForWorkerReport(dbc, executionID, workerID)
		if err != nil {
			return err
		}
		if exec == nil {
			return apierr.Conflict("execution %s is already terminal", executionID)
		}

		waitStep := &types.WaitStep{
			ProjectID:   exec.ProjectID,
			ExecutionID: exec.ID,
			StepKey:     params.StepKey,
			WaitUntil:   params.WaitUntil,
			WaitTopic:   params.WaitTopic,
			ExpiresAt:   params.ExpiresAt,
		}

		switch params.WaitType {
		case types.WaitTypeTime:
			if params.WaitUntil == nil {
				return apierr.BadRequest("time wait requires wait_until")
			}
			waitType := types.WaitTypeTime
			waitStep.WaitType = &waitType
		case types.WaitTypeEvent:
			if params.WaitTopic == nil || *params.WaitTopic == "" {
				return apierr.BadRequest("event wait requires wait_topic")
			}
			waitType := types.WaitTypeEvent
			waitStep.WaitType = &waitType
		case types.WaitTypeSubworkflow:
			waitType := types.WaitTypeSubworkflow
			waitStep.WaitType = &waitType
		case WaitTypeApproval:
			if err := s.prepareApprovalWait(dbc, exec, params.StepKey, waitStep); err != nil {
				return err
			}
		default:
			return apierr.BadRequest("unknown wait_type %q", params.WaitType)
		}

		if _, err := s.waits.Upsert(dbc, waitStep); err != nil {
			return fmt.Errorf("arm wait: %w", err)
		}

		flipped, err := s.executions.UpdateFieldsWhereStatus(dbc, executionID,
			[]string{types.ExecutionRunning, types.ExecutionClaimed},
			map[string]interface{}{"status": types.ExecutionWaiting})
		if err != nil {
			return err
		}
		if !flipped {
			return apierr.Conflict("execution %s is not running", executionID)
		}
		exec.Status = types.ExecutionWaiting
		s.appendStatusEvent(dbc, exec, types.ExecutionWaiting)
		return nil
	})
}

// prepareApprovalWait turns an approval into an event wait on the
// execution's own topic, filtered to resume_{step}, and publishes the
// durable suspend_{step} event that approval surfaces render from.
func (s *executionService) prepareApprovalWait(dbc dbctx.Context, exec *types.Execution, stepKey string, waitStep *types.WaitStep) error {
	topic := types.ExecutionTopic(exec.WorkflowID, exec.ID)
	resumeType := types.ResumeEventType(stepKey)
	meta, err := json.Marshal(map[string]any{
		types.WaitMetaResumeEventType: resumeType,
	})
	if err != nil {
		return err
	}
	waitType := types.WaitTypeEvent
	waitStep.WaitType = &waitType
	waitStep.WaitTopic = &topic
	waitStep.Metadata = datatypes.JSON(meta)

	if err := s.events.EnsureTopic(dbc, exec.ProjectID, topic); err != nil {
		return err
	}
	suspendType := types.SuspendEventType(stepKey)
	rootID := exec.RootExecutionID
	if rootID == nil {
		rootID = &exec.ID
	}
	payload := exec.Payload
	if len(payload) == 0 {
		payload = datatypes.JSON([]byte(`{}`))
	}
	if _, err := s.events.Append(dbc, []*types.Event{{
		ProjectID:         exec.ProjectID,
		Topic:             topic,
		EventType:         &suspendType,
		Data:              payload,
		Durable:           true,
		SourceExecutionID: &exec.ID,
		RootExecutionID:   rootID,
	}}); err != nil {
		return fmt.Errorf("publish suspend event: %w", err)
	}
	return nil
}

// Cancel cascades pending_cancel across the target's descendants and its
// ancestor chain. A cancelled child invalidates the parent's outcome, so
// ancestors are included; siblings of the target are not.
func (s *executionService) Cancel(ctx context.Context, executionID uuid.UUID, cancelledBy string) (*CancelResult, error) {
	result := &CancelResult{}
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		exec, err := s.executions.GetByID(dbc, executionID)
		if err != nil {
			return err
		}
		if exec == nil {
			return apierr.NotFound("execution %s not found", executionID)
		}

		ids := []uuid.UUID{exec.ID}
		descendants, err := s.executions.ListDescendantIDs(dbc, exec.ID, cancelDepthLimit)
		if err != nil {
			return err
		}
		ids = append(ids, descendants...)

		// Walk the ancestor chain; the depth guard protects against a
		// corrupted self-referencing lineage.
		current := exec
		for depth := 0; current.ParentExecutionID != nil && depth < cancelDepthLimit; depth++ {
			parent, err := s.executions.GetByID(dbc, *current.ParentExecutionID)
			if err != nil {
				return err
			}
			if parent == nil {
				break
			}
			ids = append(ids, parent.ID)
			current = parent
		}

		now := time.Now()
		marked := make([]uuid.UUID, 0, len(ids))
		for _, id := range ids {
			flipped, err := s.executions.UpdateFieldsWhereStatus(dbc, id,
				[]string{types.ExecutionQueued, types.ExecutionClaimed, types.ExecutionRunning, types.ExecutionWaiting},
				map[string]interface{}{
					"status":       types.ExecutionPendingCancel,
					"cancelled_at": now,
					"cancelled_by": cancelledBy,
				})
			if err != nil {
				return err
			}
			if flipped {
				marked = append(marked, id)
			}
		}

		if _, err := s.waits.ClearByExecutionIDs(dbc, ids); err != nil {
			return err
		}

		targets, err := s.collectCancelTargets(dbc, marked)
		if err != nil {
			return err
		}
		result.Targets = targets

		updated, err := s.executions.GetByID(dbc, executionID)
		if err != nil {
			return err
		}
		result.Execution = updated
		if updated != nil && updated.Status == types.ExecutionPendingCancel {
			s.appendStatusEvent(dbc, updated, types.ExecutionPendingCancel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *executionService) collectCancelTargets(dbc dbctx.Context, ids []uuid.UUID) ([]CancelTarget, error) {
	execs, err := s.executions.GetByIDs(dbc, ids)
	if err != nil {
		return nil, err
	}
	workersByID := map[uuid.UUID]*types.Worker{}
	var targets []CancelTarget
	for _, exec := range execs {
		if exec.AssignedToWorker == nil {
			continue
		}
		worker, ok := workersByID[*exec.AssignedToWorker]
		if !ok {
			worker, err = s.workers.GetByID(dbc, *exec.AssignedToWorker)
			if err != nil {
				return nil, err
			}
			workersByID[*exec.AssignedToWorker] = worker
		}
		if worker == nil || worker.PushEndpointURL == "" {
			continue
		}
		targets = append(targets, CancelTarget{ExecutionID: exec.ID, Worker: worker})
	}
	return targets, nil
}

// ConfirmCancellation is the worker's acknowledgement that it stopped the
// execution. Also accepted from a timed-out execution regardless of worker
// identity, so a dead worker cannot wedge the row.
func (s *executionService) ConfirmCancellation(ctx context.Context, executionID, workerID uuid.UUID) error {
	return db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		exec, err := s.executions.GetByID(dbc, executionID)
		if err != nil {
			return err
		}
		if exec == nil {
			return apierr.NotFound("execution %s not found", executionID)
		}
		if exec.Status == types.ExecutionCancelled {
			return nil
		}
		if !workerMatchesOrTimedOut(exec, workerID) {
			return apierr.Conflict("execution %s is assigned to a different worker", executionID)
		}
		return s.finalizeCancellation(dbc, exec)
	})
}

// MarkCancelled is the reconciler path: force pending_cancel → cancelled
// when the worker is unreachable or too slow to confirm.
func (s *executionService) MarkCancelled(ctx context.Context, executionID uuid.UUID) error {
	return db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		exec, err := s.executions.GetByID(dbc, executionID)
		if err != nil {
			return err
		}
		if exec == nil || exec.Status == types.ExecutionCancelled {
			return nil
		}
		return s.finalizeCancellation(dbc, exec)
	})
}

func (s *executionService) finalizeCancellation(dbc dbctx.Context, exec *types.Execution) error {
	updates := map[string]interface{}{
		"status":             types.ExecutionCancelled,
		"assigned_to_worker": nil,
		"assigned_at":        nil,
		"completed_at":       time.Now(),
	}
	if exec.CancelledAt == nil {
		updates["cancelled_at"] = time.Now()
	}
	flipped, err := s.executions.UpdateFieldsWhereStatus(dbc, exec.ID,
		[]string{types.ExecutionPendingCancel}, updates)
	if err != nil {
		return err
	}
	if !flipped {
		return apierr.Conflict("execution %s is not pending cancellation", exec.ID)
	}
	if exec.AssignedToWorker != nil {
		if err := s.workers.AdjustExecutionCount(dbc, *exec.AssignedToWorker, -1); err != nil {
			return err
		}
	}
	exec.Status = types.ExecutionCancelled
	s.appendStatusEvent(dbc, exec, types.ExecutionCancelled)
	return nil
}

func (s *executionService) StoreStepOutput(ctx context.Context, executionID uuid.UUID, params StepOutputParams) (*types.StepOutput, error) {
	if params.StepKey == "" {
		return nil, apierr.BadRequest("missing step_key")
	}
	var out *types.StepOutput
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		exec, err := s.executions.GetByID(dbc, executionID)
		if err != nil {
			return err
		}
		if exec == nil {
			return apierr.NotFound("execution %s not found", executionID)
		}
		out, err = s.stepOutputs.Upsert(dbc, &types.StepOutput{
			ProjectID:         exec.ProjectID,
			ExecutionID:       executionID,
			StepKey:           params.StepKey,
			Outputs:           params.Outputs,
			Error:             params.Error,
			Success:           params.Success,
			SourceExecutionID: params.SourceExecutionID,
			OutputSchemaName:  params.OutputSchemaName,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *executionService) GetStepOutput(ctx context.Context, executionID uuid.UUID, stepKey string) (*types.StepOutput, error) {
	var out *types.StepOutput
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.stepOutputs.GetByExecutionAndStep(dbctx.Context{Ctx: ctx, Tx: tx}, executionID, stepKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apierr.NotFound("step output %s/%s not found", executionID, stepKey)
	}
	return out, nil
}

func (s *executionService) GetAllStepOutputs(ctx context.Context, executionID uuid.UUID) ([]*types.StepOutput, error) {
	var out []*types.StepOutput
	err := db.WithScopedTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.stepOutputs.ListByExecution(dbctx.Context{Ctx: ctx, Tx: tx}, executionID)
		return err
	})
	return out, err
}

// ResumeExpiredWaitOnce resolves one expired wait. Returns processed=false
// when nothing is due. Time waits (and timed-out event waits) release the
// worker slot on wake; an expired subworkflow wait released it at arm time.
func (s *executionService) ResumeExpiredWaitOnce(ctx context.Context) (bool, *ParentResume, error) {
	processed := false
	var resume *ParentResume
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		wait, err := s.waits.PickExpired(dbc, time.Now())
		if err != nil || wait == nil {
			return err
		}
		processed = true
		if wait.WaitType == nil {
			return nil
		}
		waitType := *wait.WaitType
		if _, err := s.waits.Clear(dbc, wait.ID, waitType); err != nil {
			return err
		}

		// Resumed steps read their outcome from the step output: timers get
		// their deadline back, expired event waits a failure payload.
		switch waitType {
		case types.WaitTypeTime:
			if _, err := s.stepOutputs.Upsert(dbc, &types.StepOutput{
				ProjectID:   wait.ProjectID,
				ExecutionID: wait.ExecutionID,
				StepKey:     wait.StepKey,
				Outputs:     timeWaitOutput(wait.WaitUntil),
				Success:     true,
			}); err != nil {
				return err
			}
		case types.WaitTypeEvent:
			msg := "timed out waiting for event"
			if _, err := s.stepOutputs.Upsert(dbc, &types.StepOutput{
				ProjectID:   wait.ProjectID,
				ExecutionID: wait.ExecutionID,
				StepKey:     wait.StepKey,
				Outputs:     expiredWaitOutput(msg),
				Error:       &msg,
			}); err != nil {
				return err
			}
		}

		resume, err = s.wakeWaiting(dbc, wait.ExecutionID, waitType != types.WaitTypeSubworkflow)
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return processed, resume, nil
}

// SweepEventWaits is the fallback matcher for event waits whose publish-time
// wake was missed (crash between append and wake, or a durable event that
// predates the wait).
func (s *executionService) SweepEventWaits(ctx context.Context, limit int) ([]ParentResume, error) {
	var resumes []ParentResume
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		waits, err := s.waits.ListActiveEventWaits(dbc, limit)
		if err != nil {
			return err
		}
		for _, wait := range waits {
			if wait.WaitTopic == nil || *wait.WaitTopic == "" {
				continue
			}
			match, err := s.events.FirstMatchingForWait(dbc, wait.ProjectID, *wait.WaitTopic, waitResumeFilter(wait.Metadata), wait.UpdatedAt)
			if err != nil {
				return err
			}
			if match == nil {
				continue
			}
			cleared, err := s.waits.Clear(dbc, wait.ID, types.WaitTypeEvent)
			if err != nil {
				return err
			}
			if !cleared {
				continue
			}
			if _, err := s.stepOutputs.Upsert(dbc, &types.StepOutput{
				ProjectID:   wait.ProjectID,
				ExecutionID: wait.ExecutionID,
				StepKey:     wait.StepKey,
				Outputs:     eventWaitOutput(match),
				Success:     true,
			}); err != nil {
				return err
			}
			resume, err := s.wakeWaiting(dbc, wait.ExecutionID, true)
			if err != nil {
				return err
			}
			if resume != nil {
				resumes = append(resumes, *resume)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resumes, nil
}

// SweepSubworkflowWaits is the safety net for parents whose fan-in wake was
// lost: every child terminal yet the parent still waiting.
func (s *executionService) SweepSubworkflowWaits(ctx context.Context, limit int) ([]ParentResume, error) {
	var resumes []ParentResume
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		waits, err := s.waits.ListActiveByType(dbc, types.WaitTypeSubworkflow, limit)
		if err != nil {
			return err
		}
		for _, wait := range waits {
			if err := db.LockParentFanIn(tx, wait.ExecutionID); err != nil {
				return err
			}
			pending, err := s.executions.CountNonTerminalChildren(dbc, wait.ExecutionID)
			if err != nil {
				return err
			}
			if pending > 0 {
				continue
			}
			cleared, err := s.waits.Clear(dbc, wait.ID, types.WaitTypeSubworkflow)
			if err != nil {
				return err
			}
			if !cleared {
				continue
			}
			resume, err := s.wakeWaiting(dbc, wait.ExecutionID, false)
			if err != nil {
				return err
			}
			if resume != nil {
				resumes = append(resumes, *resume)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resumes, nil
}

func (s *executionService) wakeWaiting(dbc dbctx.Context, executionID uuid.UUID, releaseSlot bool) (*ParentResume, error) {
	return wakeWaitingExecution(dbc, s.executions, s.workers, s.events, s.log, executionID, releaseSlot)
}

func (s *executionService) appendStatusEvent(dbc dbctx.Context, exec *types.Execution, status string) {
	publishStatusEvent(dbc, s.events, s.log, exec, status)
}

func workerMatchesOrTimedOut(exec *types.Execution, workerID uuid.UUID) bool {
	if exec.AssignedToWorker == nil || *exec.AssignedToWorker == workerID {
		return true
	}
	if exec.RunTimeoutSeconds != nil && exec.StartedAt != nil {
		deadline := exec.StartedAt.Add(time.Duration(*exec.RunTimeoutSeconds) * time.Second)
		return time.Now().After(deadline)
	}
	return false
}

func metaExecutionIDs(meta map[string]any) []string {
	raw, ok := meta[types.WaitMetaExecutionIDs]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func traceIDFor(id uuid.UUID) string {
	raw := id.String()
	out := make([]byte, 0, 32)
	for i := 0; i < len(raw); i++ {
		if raw[i] != '-' {
			out = append(out, raw[i])
		}
	}
	return string(out)
}
