package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/agentflow/internal/domain"
)

func SeedProject(tb testing.TB, ctx context.Context, tx *gorm.DB, name string) *types.Project {
	tb.Helper()
	p := &types.Project{
		ID:   uuid.New(),
		Name: name,
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed project: %v", err)
	}
	return p
}

func SeedDeployment(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID uuid.UUID) *types.Deployment {
	tb.Helper()
	d := &types.Deployment{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      "deployment",
	}
	if err := tx.WithContext(ctx).Create(d).Error; err != nil {
		tb.Fatalf("seed deployment: %v", err)
	}
	return d
}

func SeedWorker(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID, deploymentID uuid.UUID) *types.Worker {
	tb.Helper()
	now := time.Now().UTC()
	w := &types.Worker{
		ID:                      uuid.New(),
		ProjectID:               projectID,
		CurrentDeploymentID:     deploymentID,
		Mode:                    types.WorkerModePush,
		PushEndpointURL:         "http://127.0.0.1:9999",
		MaxConcurrentExecutions: 2,
		Status:                  types.WorkerStatusOnline,
		LastHeartbeat:           &now,
		PushFailureThreshold:    3,
	}
	if err := tx.WithContext(ctx).Create(w).Error; err != nil {
		tb.Fatalf("seed worker: %v", err)
	}
	return w
}

func SeedExecution(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID, deploymentID uuid.UUID, status string) *types.Execution {
	tb.Helper()
	now := time.Now().UTC()
	e := &types.Execution{
		ID:           uuid.New(),
		ProjectID:    projectID,
		WorkflowID:   "wf_test",
		DeploymentID: deploymentID,
		QueueName:    types.DefaultQueueName,
		Status:       status,
		Payload:      datatypes.JSON([]byte(`{}`)),
		QueuedAt:     &now,
	}
	if status != types.ExecutionQueued {
		e.QueuedAt = nil
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		tb.Fatalf("seed execution: %v", err)
	}
	return e
}

func SeedQueue(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID, deploymentID uuid.UUID, name string, limit *int) *types.Queue {
	tb.Helper()
	q := &types.Queue{
		ID:               uuid.New(),
		ProjectID:        projectID,
		DeploymentID:     deploymentID,
		Name:             name,
		ConcurrencyLimit: limit,
	}
	if err := tx.WithContext(ctx).Create(q).Error; err != nil {
		tb.Fatalf("seed queue: %v", err)
	}
	return q
}

func SeedWaitStep(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID, executionID uuid.UUID, stepKey, waitType string) *types.WaitStep {
	tb.Helper()
	ws := &types.WaitStep{
		ID:          uuid.New(),
		ProjectID:   projectID,
		ExecutionID: executionID,
		StepKey:     stepKey,
		WaitType:    &waitType,
		Metadata:    datatypes.JSON([]byte(`{}`)),
	}
	if err := tx.WithContext(ctx).Create(ws).Error; err != nil {
		tb.Fatalf("seed wait step: %v", err)
	}
	return ws
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }

func PtrInt(v int) *int { return &v }

func PtrStr(v string) *string { return &v }
