package domain

import (
	"github.com/yungbote/agentflow/internal/domain/auth"
	"github.com/yungbote/agentflow/internal/domain/orchestration"
	"github.com/yungbote/agentflow/internal/domain/registry"
)

// Execution lifecycle.
const (
	ExecutionQueued        = orchestration.StatusQueued
	ExecutionClaimed       = orchestration.StatusClaimed
	ExecutionRunning       = orchestration.StatusRunning
	ExecutionWaiting       = orchestration.StatusWaiting
	ExecutionCompleted     = orchestration.StatusCompleted
	ExecutionFailed        = orchestration.StatusFailed
	ExecutionPendingCancel = orchestration.StatusPendingCancel
	ExecutionCancelled     = orchestration.StatusCancelled
)

const (
	WaitTypeTime        = orchestration.WaitTypeTime
	WaitTypeEvent       = orchestration.WaitTypeEvent
	WaitTypeSubworkflow = orchestration.WaitTypeSubworkflow
)

const (
	WorkerModePush      = orchestration.WorkerModePush
	WorkerModePull      = orchestration.WorkerModePull
	WorkerStatusOnline  = orchestration.WorkerStatusOnline
	WorkerStatusOffline = orchestration.WorkerStatusOffline
)

const DefaultQueueName = orchestration.DefaultQueueName

const (
	WaitMetaExecutionIDs    = orchestration.WaitMetaExecutionIDs
	WaitMetaResumeEventType = orchestration.WaitMetaResumeEventType

	EventTypeStatusChanged = orchestration.EventTypeStatusChanged
	EventTypeStepCompleted = orchestration.EventTypeStepCompleted
)

type (
	Execution    = orchestration.Execution
	Worker       = orchestration.Worker
	Queue        = orchestration.Queue
	WaitStep     = orchestration.WaitStep
	StepOutput   = orchestration.StepOutput
	Event        = orchestration.Event
	EventTopic   = orchestration.EventTopic
	EventTrigger = orchestration.EventTrigger
	Schedule     = orchestration.Schedule

	Deployment         = registry.Deployment
	DeploymentWorkflow = registry.DeploymentWorkflow
	AgentDefinition    = registry.AgentDefinition
	ToolDefinition     = registry.ToolDefinition

	Project = auth.Project
	APIKey  = auth.APIKey
)

var (
	IsTerminal       = orchestration.IsTerminal
	CanTransition    = orchestration.CanTransition
	TerminalStatuses = orchestration.TerminalStatuses

	ExecutionTopic   = orchestration.ExecutionTopic
	SuspendEventType = orchestration.SuspendEventType
	ResumeEventType  = orchestration.ResumeEventType
	WakePriority     = orchestration.WakePriority
)
