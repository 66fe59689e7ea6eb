package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/repos/auth"
	"github.com/yungbote/agentflow/internal/data/repos/orchestration"
	"github.com/yungbote/agentflow/internal/data/repos/registry"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

type ExecutionRepo = orchestration.ExecutionRepo
type WorkerRepo = orchestration.WorkerRepo
type QueueRepo = orchestration.QueueRepo
type WaitStepRepo = orchestration.WaitStepRepo
type StepOutputRepo = orchestration.StepOutputRepo
type EventRepo = orchestration.EventRepo
type EventTriggerRepo = orchestration.EventTriggerRepo
type ScheduleRepo = orchestration.ScheduleRepo

type ExecutionFilter = orchestration.ExecutionFilter
type TriggerWindow = orchestration.TriggerWindow

type DeploymentRepo = registry.DeploymentRepo

type ProjectRepo = auth.ProjectRepo
type APIKeyRepo = auth.APIKeyRepo

func NewExecutionRepo(db *gorm.DB, baseLog *logger.Logger) ExecutionRepo {
	return orchestration.NewExecutionRepo(db, baseLog)
}
func NewWorkerRepo(db *gorm.DB, baseLog *logger.Logger) WorkerRepo {
	return orchestration.NewWorkerRepo(db, baseLog)
}
func NewQueueRepo(db *gorm.DB, baseLog *logger.Logger) QueueRepo {
	return orchestration.NewQueueRepo(db, baseLog)
}
func NewWaitStepRepo(db *gorm.DB, baseLog *logger.Logger) WaitStepRepo {
	return orchestration.NewWaitStepRepo(db, baseLog)
}
func NewStepOutputRepo(db *gorm.DB, baseLog *logger.Logger) StepOutputRepo {
	return orchestration.NewStepOutputRepo(db, baseLog)
}
func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return orchestration.NewEventRepo(db, baseLog)
}
func NewEventTriggerRepo(db *gorm.DB, baseLog *logger.Logger) EventTriggerRepo {
	return orchestration.NewEventTriggerRepo(db, baseLog)
}
func NewScheduleRepo(db *gorm.DB, baseLog *logger.Logger) ScheduleRepo {
	return orchestration.NewScheduleRepo(db, baseLog)
}

func NewDeploymentRepo(db *gorm.DB, baseLog *logger.Logger) DeploymentRepo {
	return registry.NewDeploymentRepo(db, baseLog)
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return auth.NewProjectRepo(db, baseLog)
}
func NewAPIKeyRepo(db *gorm.DB, baseLog *logger.Logger) APIKeyRepo {
	return auth.NewAPIKeyRepo(db, baseLog)
}
