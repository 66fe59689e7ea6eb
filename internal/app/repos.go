package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/repos"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

type Repos struct {
	Execution    repos.ExecutionRepo
	Worker       repos.WorkerRepo
	Queue        repos.QueueRepo
	WaitStep     repos.WaitStepRepo
	StepOutput   repos.StepOutputRepo
	Event        repos.EventRepo
	EventTrigger repos.EventTriggerRepo
	Schedule     repos.ScheduleRepo
	Deployment   repos.DeploymentRepo
	Project      repos.ProjectRepo
	APIKey       repos.APIKeyRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Execution:    repos.NewExecutionRepo(db, log),
		Worker:       repos.NewWorkerRepo(db, log),
		Queue:        repos.NewQueueRepo(db, log),
		WaitStep:     repos.NewWaitStepRepo(db, log),
		StepOutput:   repos.NewStepOutputRepo(db, log),
		Event:        repos.NewEventRepo(db, log),
		EventTrigger: repos.NewEventTriggerRepo(db, log),
		Schedule:     repos.NewScheduleRepo(db, log),
		Deployment:   repos.NewDeploymentRepo(db, log),
		Project:      repos.NewProjectRepo(db, log),
		APIKey:       repos.NewAPIKeyRepo(db, log),
	}
}
