package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/push"
	"github.com/yungbote/agentflow/internal/realtime/bus"
	"github.com/yungbote/agentflow/internal/services"
)

type Services struct {
	Auth      services.AuthService
	Execution services.ExecutionService
	Worker    services.WorkerService
	Dispatch  services.DispatchService
	Event     services.EventService
	Schedule  services.ScheduleService
	Registry  services.RegistryService
}

func wireServices(db *gorm.DB, log *logger.Logger, r Repos, pusher push.Client, signals bus.Bus) Services {
	log.Info("Wiring services...")
	execution := services.NewExecutionService(db, log, r.Execution, r.Queue, r.Worker, r.WaitStep, r.StepOutput, r.Event, r.Deployment)
	return Services{
		Auth:      services.NewAuthService(db, log, r.Project, r.APIKey),
		Execution: execution,
		Worker:    services.NewWorkerService(db, log, r.Worker, r.Execution, r.Deployment),
		Dispatch:  services.NewDispatchService(db, log, r.Execution, r.Worker, pusher, signals),
		Event:     services.NewEventService(db, log, r.Event, r.WaitStep, r.Execution, r.Worker, r.Queue, r.StepOutput, r.EventTrigger, r.Deployment, execution, signals),
		Schedule:  services.NewScheduleService(db, log, r.Schedule, r.Execution, r.Deployment, execution),
		Registry:  services.NewRegistryService(db, log, r.Deployment),
	}
}
