package app

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/handlers"
	"github.com/yungbote/agentflow/internal/middleware"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/push"
	"github.com/yungbote/agentflow/internal/server"
)

type Middleware struct {
	Auth *middleware.AuthMiddleware
}

type Handlers struct {
	Health      *handlers.HealthHandler
	Executions  *handlers.ExecutionsHandler
	Internal    *handlers.InternalHandler
	Workers     *handlers.WorkersHandler
	Events      *handlers.EventsHandler
	Stream      *handlers.StreamHandler
	Schedules   *handlers.SchedulesHandler
	Deployments *handlers.DeploymentsHandler
	Approvals   *handlers.ApprovalsHandler
	Projects    *handlers.ProjectsHandler
}

func wireHandlers(db *gorm.DB, log *logger.Logger, s Services, pusher push.Client) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:      handlers.NewHealthHandler(log, db),
		Executions:  handlers.NewExecutionsHandler(log, s.Execution, s.Dispatch, pusher),
		Internal:    handlers.NewInternalHandler(log, s.Execution, s.Worker, s.Dispatch),
		Workers:     handlers.NewWorkersHandler(log, s.Worker, s.Dispatch),
		Events:      handlers.NewEventsHandler(log, s.Event, s.Dispatch),
		Stream:      handlers.NewStreamHandler(log, s.Execution, s.Event),
		Schedules:   handlers.NewSchedulesHandler(log, s.Schedule),
		Deployments: handlers.NewDeploymentsHandler(log, s.Registry),
		Approvals:   handlers.NewApprovalsHandler(log, s.Execution, s.Event, s.Dispatch),
		Projects:    handlers.NewProjectsHandler(log, s.Auth),
	}
}

// wireStreamHandler binds SSE tailing onto the stream pool's service set so
// long-lived polls never contend with API traffic.
func wireStreamHandler(log *logger.Logger, s Services) *handlers.StreamHandler {
	return handlers.NewStreamHandler(log, s.Execution, s.Event)
}

func wireMiddleware(log *logger.Logger, s Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: middleware.NewAuthMiddleware(log, s.Auth),
	}
}

func wireRouter(cfg Config, h Handlers, mw Middleware) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		AllowOrigins:       cfg.AllowOrigins,
		TracingOn:          cfg.TracingOn,
		AuthMiddleware:     mw.Auth,
		HealthHandler:      h.Health,
		ExecutionsHandler:  h.Executions,
		InternalHandler:    h.Internal,
		WorkersHandler:     h.Workers,
		EventsHandler:      h.Events,
		StreamHandler:      h.Stream,
		SchedulesHandler:   h.Schedules,
		DeploymentsHandler: h.Deployments,
		ApprovalsHandler:   h.Approvals,
		ProjectsHandler:    h.Projects,
	})
}
