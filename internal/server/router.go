package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/agentflow/internal/handlers"
	"github.com/yungbote/agentflow/internal/middleware"
)

type RouterConfig struct {
	AllowOrigins []string
	TracingOn    bool

	AuthMiddleware *middleware.AuthMiddleware

	HealthHandler      *handlers.HealthHandler
	ExecutionsHandler  *handlers.ExecutionsHandler
	InternalHandler    *handlers.InternalHandler
	WorkersHandler     *handlers.WorkersHandler
	EventsHandler      *handlers.EventsHandler
	StreamHandler      *handlers.StreamHandler
	SchedulesHandler   *handlers.SchedulesHandler
	DeploymentsHandler *handlers.DeploymentsHandler
	ApprovalsHandler   *handlers.ApprovalsHandler
	ProjectsHandler    *handlers.ProjectsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.TracingOn {
		router.Use(otelgin.Middleware("agentflow"))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Worker-ID", "X-API-Key"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", cfg.HealthHandler.Healthcheck)

	// Approval links are opened from email or chat; the execution id is the
	// capability.
	approvals := router.Group("/api/v1/approvals")
	{
		approvals.GET("/:execution_id/:step_key", cfg.ApprovalsHandler.Get)
		approvals.POST("/:execution_id/:step_key", cfg.ApprovalsHandler.Decide)
	}

	// Tenant SDK surface.
	api := router.Group("/api/v1")
	api.Use(cfg.AuthMiddleware.RequireAPIKey())
	{
		api.POST("/workflows/batch_run", cfg.ExecutionsHandler.BatchRun)
		api.POST("/workflows/:workflow_id/run", cfg.ExecutionsHandler.Run)

		api.GET("/executions", cfg.ExecutionsHandler.List)
		api.GET("/executions/:id", cfg.ExecutionsHandler.Get)
		api.GET("/executions/:id/children", cfg.ExecutionsHandler.Children)
		api.GET("/executions/:id/steps", cfg.ExecutionsHandler.Steps)
		api.POST("/executions/:id/cancel", cfg.ExecutionsHandler.Cancel)

		api.POST("/events/publish", cfg.EventsHandler.Publish)
		api.GET("/events", cfg.EventsHandler.List)
		api.GET("/events/topics", cfg.EventsHandler.ListTopics)
		api.GET("/events/stream", cfg.StreamHandler.Stream)

		api.POST("/event-triggers/register", cfg.EventsHandler.RegisterTrigger)
		api.GET("/event-triggers", cfg.EventsHandler.ListTriggers)
		api.DELETE("/event-triggers/:id", cfg.EventsHandler.DeleteTrigger)

		api.POST("/schedules", cfg.SchedulesHandler.Upsert)
		api.GET("/schedules", cfg.SchedulesHandler.List)
		api.DELETE("/schedules/:id", cfg.SchedulesHandler.Delete)

		api.POST("/deployments/register", cfg.DeploymentsHandler.Register)
		api.GET("/deployments", cfg.DeploymentsHandler.List)
		api.GET("/deployments/:id", cfg.DeploymentsHandler.Get)
		api.GET("/deployments/:id/workflows", cfg.DeploymentsHandler.ListWorkflows)
	}

	// Worker registry. Workers send their key in X-API-Key, so this group
	// takes the worker-key middleware rather than the SDK one.
	workers := router.Group("/api/v1/workers")
	workers.Use(cfg.AuthMiddleware.RequireWorkerKey())
	{
		workers.POST("/register", cfg.WorkersHandler.Register)
		workers.GET("", cfg.WorkersHandler.List)
		workers.GET("/:id", cfg.WorkersHandler.Get)
		workers.DELETE("/:id", cfg.WorkersHandler.Deregister)
		workers.POST("/:id/online", cfg.WorkersHandler.Online)
		workers.POST("/:id/heartbeat", cfg.WorkersHandler.Heartbeat)
		workers.GET("/:id/poll", cfg.WorkersHandler.Poll)
	}

	// Worker state reports and operator surface.
	internal := router.Group("/internal")
	internal.Use(cfg.AuthMiddleware.RequireWorkerKey())
	{
		internal.POST("/executions/:id/start", cfg.InternalHandler.Start)
		internal.POST("/executions/:id/complete", cfg.InternalHandler.Complete)
		internal.POST("/executions/:id/fail", cfg.InternalHandler.Fail)
		internal.POST("/executions/:id/wait", cfg.InternalHandler.Wait)
		internal.POST("/executions/:id/confirm-cancellation", cfg.InternalHandler.ConfirmCancellation)
		internal.POST("/executions/:id/steps", cfg.InternalHandler.StoreStepOutput)
		internal.GET("/executions/:id/steps", cfg.InternalHandler.ListStepOutputs)
		internal.GET("/executions/:id/steps/:step_key", cfg.InternalHandler.GetStepOutput)

		internal.POST("/projects", cfg.ProjectsHandler.Create)
		internal.GET("/projects", cfg.ProjectsHandler.List)
		internal.POST("/projects/:id/api-keys", cfg.ProjectsHandler.CreateAPIKey)
		internal.GET("/projects/:id/api-keys", cfg.ProjectsHandler.ListAPIKeys)
		internal.POST("/projects/:id/session", cfg.ProjectsHandler.MintSession)
		internal.DELETE("/api-keys/:id", cfg.ProjectsHandler.RevokeAPIKey)
	}

	return router
}
