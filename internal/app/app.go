package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/db"
	"github.com/yungbote/agentflow/internal/observability"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/push"
	"github.com/yungbote/agentflow/internal/realtime"
	"github.com/yungbote/agentflow/internal/realtime/bus"
	"github.com/yungbote/agentflow/internal/reconcilers"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services

	pools       []*db.PostgresService
	signals     bus.Bus
	reconcilers *reconcilers.Manager
	otelStop    func(context.Context) error
	srv         *http.Server
	cancel      context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(log)

	apiPG, err := db.NewPostgresService(log, "api", db.APIPoolConfig())
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := apiPG.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	// Background loops and SSE tailers get their own pools so a burst of
	// streams cannot starve the API, and vice versa.
	bgPG, err := db.NewPostgresService(log, "background", db.BackgroundPoolConfig())
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init background postgres: %w", err)
	}
	streamPG, err := db.NewPostgresService(log, "stream", db.StreamPoolConfig())
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init stream postgres: %w", err)
	}

	otelStop := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "agentflow",
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	var signals bus.Bus
	if cfg.RedisOn {
		signals, err = bus.NewRedisBus(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
	} else {
		log.Warn("REDIS_ADDR not set; dispatch signals stay instance-local")
	}

	pusher := push.NewClient(log)

	apiDB := apiPG.DB()
	reposet := wireRepos(apiDB, log)
	serviceset := wireServices(apiDB, log, reposet, pusher, signals)
	handlerset := wireHandlers(apiDB, log, serviceset, pusher)

	// The stream handler re-wires its read path onto the stream pool.
	streamRepos := wireRepos(streamPG.DB(), log)
	streamServices := wireServices(streamPG.DB(), log, streamRepos, pusher, signals)
	handlerset.Stream = wireStreamHandler(log, streamServices)

	mw := wireMiddleware(log, serviceset)
	router := wireRouter(cfg, handlerset, mw)

	bgDB := bgPG.DB()
	bgRepos := wireRepos(bgDB, log)
	manager := reconcilers.NewManager(
		bgDB, log,
		bgRepos.Execution, bgRepos.WaitStep, bgRepos.StepOutput, bgRepos.Event, bgRepos.Worker,
		serviceset.Execution, serviceset.Worker, serviceset.Event, serviceset.Schedule, serviceset.Dispatch,
		pusher,
	)

	a := &App{
		Log:         log,
		DB:          apiDB,
		Router:      router,
		Cfg:         cfg,
		Repos:       reposet,
		Services:    serviceset,
		pools:       []*db.PostgresService{apiPG, bgPG, streamPG},
		signals:     signals,
		reconcilers: manager,
		otelStop:    otelStop,
	}

	if cfg.SeedFile != "" {
		if err := a.seed(context.Background(), cfg.SeedFile); err != nil {
			log.Sync()
			return nil, fmt.Errorf("seed: %w", err)
		}
	}
	return a, nil
}

// Start launches the background loops. Safe to call once.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		if err := a.reconcilers.Start(ctx); err != nil {
			a.Log.Error("reconcilers stopped", "error", err)
		}
	}()
	if a.signals != nil {
		if err := a.signals.StartForwarder(ctx, func(sig realtime.Signal) {
			// Any signal kind means new work may be dispatchable here.
			a.Services.Dispatch.Wake()
		}); err != nil {
			a.Log.Error("signal forwarder failed to start", "error", err)
		}
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := a.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, then stops the background loops.
func (a *App) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var err error
	if a.srv != nil {
		err = a.srv.Shutdown(ctx)
	}
	a.Close()
	return err
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.signals != nil {
		_ = a.signals.Close()
	}
	if a.otelStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelStop(ctx)
		cancel()
	}
	for _, pool := range a.pools {
		_ = pool.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
