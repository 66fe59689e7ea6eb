package app

import (
	"strings"
	"time"

	"github.com/yungbote/agentflow/internal/platform/envutil"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

type Config struct {
	Port         string
	Environment  string
	Version      string
	AllowOrigins []string

	TracingOn bool
	RedisOn   bool

	SeedFile string

	ShutdownGrace time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	origins := strings.Split(envutil.Str("CORS_ALLOW_ORIGINS", "http://localhost:3000"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	cfg := Config{
		Port:          envutil.Str("PORT", "8080"),
		Environment:   envutil.Str("ENVIRONMENT", "development"),
		Version:       envutil.Str("APP_VERSION", "dev"),
		AllowOrigins:  origins,
		TracingOn:     envutil.Bool("OTEL_ENABLED", false),
		RedisOn:       envutil.Str("REDIS_ADDR", "") != "",
		SeedFile:      envutil.Str("AGENTFLOW_SEED_FILE", ""),
		ShutdownGrace: envutil.Duration("SHUTDOWN_GRACE", 15*time.Second),
	}
	log.Info("Config loaded", "port", cfg.Port, "environment", cfg.Environment, "tracing", cfg.TracingOn, "redis", cfg.RedisOn)
	return cfg
}
