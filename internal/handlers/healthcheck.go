package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

type HealthHandler struct {
	log *logger.Logger
	db  *gorm.DB
}

func NewHealthHandler(baseLog *logger.Logger, gdb *gorm.DB) *HealthHandler {
	return &HealthHandler{
		log: baseLog.With("handler", "HealthHandler"),
		db:  gdb,
	}
}

// GET /healthcheck
func (h *HealthHandler) Healthcheck(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil {
		RespondError(c, apierr.Internal(err))
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		RespondError(c, apierr.Internal(err))
		return
	}
	RespondOK(c, gin.H{"status": "ok"})
}
