package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/services"
)

type DeploymentsHandler struct {
	log      *logger.Logger
	registry services.RegistryService
}

func NewDeploymentsHandler(baseLog *logger.Logger, registry services.RegistryService) *DeploymentsHandler {
	return &DeploymentsHandler{
		log:      baseLog.With("handler", "DeploymentsHandler"),
		registry: registry,
	}
}

// POST /api/v1/deployments/register
func (h *DeploymentsHandler) Register(c *gin.Context) {
	var body struct {
		DeploymentID *uuid.UUID                      `json:"deployment_id"`
		Name         string                          `json:"name"`
		AppVersion   string                          `json:"app_version"`
		Metadata     datatypes.JSON                  `json:"metadata"`
		Workflows    []services.WorkflowDefinition   `json:"workflows"`
		Agents       []services.AgentDefinitionInput `json:"agents"`
		Tools        []services.ToolDefinitionInput  `json:"tools"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	deployment, err := h.registry.RegisterDeployment(c.Request.Context(), services.RegisterDeploymentParams{
		DeploymentID: body.DeploymentID,
		Name:         body.Name,
		AppVersion:   body.AppVersion,
		Metadata:     body.Metadata,
		Workflows:    body.Workflows,
		Agents:       body.Agents,
		Tools:        body.Tools,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, gin.H{"deployment": deployment})
}

// GET /api/v1/deployments
func (h *DeploymentsHandler) List(c *gin.Context) {
	deployments, err := h.registry.ListDeployments(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"deployments": deployments})
}

// GET /api/v1/deployments/:id
func (h *DeploymentsHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid deployment id"))
		return
	}
	detail, err := h.registry.GetDeployment(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, detail)
}

// GET /api/v1/deployments/:id/workflows
func (h *DeploymentsHandler) ListWorkflows(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid deployment id"))
		return
	}
	workflows, err := h.registry.ListWorkflows(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"workflows": workflows})
}
