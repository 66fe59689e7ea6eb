package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/services"
)

// ProjectsHandler is the provisioning surface. It lives under /internal and
// is meant for operators and the dashboard, not tenant SDKs.
type ProjectsHandler struct {
	log  *logger.Logger
	auth services.AuthService
}

func NewProjectsHandler(baseLog *logger.Logger, auth services.AuthService) *ProjectsHandler {
	return &ProjectsHandler{
		log:  baseLog.With("handler", "ProjectsHandler"),
		auth: auth,
	}
}

// POST /internal/projects
func (h *ProjectsHandler) Create(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	project, err := h.auth.CreateProject(c.Request.Context(), body.Name)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondCreated(c, gin.H{"project": project})
}

// GET /internal/projects
func (h *ProjectsHandler) List(c *gin.Context) {
	projects, err := h.auth.ListProjects(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"projects": projects})
}

// POST /internal/projects/:id/api-keys
func (h *ProjectsHandler) CreateAPIKey(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid project id"))
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.BadRequest("invalid body: %v", err))
		return
	}
	created, err := h.auth.CreateAPIKey(c.Request.Context(), projectID, body.Name)
	if err != nil {
		RespondError(c, err)
		return
	}
	// The secret is shown exactly once; only its digest is stored.
	RespondCreated(c, gin.H{"api_key": created.Key, "secret": created.Secret})
}

// GET /internal/projects/:id/api-keys
func (h *ProjectsHandler) ListAPIKeys(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid project id"))
		return
	}
	keys, err := h.auth.ListAPIKeys(c.Request.Context(), projectID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"api_keys": keys})
}

// DELETE /internal/api-keys/:id
func (h *ProjectsHandler) RevokeAPIKey(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid api key id"))
		return
	}
	if err := h.auth.RevokeAPIKey(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "revoked"})
}

// POST /internal/projects/:id/session
func (h *ProjectsHandler) MintSession(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid project id"))
		return
	}
	token, err := h.auth.MintSessionToken(projectID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"token": token})
}
