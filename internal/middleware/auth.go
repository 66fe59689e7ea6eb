package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
	"github.com/yungbote/agentflow/internal/services"
)

type AuthMiddleware struct {
	log  *logger.Logger
	auth services.AuthService
}

func NewAuthMiddleware(baseLog *logger.Logger, auth services.AuthService) *AuthMiddleware {
	return &AuthMiddleware{
		log:  baseLog.With("middleware", "AuthMiddleware"),
		auth: auth,
	}
}

// RequireAPIKey authenticates SDK traffic. It accepts an sk_ secret as a
// bearer token, and falls back to the dashboard session cookie so the UI can
// hit the same routes without holding a raw key.
func (am *AuthMiddleware) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := extractBearer(c)
		if secret != "" {
			sc, err := am.auth.Authenticate(c.Request.Context(), secret)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid api key", "code": "UNAUTHORIZED"}})
				return
			}
			c.Request = c.Request.WithContext(scope.WithScope(c.Request.Context(), sc))
			c.Next()
			return
		}
		if token, err := c.Cookie("af_session"); err == nil && token != "" {
			projectID, err := am.auth.VerifySessionToken(token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid session", "code": "UNAUTHORIZED"}})
				return
			}
			c.Request = c.Request.WithContext(scope.WithScope(c.Request.Context(), &scope.Scope{ProjectID: projectID}))
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing credentials", "code": "UNAUTHORIZED"}})
	}
}

// RequireWorkerKey guards the /internal surface. Workers carry the same sk_
// secrets as SDK clients; the split exists so the two surfaces can be bound
// to different networks.
func (am *AuthMiddleware) RequireWorkerKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := extractBearer(c)
		if secret == "" {
			secret = c.GetHeader("X-API-Key")
		}
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing credentials", "code": "UNAUTHORIZED"}})
			return
		}
		sc, err := am.auth.Authenticate(c.Request.Context(), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid api key", "code": "UNAUTHORIZED"}})
			return
		}
		c.Request = c.Request.WithContext(scope.WithScope(c.Request.Context(), sc))
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	// SSE consumers (EventSource) cannot set headers.
	return c.Query("api_key")
}
