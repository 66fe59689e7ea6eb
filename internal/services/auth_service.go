package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/data/db"
	"github.com/yungbote/agentflow/internal/data/repos"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/platform/scope"
)

// APIKeyPrefix marks secrets minted by this service. The prefix travels
// with the secret so misrouted keys are recognizable in logs without
// exposing the key itself.
const APIKeyPrefix = "sk_"

const sessionTokenTTL = 12 * time.Hour

// HashAPIKey is the digest stored and looked up for presented secrets.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CreatedAPIKey pairs the stored row with the plaintext secret, which is
// shown exactly once.
type CreatedAPIKey struct {
	Key    *types.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

type sessionClaims struct {
	ProjectID string `json:"project_id"`
	jwt.RegisteredClaims
}

type AuthService interface {
	// Authenticate resolves a presented API key secret to a request scope.
	Authenticate(ctx context.Context, secret string) (*scope.Scope, error)
	// VerifySessionToken validates a dashboard session JWT and returns the
	// project it is scoped to.
	VerifySessionToken(token string) (uuid.UUID, error)
	MintSessionToken(projectID uuid.UUID) (string, error)

	CreateProject(ctx context.Context, name string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	CreateAPIKey(ctx context.Context, projectID uuid.UUID, name string) (*CreatedAPIKey, error)
	ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]*types.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type authService struct {
	db        *gorm.DB
	log       *logger.Logger
	projects  repos.ProjectRepo
	apiKeys   repos.APIKeyRepo
	jwtSecret []byte
}

func NewAuthService(gdb *gorm.DB, baseLog *logger.Logger, projects repos.ProjectRepo, apiKeys repos.APIKeyRepo) AuthService {
	return &authService{
		db:        gdb,
		log:       baseLog.With("service", "AuthService"),
		projects:  projects,
		apiKeys:   apiKeys,
		jwtSecret: []byte(os.Getenv("JWT_SECRET")),
	}
}

// Authenticate runs admin-side: the caller has no project scope until the
// key resolves. The last-used stamp is best effort.
func (s *authService) Authenticate(ctx context.Context, secret string) (*scope.Scope, error) {
	if !strings.HasPrefix(secret, APIKeyPrefix) {
		return nil, apierr.Unauthorized("malformed api key")
	}
	digest := HashAPIKey(secret)

	var sc *scope.Scope
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		key, err := s.apiKeys.GetByDigest(dbc, digest)
		if err != nil {
			return err
		}
		if key == nil {
			return apierr.Unauthorized("unknown api key")
		}
		if err := s.apiKeys.TouchLastUsed(dbc, key.ID); err != nil {
			s.log.Warn("touch api key failed", "api_key_id", key.ID, "error", err)
		}
		sc = &scope.Scope{ProjectID: key.ProjectID, APIKeyID: key.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *authService) VerifySessionToken(token string) (uuid.UUID, error) {
	if len(s.jwtSecret) == 0 {
		return uuid.Nil, apierr.Unauthorized("session tokens not configured")
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, apierr.Unauthorized("invalid session token")
	}
	projectID, err := uuid.Parse(claims.ProjectID)
	if err != nil || projectID == uuid.Nil {
		return uuid.Nil, apierr.Unauthorized("invalid session token")
	}
	return projectID, nil
}

func (s *authService) MintSessionToken(projectID uuid.UUID) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", fmt.Errorf("missing JWT_SECRET")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		ProjectID: projectID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
		},
	})
	return token.SignedString(s.jwtSecret)
}

// CreateProject is an admin operation: projects exist before any key can be
// scoped to them.
func (s *authService) CreateProject(ctx context.Context, name string) (*types.Project, error) {
	if name == "" {
		return nil, apierr.BadRequest("missing project name")
	}
	var project *types.Project
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		project, err = s.projects.Create(dbctx.Context{Ctx: ctx, Tx: tx}, &types.Project{Name: name})
		return err
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (s *authService) ListProjects(ctx context.Context) ([]*types.Project, error) {
	var out []*types.Project
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.projects.List(dbctx.Context{Ctx: ctx, Tx: tx})
		return err
	})
	return out, err
}

func (s *authService) CreateAPIKey(ctx context.Context, projectID uuid.UUID, name string) (*CreatedAPIKey, error) {
	if projectID == uuid.Nil {
		return nil, apierr.BadRequest("missing project id")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	secret := APIKeyPrefix + hex.EncodeToString(raw)

	var created *CreatedAPIKey
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		project, err := s.projects.GetByID(dbc, projectID)
		if err != nil {
			return err
		}
		if project == nil {
			return apierr.NotFound("project %s not found", projectID)
		}
		key, err := s.apiKeys.Create(dbc, &types.APIKey{
			ProjectID: projectID,
			Name:      name,
			KeyDigest: HashAPIKey(secret),
		})
		if err != nil {
			return err
		}
		created = &CreatedAPIKey{Key: key, Secret: secret}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *authService) ListAPIKeys(ctx context.Context, projectID uuid.UUID) ([]*types.APIKey, error) {
	var out []*types.APIKey
	err := db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.apiKeys.ListByProject(dbctx.Context{Ctx: ctx, Tx: tx}, projectID)
		return err
	})
	return out, err
}

func (s *authService) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	return db.WithAdminTx(ctx, s.db, func(tx *gorm.DB) error {
		deleted, err := s.apiKeys.Delete(dbctx.Context{Ctx: ctx, Tx: tx}, id)
		if err != nil {
			return err
		}
		if !deleted {
			return apierr.NotFound("api key %s not found", id)
		}
		return nil
	})
}
