package services

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/agentflow/internal/data/repos"
	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
)

func TestHashAPIKey(t *testing.T) {
	a := HashAPIKey("sk_abc")
	b := HashAPIKey("sk_abc")
	c := HashAPIKey("sk_abd")
	if a != b {
		t.Fatal("digest must be deterministic")
	}
	if a == c {
		t.Fatal("distinct secrets must not collide")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(a))
	}
}

// newAuthService builds an AuthService on the shared test database. JWT
// config is read from the environment at construction, so callers needing
// session tokens must t.Setenv before calling this.
func newAuthService(t *testing.T, h *harness) AuthService {
	t.Helper()
	log := testutil.Logger(t)
	return NewAuthService(h.db, log, repos.NewProjectRepo(h.db, log), repos.NewAPIKeyRepo(h.db, log))
}

func TestAuthenticateRoundTrip(t *testing.T) {
	h, ctx := newHarness(t)
	auth := newAuthService(t, h)

	created, err := auth.CreateAPIKey(ctx, h.project.ID, "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if !strings.HasPrefix(created.Secret, APIKeyPrefix) {
		t.Fatalf("secret should carry the %s prefix, got %q", APIKeyPrefix, created.Secret)
	}
	if created.Key.KeyDigest == created.Secret {
		t.Fatal("the row must store a digest, never the secret")
	}

	sc, err := auth.Authenticate(ctx, created.Secret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sc.ProjectID != h.project.ID || sc.APIKeyID != created.Key.ID {
		t.Fatalf("wrong scope: %+v", sc)
	}
	if sc.Admin {
		t.Fatal("api keys never grant admin")
	}

	var row types.APIKey
	if err := h.db.First(&row, "id = ?", created.Key.ID).Error; err != nil {
		t.Fatalf("reload key: %v", err)
	}
	if row.LastUsedAt == nil {
		t.Fatal("authentication should stamp last_used_at")
	}
}

func TestAuthenticateRejectsBadSecrets(t *testing.T) {
	h, ctx := newHarness(t)
	auth := newAuthService(t, h)

	_, err := auth.Authenticate(ctx, "pk_wrong_prefix")
	assertCode(t, err, apierr.CodeUnauthorized)

	_, err = auth.Authenticate(ctx, "sk_never_issued")
	assertCode(t, err, apierr.CodeUnauthorized)
}

func TestRevokeAPIKey(t *testing.T) {
	h, ctx := newHarness(t)
	auth := newAuthService(t, h)

	created, err := auth.CreateAPIKey(ctx, h.project.ID, "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if err := auth.RevokeAPIKey(ctx, created.Key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err = auth.Authenticate(ctx, created.Secret)
	assertCode(t, err, apierr.CodeUnauthorized)

	err = auth.RevokeAPIKey(ctx, created.Key.ID)
	assertCode(t, err, apierr.CodeNotFound)
}

func TestCreateAPIKeyValidation(t *testing.T) {
	h, ctx := newHarness(t)
	auth := newAuthService(t, h)

	_, err := auth.CreateAPIKey(ctx, uuid.Nil, "ci")
	assertCode(t, err, apierr.CodeBadRequest)

	_, err = auth.CreateAPIKey(ctx, uuid.New(), "ci")
	assertCode(t, err, apierr.CodeNotFound)

	keys, err := auth.ListAPIKeys(ctx, h.project.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("failed creations must not leave rows, got %d", len(keys))
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	h, _ := newHarness(t)
	t.Setenv("JWT_SECRET", "test-session-secret")
	auth := newAuthService(t, h)

	token, err := auth.MintSessionToken(h.project.ID)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	projectID, err := auth.VerifySessionToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if projectID != h.project.ID {
		t.Fatalf("expected %s, got %s", h.project.ID, projectID)
	}

	_, err = auth.VerifySessionToken(token + "x")
	assertCode(t, err, apierr.CodeUnauthorized)

	t.Setenv("JWT_SECRET", "")
	unconfigured := newAuthService(t, h)
	_, err = unconfigured.VerifySessionToken(token)
	assertCode(t, err, apierr.CodeUnauthorized)
}

func TestCreateProject(t *testing.T) {
	h, ctx := newHarness(t)
	auth := newAuthService(t, h)

	_, err := auth.CreateProject(ctx, "")
	assertCode(t, err, apierr.CodeBadRequest)

	project, err := auth.CreateProject(ctx, "acme-"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		_ = h.db.Exec(`DELETE FROM projects WHERE id = ?`, project.ID).Error
	})

	projects, err := auth.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, p := range projects {
		if p.ID == project.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("created project should be listed")
	}
}
