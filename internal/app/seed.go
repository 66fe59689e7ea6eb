package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/agentflow/internal/data/db"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/scope"
	"github.com/yungbote/agentflow/internal/services"
	"gorm.io/gorm"
)

type seedFile struct {
	Projects []seedProject `yaml:"projects"`
}

type seedProject struct {
	Name    string    `yaml:"name"`
	APIKeys []seedKey `yaml:"api_keys"`
}

type seedKey struct {
	Name string `yaml:"name"`
	// Secret lets dev environments pin a known key. When omitted a secret
	// is generated and printed once to stdout.
	Secret string `yaml:"secret"`
}

// seed bootstraps projects and API keys from a yaml file. Idempotent: rows
// that already exist are left alone.
func (a *App) seed(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, sp := range sf.Projects {
		name := strings.TrimSpace(sp.Name)
		if name == "" {
			continue
		}
		project, err := a.ensureProject(ctx, name)
		if err != nil {
			return err
		}
		for _, sk := range sp.APIKeys {
			if err := a.ensureAPIKey(ctx, project, sk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) ensureProject(ctx context.Context, name string) (*types.Project, error) {
	var found *types.Project
	err := db.WithAdminTx(ctx, a.DB, func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		existing, err := a.Repos.Project.List(dbc)
		if err != nil {
			return err
		}
		for _, p := range existing {
			if p.Name == name {
				found = p
				return nil
			}
		}
		found, err = a.Repos.Project.Create(dbc, &types.Project{Name: name})
		if err == nil {
			a.Log.Info("seeded project", "name", name)
		}
		return err
	})
	return found, err
}

func (a *App) ensureAPIKey(ctx context.Context, project *types.Project, sk seedKey) error {
	if sk.Secret != "" {
		if !strings.HasPrefix(sk.Secret, services.APIKeyPrefix) {
			return fmt.Errorf("seed key %q: secret must start with %s", sk.Name, services.APIKeyPrefix)
		}
		digest := services.HashAPIKey(sk.Secret)
		return db.WithAdminTx(ctx, a.DB, func(tx *gorm.DB) error {
			dbc := dbctx.Context{Ctx: ctx, Tx: tx}
			existing, err := a.Repos.APIKey.GetByDigest(dbc, digest)
			if err != nil {
				return err
			}
			if existing != nil {
				return nil
			}
			_, err = a.Repos.APIKey.Create(dbc, &types.APIKey{
				ProjectID: project.ID,
				Name:      sk.Name,
				KeyDigest: digest,
			})
			if err == nil {
				a.Log.Info("seeded api key", "project", project.Name, "name", sk.Name)
			}
			return err
		})
	}

	keys, err := a.Services.Auth.ListAPIKeys(scope.Admin(ctx), project.ID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Name == sk.Name {
			return nil
		}
	}
	created, err := a.Services.Auth.CreateAPIKey(scope.Admin(ctx), project.ID, sk.Name)
	if err != nil {
		return err
	}
	// Printed, not logged: the logger redacts secrets and the digest is all
	// that survives in the database.
	fmt.Fprintf(os.Stdout, "seeded api key %s/%s: %s\n", project.Name, sk.Name, created.Secret)
	return nil
}
