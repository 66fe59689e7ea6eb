package auth

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

type APIKeyRepo interface {
	Create(dbc dbctx.Context, key *types.APIKey) (*types.APIKey, error)
	GetByDigest(dbc dbctx.Context, digest string) (*types.APIKey, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.APIKey, error)
	TouchLastUsed(dbc dbctx.Context, id uuid.UUID) error
	Delete(dbc dbctx.Context, id uuid.UUID) (bool, error)
}

type apiKeyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAPIKeyRepo(db *gorm.DB, baseLog *logger.Logger) APIKeyRepo {
	return &apiKeyRepo{
		db:  db,
		log: baseLog.With("repo", "APIKeyRepo"),
	}
}

func (r *apiKeyRepo) Create(dbc dbctx.Context, key *types.APIKey) (*types.APIKey, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if key == nil || key.KeyDigest == "" {
		return nil, nil
	}
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if err := transaction.WithContext(dbc.Ctx).Create(key).Error; err != nil {
		return nil, err
	}
	return key, nil
}

// GetByDigest resolves a presented secret to its key row. Callers hash the
// secret first; plaintext never reaches the repo.
func (r *apiKeyRepo) GetByDigest(dbc dbctx.Context, digest string) (*types.APIKey, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if digest == "" {
		return nil, nil
	}
	var key types.APIKey
	err := transaction.WithContext(dbc.Ctx).
		Where("key_digest = ?", digest).
		Limit(1).
		Find(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == uuid.Nil {
		return nil, nil
	}
	return &key, nil
}

func (r *apiKeyRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.APIKey, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, nil
	}
	var out []*types.APIKey
	if err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *apiKeyRepo) TouchLastUsed(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", time.Now()).Error
}

func (r *apiKeyRepo) Delete(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.APIKey{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
