package auth

import (
	"time"

	"github.com/google/uuid"
)

// Project is the tenancy unit. Every tenant-scoped table carries a
// project_id and is fenced by a row-level security policy on it.
type Project struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name      string    `gorm:"column:name;not null" json:"name"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

// APIKey authenticates a caller as a project. Only the SHA-256 digest of
// the presented secret is stored.
type APIKey struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	Name       string     `gorm:"column:name" json:"name,omitempty"`
	KeyDigest  string     `gorm:"column:key_digest;not null;uniqueIndex" json:"-"`
	LastUsedAt *time.Time `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null;default:now()" json:"created_at"`
}

func (APIKey) TableName() string { return "api_keys" }
