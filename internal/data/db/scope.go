package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/agentflow/internal/platform/scope"
)

// WithProjectTx runs fn in a transaction fenced to one project. set_config
// with is_local=true scopes the variable to the transaction, so the pooled
// connection carries nothing over to its next borrower.
func WithProjectTx(ctx context.Context, db *gorm.DB, projectID uuid.UUID, fn func(tx *gorm.DB) error) error {
	if projectID == uuid.Nil {
		return fmt.Errorf("project tx requires a project id")
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SELECT set_config('app.project_id', ?, true)`, projectID.String()).Error; err != nil {
			return fmt.Errorf("set project scope: %w", err)
		}
		return fn(tx)
	})
}

// WithAdminTx runs fn in a transaction that bypasses tenant isolation.
// Reconcilers and internal worker callbacks use this; request handlers must
// not.
func WithAdminTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SELECT set_config('app.is_admin', 'true', true)`).Error; err != nil {
			return fmt.Errorf("set admin scope: %w", err)
		}
		return fn(tx)
	})
}

// WithScopedTx picks the fence from the context scope: admin contexts get
// an admin transaction, everything else a project one.
func WithScopedTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if scope.IsAdmin(ctx) {
		return WithAdminTx(ctx, db, fn)
	}
	return WithProjectTx(ctx, db, scope.ProjectID(ctx), fn)
}

// LockParentFanIn takes the per-parent advisory lock that serializes sibling
// terminal transitions. Held until the surrounding transaction ends.
func LockParentFanIn(tx *gorm.DB, parentID uuid.UUID) error {
	if err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtextextended(?::text, 0))`, parentID.String()).Error; err != nil {
		return fmt.Errorf("acquire fan-in lock: %w", err)
	}
	return nil
}
