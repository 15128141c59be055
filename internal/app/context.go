package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fabline/internal/catalog"
	"fabline/internal/config"
	"fabline/internal/domain"
	"fabline/internal/engine"
	"fabline/internal/migrate"
	"fabline/internal/repo"
)

// Bootstrap migrates the database, syncs the stage catalog from the
// config, seeds the admin user, and returns a ready engine. The
// catalog is validated on the way in and again on the way out; a bad
// catalog aborts the whole service.
func Bootstrap(ctx context.Context, conn *sql.DB, cfg *config.Config) (engine.Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return engine.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	if err := syncCatalogAndAdmin(ctx, r, cfg); err != nil {
		return engine.Engine{}, err
	}
	cat, err := catalog.Load(ctx, r)
	if err != nil {
		return engine.Engine{}, err
	}
	return engine.New(conn, cat, cfg), nil
}

func syncCatalogAndAdmin(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.ReplaceStagesTx(ctx, tx, cfg.Stages()); err != nil {
		return fmt.Errorf("sync stages: %w", err)
	}
	admin := domain.User{
		ID:          cfg.Admin.UserID,
		Username:    cfg.Admin.Username,
		Email:       cfg.Admin.Email,
		Role:        config.RoleAdmin,
		StageAccess: config.StageAccessAll,
		IsActive:    true,
		CreatedAt:   now,
	}
	if err := r.EnsureUser(ctx, tx, admin); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return tx.Commit()
}
