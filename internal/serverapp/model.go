package serverapp

import (
	"context"
	"database/sql"
	"fmt"

	"relgraph/internal/config"
	"relgraph/internal/logging"
	"relgraph/internal/registry"
	"relgraph/internal/resolver"
)

// LoadModel loads the configured entity model without starting a server.
// A database model source opens a short-lived connection that is closed
// before returning.
func LoadModel(ctx context.Context, cfg *config.Config, logger *logging.Logger) (registry.Model, error) {
	if cfg.Model.Source != config.ModelSourceDatabase {
		model, _, err := loadModel(ctx, cfg, logger, nil, "")
		return model, err
	}

	effectiveDatabase, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return registry.Model{}, err
	}

	if err := cfg.Database.RegisterTLS(); err != nil {
		return registry.Model{}, fmt.Errorf("failed to register database TLS config: %w", err)
	}
	db, err := sql.Open("mysql", cfg.Database.DSN())
	if err != nil {
		return registry.Model{}, err
	}
	defer func() {
		_ = db.Close()
	}()

	if err := configureDatabase(ctx, cfg, logger, db, effectiveDatabase, cfg.Database.ConnectionString != ""); err != nil {
		return registry.Model{}, fmt.Errorf("failed to verify database connection: %w", err)
	}

	model, _, err := loadModel(ctx, cfg, logger, db, effectiveDatabase)
	return model, err
}

// BuildRegistry validates model into a registry named the way cfg says.
func BuildRegistry(cfg *config.Config, logger *logging.Logger, model registry.Model) (*registry.Registry, error) {
	return registry.New(model, registry.WithNamer(newNamer(cfg, logger)))
}

// RenderSDL renders the GraphQL surface of reg with cfg's naming overrides.
func RenderSDL(cfg *config.Config, logger *logging.Logger, reg *registry.Registry) string {
	return resolver.New(reg, nil, nil, resolver.Config{Namer: newNamer(cfg, logger)}).SDL()
}
