package app

import (
	"context"
	"fmt"

	"karya/internal/blob"
	"karya/internal/config"
	"karya/internal/db"
	"karya/internal/engine"
	"karya/internal/migrate"
)

// Bootstrap opens the workspace database, applies pending migrations, loads
// configuration and returns a fully wired engine. Callers own Close on the
// engine and the database handle.
func Bootstrap(ctx context.Context, workspace string) (*engine.Engine, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	blobs := &blob.Local{
		Root:    cfg.Blob.Root,
		Secret:  []byte(cfg.Blob.Secret),
		BaseURL: cfg.Server.BaseURL,
	}
	e := engine.New(conn, cfg, blobs)
	if err := e.SeedScenarios(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed scenarios: %w", err)
	}
	return e, nil
}
