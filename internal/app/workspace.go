package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/engine"
	"agentline/internal/migrate"
)

// LoadConfig prefers an explicit config path, then agentline.yml in the
// workspace, then the built-in defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// OpenEngine builds the engine for a workspace. When events.sqlite is on,
// the workspace database is opened and migrated first. The returned close
// function releases the database.
func OpenEngine(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*engine.Engine, func() error, error) {
	var conn *sql.DB
	closeFn := func() error { return nil }
	if cfg != nil && cfg.Events.SQLite {
		var err error
		conn, err = db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		closeFn = conn.Close
	}
	eng, err := engine.New(ctx, engine.Options{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Logger:    logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return eng, closeFn, nil
}
