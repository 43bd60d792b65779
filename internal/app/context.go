package app

import (
	"database/sql"

	"pepseek/internal/config"
	"pepseek/internal/db"
	"pepseek/internal/engine"
	"pepseek/internal/migrate"
)

// App bundles the open handles of one workspace: its validated config,
// the run-ledger database, and an engine wired to both. The CLI and the
// API server both go through Open so workspace setup stays in one place.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
}

// Open loads the workspace config, opens the ledger database, applies
// pending migrations, and returns a ready engine. The caller owns Close.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
