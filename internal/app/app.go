package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"soundline/internal/api"
	"soundline/internal/config"
	"soundline/internal/db"
	"soundline/internal/events"
	"soundline/internal/location"
	"soundline/internal/migrate"
	"soundline/internal/server"
	"soundline/internal/store"
	"soundline/internal/submit"
	"soundline/internal/token"
	"soundline/internal/upload"
)

// App wires one workspace: config, database, and the submission
// machine built on top of them.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Store     *store.Store
	Events    *events.Writer
	Client    *api.Client
	Machine   *submit.Machine
	Log       *slog.Logger
}

func provider(cfg *config.Config) location.Provider {
	if cfg.Location.Mode == "static" {
		return &location.StaticProvider{Fix: location.Fix{
			Latitude:  cfg.Location.Latitude,
			Longitude: cfg.Location.Longitude,
			Accuracy:  cfg.Location.Accuracy,
		}}
	}
	return location.NullProvider{}
}

// Open loads config, opens and migrates the workspace database, and
// assembles the machine. Callers must Close when done.
func Open(workspace string, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(conn)
	ev := events.NewWriter(conn)
	client := api.New(cfg.Server.BaseURL, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret,
		cfg.Server.Timeout.Std(), log)

	machine := submit.NewMachine(submit.Deps{
		Store:    st,
		Client:   client,
		Tokens:   token.NewLifecycle(client, st, log),
		Location: location.NewAcquirer(provider(cfg), log),
		Uploader: upload.NewCoordinator(client, cfg.Submission.EntryType,
			"cli-"+runtime.GOOS, cfg.Submission.Locale, log),
		Events: ev,
		Log:    log,
		Email:  cfg.Registration.Email,
	})

	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Store:     st,
		Events:    ev,
		Client:    client,
		Machine:   machine,
		Log:       log,
	}, nil
}

// Server builds a reference backend bound to this workspace's database.
func (a *App) Server(addr, jwtSecret string) *server.Server {
	return server.New(a.DB, server.Config{
		Addr:         addr,
		JWTSecret:    jwtSecret,
		ClientID:     a.Config.OAuth.ClientID,
		ClientSecret: a.Config.OAuth.ClientSecret,
		FilesDir:     filepath.Join(a.Workspace, ".soundline", "received"),
	}, a.Log)
}

func (a *App) Close() error {
	return a.DB.Close()
}
