package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"followups/internal/config"
	"followups/internal/db"
	"followups/internal/domain"
	"followups/internal/engine"
	"followups/internal/logging"
	"followups/internal/migrate"
	"followups/internal/repo"
	"followups/internal/server"
)

// Runtime bundles an open, migrated store with the engine built on it.
type Runtime struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Location *time.Location
	Log      *log.Logger
}

// Open connects to the store named by cfg, applies migrations and wires the
// engine. The caller must Close the runtime.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("board timezone: %w", err)
	}
	conn, err := db.Open(db.Config{
		Workspace: workspace,
		Driver:    cfg.Database.Driver,
		DSN:       cfg.Database.DSN,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.Database.Driver, err)
	}
	if err := migrate.Migrate(conn, cfg.Database.Driver); err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg.Database.Driver, logger)
	e.Location = loc
	logger.WithFields(log.Fields{
		"driver":   cfg.Database.Driver,
		"timezone": loc.String(),
	}).Debug("store ready")
	return &Runtime{
		Config:   cfg,
		DB:       conn,
		Engine:   e,
		Location: loc,
		Log:      logger,
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Handler builds the HTTP API over the runtime's engine.
func (r *Runtime) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   r.Engine,
		BasePath: r.Config.Server.BasePath,
		Location: r.Location,
		Logger:   r.Log,
	})
}

// EnsureApplication registers an application for a tenant. Re-adding an
// existing id with the same tenant is a no-op; a different tenant is an error.
func EnsureApplication(ctx context.Context, r repo.Repo, a domain.Application) (bool, error) {
	if a.ID == "" || a.TenantID == "" {
		return false, fmt.Errorf("application id and tenant id are required")
	}
	existing, err := r.GetApplication(ctx, a.ID)
	if err == nil {
		if existing.TenantID != a.TenantID {
			return false, fmt.Errorf("application %s already belongs to tenant %s", a.ID, existing.TenantID)
		}
		return false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if err := r.InsertApplication(ctx, a); err != nil {
		return false, fmt.Errorf("insert application: %w", err)
	}
	return true, nil
}
