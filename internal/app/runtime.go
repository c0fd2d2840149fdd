// Package app wires the database, the engine and the background workers
// shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fieldaudit/internal/audit"
	"fieldaudit/internal/config"
	"fieldaudit/internal/db"
	"fieldaudit/internal/engine"
	"fieldaudit/internal/events"
	"fieldaudit/internal/migrate"
	"fieldaudit/internal/notify"
	"fieldaudit/internal/repo"
	"fieldaudit/internal/server"
)

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string, json bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open loads the workspace config, opens and migrates the database and
// builds the engine. Audit events go to both the database and the logger.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "path", db.Path(workspace), "schema_version", version)

	r := repo.Repo{DB: conn}
	sink := audit.Multi{
		audit.StoreSink{Store: r},
		audit.LogSink{Logger: logger.With("component", "audit")},
	}
	e := engine.New(r, events.Writer{DB: conn}, sink, cfg, logger)
	return &Runtime{Workspace: workspace, Config: cfg, DB: conn, Repo: r, Engine: e, Logger: logger}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// TickLoop runs the escalation scheduler every interval until ctx is done.
func (rt *Runtime) TickLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rt.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rt.tick(ctx)
		}
	}
}

func (rt *Runtime) tick(ctx context.Context) {
	if _, err := rt.Engine.Tick(ctx); err != nil && ctx.Err() == nil {
		rt.Logger.Warn("escalation tick incomplete", "error", err)
	}
}

type ServeOptions struct {
	Addr     string
	BasePath string
	Auth     server.AuthConfig
}

// Serve runs the HTTP API, the escalation scheduler and the webhook
// dispatcher until ctx is cancelled or one of them fails.
func (rt *Runtime) Serve(ctx context.Context, opts ServeOptions) error {
	if opts.Auth.Logger == nil {
		opts.Auth.Logger = rt.Logger.With("component", "auth")
	}
	handler, err := server.New(server.Config{
		Engine:   rt.Engine,
		Repo:     rt.Repo,
		BasePath: opts.BasePath,
		Auth:     opts.Auth,
		Logger:   rt.Logger.With("component", "http"),
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: opts.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	dispatcher := notify.NewDispatcher(rt.Repo, rt.Config.Webhooks, rt.Logger.With("component", "webhooks"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Logger.Info("serving API", "addr", opts.Addr, "base_path", opts.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return rt.TickLoop(gctx, rt.Config.Escalation.TickInterval)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	return g.Wait()
}
