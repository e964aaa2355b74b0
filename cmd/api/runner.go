package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"issuemirror/api/internal/app"
	"issuemirror/api/internal/authpw"
	"issuemirror/api/internal/broadcast"
	"issuemirror/api/internal/config"
	"issuemirror/api/internal/live"
	"issuemirror/api/internal/session"
	"issuemirror/api/internal/store"
	"issuemirror/api/internal/tracker"
	"issuemirror/api/internal/util"
	"issuemirror/api/internal/view"
	"issuemirror/api/internal/webhook"
)

const sessionPurgeInterval = 15 * time.Minute

type Runner struct {
	logger *log.Logger
}

func NewRunner(logger *log.Logger) *Runner {
	return &Runner{logger: logger}
}

// loadConfig reads the environment, then the --config file when given.
// The runner logger is rebuilt from the result.
func (r *Runner) loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Load()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	r.logger = util.NewLogger(nil, cfg.LogLevel, cfg.LogJSON)
	return cfg, nil
}

func (r *Runner) openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		r.logger.Info("migrations applied", "versions", applied)
	}
	return db, nil
}

// Migrate applies pending migrations and exits.
func (r *Runner) Migrate(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := r.openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	r.logger.Info("database is up to date")
	return nil
}

// Serve runs the HTTP server until SIGINT or SIGTERM.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return errors.New("WEBHOOK_SECRET must be set")
	}
	if cfg.Production() && cfg.SessionSecret == config.DevSessionSecret {
		return errors.New("SESSION_SECRET must be set in production")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := r.openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	var sessionStore session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		r.logger.Info("using redis for browser sessions")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		sessionStore = redisStore
	} else {
		r.logger.Info("using postgres for browser sessions")
		sessionStore = session.NewPostgresStore(dataStore)
		go r.purgeSessions(ctx, dataStore)
	}
	sessions := session.NewManager(sessionStore, session.ManagerConfig{
		CookieName: cfg.SessionName,
		Secret:     cfg.SessionSecret,
		TTL:        cfg.SessionTTL,
		Secure:     cfg.Production(),
	})

	issues := tracker.NewClient(tracker.Config{
		BaseURL:       cfg.GitLabURL,
		Token:         cfg.GitLabToken,
		ProjectID:     cfg.ProjectID,
		RatePerSecond: cfg.TrackerRate,
	}, &http.Client{Timeout: 15 * time.Second})

	broadcaster := broadcast.New(r.logger.WithPrefix("broadcast"), cfg.SubscriberBuffer)
	hooks := webhook.NewHandler(
		webhook.NewAuthenticator(cfg.WebhookSecret),
		webhook.GitLabDecoder{},
		broadcaster,
		r.logger.WithPrefix("webhook"),
	)
	stream := live.NewServer(broadcaster, r.logger.WithPrefix("live"))

	service := app.New(cfg, dataStore, issues, authpw.NewService(dataStore), r.logger)
	httpServer := app.NewHTTPServer(service, sessions, hooks, stream)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Shutdown does not track hijacked live sessions; cancelling ctx ends them.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("issue mirror listening", "addr", cfg.Addr, "project", cfg.ProjectID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	r.logger.Info("shutting down", "subscribers", broadcaster.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("shutdown error", "err", err)
	}
	return nil
}

func (r *Runner) purgeSessions(ctx context.Context, dataStore *store.PostgresStore) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := dataStore.PurgeExpiredBrowserSessions(ctx, now)
			if err != nil {
				r.logger.Warn("session purge failed", "err", err)
				continue
			}
			if purged > 0 {
				r.logger.Debug("expired sessions purged", "count", purged)
			}
		}
	}
}

// Watch follows a running server and prints the issue list on every change.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	follower, err := live.NewFollower(cmd.String("url"), &http.Client{Timeout: 15 * time.Second}, r.logger)
	if err != nil {
		return err
	}

	if cmd.Bool("once") {
		issues, err := follower.FetchIssues(ctx)
		if err != nil {
			return err
		}
		printRows(view.FromIssues(issues))
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = follower.Run(ctx, printRows)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printRows(p view.Projection) {
	fmt.Printf("--- %d issues @ %s\n", p.Len(), time.Now().Format(time.TimeOnly))
	for _, row := range p.Rows() {
		fmt.Printf("#%-5d %-7s %-9s %s\n", row.IID, row.State, row.ActionLabel, row.Title)
	}
}

// ConfigInit writes the embedded example configuration.
func (r *Runner) ConfigInit(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("output")
	if err := config.WriteExample(path); err != nil {
		return err
	}
	r.logger.Info("config file created", "path", path)
	return nil
}
