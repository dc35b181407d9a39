package commands

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.trai.ch/zerr"

	"margins/internal/app"
	"margins/internal/feed"
	"margins/internal/search"
	"margins/internal/store"
)

func (c *CLI) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the comment service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&c.cfg.Addr, "addr", c.cfg.Addr, "Listen address")
	cmd.Flags().StringVar(&c.cfg.DatabaseURL, "database-url", c.cfg.DatabaseURL, "Postgres connection string")
	cmd.Flags().StringVar(&c.cfg.MigrationsDir, "migrations", c.cfg.MigrationsDir, "Directory of SQL migrations")
	return cmd
}

func (c *CLI) serve(ctx context.Context) error {
	cfg := c.cfg
	logger := c.logger

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return zerr.Wrap(err, "database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return zerr.Wrap(err, "migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewFallback(dataStore), logger)

	var publisher *feed.Publisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := feed.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return zerr.Wrap(err, "redis connection failed")
		}
		publisher = feed.NewPublisher(client)
		defer publisher.Close()
		logger.Info("publishing changes to redis")
	} else {
		logger.Info("change feed disabled")
	}

	service := app.New(dataStore, app.WithFeed(publisher), app.WithSearch(searchService))
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, app.WithRateLimit(cfg.RateRPS, cfg.RateBurst))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("margins listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return zerr.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}
