package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/deerfields/molls-sub000/src/production/MQT.Config"
	container "github.com/deerfields/molls-sub000/src/production/MQT.Container"
	"github.com/deerfields/molls-sub000/src/production/MQT.HubService/controllers"
	"github.com/deerfields/molls-sub000/src/production/MQT.HubService/middleware"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 30 * time.Second

type ServeCmd struct {
	Port string `help:"Ops server port, overrides INGESTOR_PORT"`
}

func (c *ServeCmd) Run(args CommonArgs) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.Port != "" {
		cfg.Server.Port = c.Port
	}
	log := logger.NewLogger(&cfg.Logging)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctr, err := container.NewHubContainer(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	err = ctr.Start(ctx)
	cancel()
	if err != nil {
		_ = ctr.Shutdown(context.Background())
		return fmt.Errorf("failed to start hub: %w", err)
	}

	if cfg.InternalAPISecret == "" {
		log.Warn("INTERNAL_API_SECRET not set, bulk ingestion accepts device tokens only")
	}
	router := controllers.NewEngine(cfg.Server.CORSOrigins)
	controllers.NewHealthController(ctr).RegisterRoutes(router)
	controllers.NewIngestController(ctr.Pipeline, middleware.ServiceAuthMiddleware(cfg.InternalAPISecret, ctr.Registry), log).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	quitErr := make(chan error, 1)
	go func() {
		log.Info("ops server starting on port " + cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			quitErr <- fmt.Errorf("ops server failed: %w", err)
		}
	}()

	log.Info("hub running... press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err = <-quitErr:
	case <-quit:
	}

	log.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.ErrorWithError(serr, "ops server forced to shutdown")
	}
	if serr := ctr.Shutdown(shutdownCtx); serr != nil {
		log.ErrorWithError(serr, "hub shutdown incomplete")
	}
	return err
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(args CommonArgs) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewLogger(&cfg.Logging)

	ctr, err := container.NewHubContainer(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	defer func() { _ = ctr.Shutdown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctr.Migrate(ctx); err != nil {
		return err
	}
	log.Info("migration complete")
	return nil
}
