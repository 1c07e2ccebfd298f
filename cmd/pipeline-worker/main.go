package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/config"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/logging"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/runner"
)

// Pipeline worker: executes ingestion runs from the DBOS queue and serves
// the upload, status and retrieval API.
func main() {
	cfg, err := config.Load(config.Defaults())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DBOSDatabaseURL == "" {
		logger.Fatal("DBOS_SYSTEM_DATABASE_URL is required")
	}

	ctx := context.Background()
	r, err := runner.NewFromConfig(ctx, cfg, "pipeline-worker", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize worker")
	}
	if err := r.Launch(); err != nil {
		r.Close()
		logger.WithError(err).Fatal("Failed to launch worker")
	}

	logger.WithFields(logrus.Fields{
		"storage": cfg.StorageBackend,
		"source":  cfg.SourceBackend,
		"redis":   cfg.RedisAddress != "",
		"pubsub":  cfg.PubSubTopic,
	}).Info("Worker initialized")

	serve(logger, cfg.HTTPAddr, r)
}

func serve(logger *logrus.Logger, addr string, r *runner.Runner) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithField("addr", addr).Info("Pipeline worker starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	r.Shutdown(ctx)

	logger.Info("Server stopped")
}
