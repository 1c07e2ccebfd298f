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

// Standalone pipeline worker for quick testing
// Runs ingestions in-process against filesystem storage (./dev-data)
// No database or redis needed
func main() {
	base := config.Defaults()
	base.HTTPAddr = ":8080"
	base.StorageDir = "./dev-data"
	base.PublicBaseURL = "http://localhost:8080"
	base.LogFormat = "text"

	cfg, err := config.Load(base)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	// In-process mode only
	cfg.DBOSDatabaseURL = ""
	cfg.StorageBackend = config.StorageFilesystem

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.WithFields(logrus.Fields{
		"mode":        "embedded (in-process runs + filesystem storage)",
		"storage_dir": cfg.StorageDir,
		"http_addr":   cfg.HTTPAddr,
	}).Info("Pipeline Standalone Worker")

	r, err := runner.NewFromConfig(context.Background(), cfg, "pipeline-standalone", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize worker")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("Standalone worker starting")
		logger.Infof("  Upload:  curl -F file=@estimacion.xlsx http://localhost%s/estimations/EST-1/upload", cfg.HTTPAddr)
		logger.Infof("  Tree:    curl http://localhost%s/estimations/EST-1/tree-data", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	// Lets in-flight ingestions finish
	r.Shutdown(ctx)
	logger.Info("Stopped")
}
