package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/voiceagent/turnmetrics/internal/app"
	"github.com/voiceagent/turnmetrics/internal/config"
	"github.com/voiceagent/turnmetrics/internal/logging"
	"github.com/voiceagent/turnmetrics/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLogs, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Dir:    cfg.LogDir,
		ToFile: cfg.LogToFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Calls.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Metrics of calls still in progress are exported before the listener goes away.
	arts := built.Calls.FinalizeAll(shutdownCtx, session.ReasonShutdown)
	logger.WithField("calls", len(arts)).Info("active calls finalized")

	runCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := built.Cleanup(shutdownCtx); err != nil {
		logger.WithError(err).Warn("cleanup failed")
	}

	logger.WithFields(logrus.Fields{"active_calls": built.Calls.ActiveCount()}).Info("shutdown complete")
}
