// Command davmigrated runs the migration service: the HTTP API and the job
// queue worker.
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

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/cascadeops/davmigrate/internal/config"
	"github.com/cascadeops/davmigrate/internal/store"
	"github.com/cascadeops/davmigrate/internal/web"
	"github.com/cascadeops/davmigrate/internal/worker"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "davmigrated",
	})
	logger.Info("starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger.SetLevel(log.DebugLevel)
	}

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", "error", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()

	w := worker.New(st, logger,
		worker.WithQueueCapacity(cfg.Worker.QueueCapacity),
		worker.WithJobTimeout(cfg.Worker.JobTimeout),
		worker.WithSessionTimeout(cfg.Worker.SessionTimeout),
	)
	w.Start()

	handlers := web.NewHandlers(st, w, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger(logger))
	router.Use(web.SecurityHeaders())
	web.SetupRoutes(router, handlers, cfg.RateLimiting.RPS, cfg.RateLimiting.Burst)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	w.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("stopped")
}
