package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xpadev-net/ice-launcher/internal/api"
	"github.com/xpadev-net/ice-launcher/internal/config"
	"github.com/xpadev-net/ice-launcher/internal/icecast"
	"github.com/xpadev-net/ice-launcher/internal/icy"
	"github.com/xpadev-net/ice-launcher/internal/launcher"
	"github.com/xpadev-net/ice-launcher/internal/log"
	"github.com/xpadev-net/ice-launcher/internal/metadata"
	"github.com/xpadev-net/ice-launcher/internal/source"
	"github.com/xpadev-net/ice-launcher/internal/status"
)

func main() {
	// Initialize logger
	if err := log.Init(os.Getenv("ENVIRONMENT")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting ice-launcher")

	// Load configuration
	cfg, err := config.LoadLauncherConfig()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		log.Warn("ignoring LOG_LEVEL", zap.Error(err))
	}

	log.Info("configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.String("listen", net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.ListenPort))),
		zap.String("icecast", cfg.IcecastBaseURL()),
		zap.Int("mounts", len(cfg.Mounts)),
		zap.Int("dynamic_mounts", len(cfg.DynamicMounts)),
		zap.Duration("source_remove_delay", cfg.SourceRemoveDelay),
	)

	icecastClient := icecast.NewClient(cfg.IcecastBaseURL(), icecast.Credentials{
		User:     cfg.IcecastAdmin,
		Password: cfg.IcecastAdminPassword,
	}, 10*time.Second)

	updaters := metadata.NewRegistry(
		icy.NewDecoder(cfg.MetadataFetchTimeout, cfg.LogDebugMetadata),
		icecastClient,
		metadata.Options{Interval: cfg.MetadataInterval, MaxErrors: cfg.MetadataMaxErrors},
	)

	controller := launcher.NewController(cfg, launcher.NewSupervisorRunner(source.NewSupervisor(cfg)), updaters)
	aggregator := status.NewAggregator(controller, updaters, icecastClient, 10*time.Second)

	// Mounts whose metadata is tracked even without listeners
	for name, mc := range cfg.Mounts {
		if mc.MetaOnStartup {
			updaters.Add(name, mc)
		}
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := api.NewHandler(cfg, controller, aggregator)
	router := api.NewRouter(handler, cfg.StatusRateLimit)

	// Create HTTP server
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.ListenPort)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()
	handler.SetReady(true)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	handler.SetReady(false)

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop all sources", zap.Error(err))
	}
	updaters.RemoveAll()

	log.Info("server stopped")
}
