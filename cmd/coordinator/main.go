// GRIDRUN Coordinator
// Control plane binary: state model, scheduler, REST API and the worker
// push channel behind one HTTP listener.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridrun/internal/archive"
	"gridrun/internal/auth"
	"gridrun/internal/config"
	"gridrun/internal/handlers"
	"gridrun/internal/logging"
	"gridrun/internal/metrics"
	"gridrun/internal/middleware"
	"gridrun/internal/scheduler"
	"gridrun/internal/state"
	"gridrun/internal/store"
	"gridrun/internal/websocket"

	"github.com/gin-gonic/gin"
)

// Overridden by the release build.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.S()

	cfg := config.LoadCoordinator()
	metrics.Get().SetBuildInfo(version, commit)
	log.Infow("starting gridrun coordinator",
		"version", version,
		"addr", cfg.ListenAddr,
		"store", cfg.Store,
		"archive_store", cfg.ArchiveStore)

	st, err := store.Open(cfg.Store, cfg.StorePath, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalw("state store open failed", "error", err)
	}

	model := state.NewModel(st, state.Options{
		Defaults:       cfg.JobDefaults,
		Cooldown:       cfg.WorkerCooldown,
		OutputCapBytes: cfg.OutputCapBytes,
	})
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	err = model.Load(loadCtx)
	cancelLoad()
	if err != nil {
		log.Fatalw("state load failed", "error", err)
	}
	model.Start()
	log.Infow("state loaded",
		"jobs", len(model.ListJobs("")),
		"workers", len(model.ListWorkers()))

	archives, err := archive.New(context.Background(), cfg)
	if err != nil {
		log.Fatalw("archive store init failed", "error", err)
	}

	hub := websocket.NewHub()
	go hub.Run()

	sched := scheduler.New(model, scheduler.Options{
		SweepPeriod:      cfg.SweepPeriod,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Notifier:         hub,
	})
	sched.Start()

	tokens := auth.NewTokenService(cfg.AgentTokenSecret)
	if !tokens.Enabled() {
		log.Warnw("AGENT_TOKEN_SECRET not set, worker auth disabled")
	}

	var limiter store.RateStore
	if cfg.RedisURL != "" {
		limiter, err = store.NewRedisRateStore(cfg.RedisURL)
		if err != nil {
			log.Fatalw("redis rate store init failed", "error", err)
		}
		log.Infow("rate limit counters on redis")
	}

	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(metrics.PrometheusMiddleware())
	router.Use(middleware.RateLimit(cfg.RateLimitPerMinute, limiter))

	h := handlers.New(model, archives, hub, tokens)
	h.Version = version
	h.Routes(router)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("coordinator listening", "addr", cfg.ListenAddr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	case sig := <-quit:
		log.Infow("signal received, starting graceful shutdown", "signal", sig.String())
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	// 1. Stop accepting requests and drain the in-flight ones.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown", "error", err)
	}
	// 2. Stop the sweep loop.
	sched.Stop()
	// 3. Drop worker push connections.
	hub.Shutdown()
	// 4. Flush pending write-through snapshots, then close the stores.
	model.Close()
	if err := st.Close(); err != nil {
		log.Warnw("state store close", "error", err)
	}
	if limiter != nil {
		if err := limiter.Close(); err != nil {
			log.Warnw("rate store close", "error", err)
		}
	}
	log.Infow("graceful shutdown complete")
}
