package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aftaza/polution-traffic-lambda/internal/api"
	"github.com/Aftaza/polution-traffic-lambda/internal/cache"
	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/connection"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/logging"
	"github.com/Aftaza/polution-traffic-lambda/internal/retry"
	"github.com/Aftaza/polution-traffic-lambda/internal/serving"
	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.LogConfig{}, "serving").WithError(err).Fatal("Failed to load configuration")
	}

	log := logging.New(cfg.Log, "serving")
	loc := classify.LoadZone(cfg.Timezone)
	policy := retry.Policy{Attempts: cfg.Connect.Attempts, Delay: cfg.Connect.Delay}

	log.Info("Starting Serving Layer...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), policy, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()
	log.Info("Connected to database")

	if err := db.RunMigrations(ctx, log); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	engine := serving.NewEngine(db, cfg.Serving, loc, log)

	var handler *api.Handler
	hub := api.NewHub(connection.NewManager(cfg.Serving.MaxClients), func(ctx context.Context) serving.View {
		view, _ := handler.View(ctx)
		return view
	}, cfg.Serving.PushInterval, log)

	// The view cache is optional: without Redis every request hits PostgreSQL.
	var viewCache api.ViewCache
	if cfg.Redis.ViewTTL > 0 {
		redisCache, err := cache.Connect(ctx, cfg.Redis, policy, log)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, serving without view cache")
		} else {
			defer redisCache.Close()
			viewCache = redisCache
			log.Info("Connected to Redis")
		}
	}

	handler = api.NewHandler(engine, viewCache, hub, log)
	handler.AddHealthCheck("postgres", db.PingContext)
	if rc, ok := viewCache.(*cache.RedisCache); ok {
		handler.AddHealthCheck("redis", rc.Ping)
	}

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Serving.HTTPPort),
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	log.Info("Serving Layer is running")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	cancel()
	<-hubDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	log.Info("Serving Layer stopped")
}
