package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/cache"
	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/logging"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/queue"
	"github.com/Aftaza/polution-traffic-lambda/internal/retry"
	"github.com/Aftaza/polution-traffic-lambda/internal/speedlayer"
	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.LogConfig{}, "speedlayer").WithError(err).Fatal("Failed to load configuration")
	}

	log := logging.New(cfg.Log, "speedlayer")
	loc := classify.LoadZone(cfg.Timezone)
	policy := retry.Policy{Attempts: cfg.Connect.Attempts, Delay: cfg.Connect.Delay}

	log.Info("Starting Speed Layer...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(ctx, metrics.NewServer(cfg.MetricsPort), log); err != nil {
				log.WithError(err).Error("Metrics listener failed")
			}
		}()
	}

	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), policy, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()
	log.Info("Connected to database")

	if err := db.RunMigrations(ctx, log); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	// The redelivery guard is optional: without Redis every delivery counts.
	var dedupe speedlayer.Deduper
	if cfg.Redis.DedupeTTL > 0 {
		redisCache, err := cache.Connect(ctx, cfg.Redis, policy, log)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, running without redelivery guard")
		} else {
			defer redisCache.Close()
			dedupe = redisCache
			log.Info("Connected to Redis")
		}
	}

	if err := queue.WaitForBroker(ctx, cfg.Kafka.Brokers, policy, log); err != nil {
		log.WithError(err).Fatal("Failed to reach Kafka")
	}
	if err := queue.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.NumPartitions, 1, log); err != nil {
		log.WithError(err).Fatal("Failed to ensure topic")
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.SpeedGroup, kafka.LastOffset)
	defer consumer.Close()

	processor := speedlayer.NewProcessor(db, cfg.Speed, loc, log)
	speed := speedlayer.NewConsumer(consumer, processor, dedupe, loc, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		speed.Run(ctx)
	}()

	// Print consumer stats periodically
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := consumer.Stats()
				log.WithFields(logrus.Fields{
					"messages": stats.Messages,
					"bytes":    stats.Bytes,
					"errors":   stats.Errors,
					"lag":      stats.Lag,
				}).Info("Consumer stats")
			}
		}
	}()

	log.WithFields(logrus.Fields{
		"group":     cfg.Kafka.SpeedGroup,
		"retention": cfg.Speed.RetentionWindow.String(),
	}).Info("Speed Layer is running")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	cancel()
	<-done
	log.Info("Speed Layer stopped")
}
