package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/logging"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/queue"
	"github.com/Aftaza/polution-traffic-lambda/internal/retry"
	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

const (
	batchSize     = 100
	flushInterval = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.LogConfig{}, "archiver").WithError(err).Fatal("Failed to load configuration")
	}

	log := logging.New(cfg.Log, "archiver")
	loc := classify.LoadZone(cfg.Timezone)
	policy := retry.Policy{Attempts: cfg.Connect.Attempts, Delay: cfg.Connect.Delay}

	log.Info("Starting Archiver...")

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

	if err := queue.WaitForBroker(ctx, cfg.Kafka.Brokers, policy, log); err != nil {
		log.WithError(err).Fatal("Failed to reach Kafka")
	}
	if err := queue.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.NumPartitions, 1, log); err != nil {
		log.WithError(err).Fatal("Failed to ensure topic")
	}

	// The archive keeps everything, so a new group starts from the beginning.
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ArchiveGroup, kafka.FirstOffset)
	defer consumer.Close()

	archiver := queue.NewArchiver(consumer, db, batchSize, flushInterval, loc, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := archiver.Run(ctx); err != nil {
			log.WithError(err).Error("Archiver stopped with error")
		}
	}()

	log.WithFields(logrus.Fields{
		"group":          cfg.Kafka.ArchiveGroup,
		"batch_size":     batchSize,
		"flush_interval": flushInterval.String(),
	}).Info("Archiver is running")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	cancel()
	<-done
	log.Info("Archiver stopped")
}
