package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/logging"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/queue"
	"github.com/Aftaza/polution-traffic-lambda/internal/retry"
	"github.com/Aftaza/polution-traffic-lambda/internal/sampler"
	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.LogConfig{}, "sampler").WithError(err).Fatal("Failed to load configuration")
	}

	log := logging.New(cfg.Log, "sampler")
	loc := classify.LoadZone(cfg.Timezone)
	policy := retry.Policy{Attempts: cfg.Connect.Attempts, Delay: cfg.Connect.Delay}

	log.Info("Starting Location Sampler...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(ctx, metrics.NewServer(cfg.MetricsPort), log); err != nil {
				log.WithError(err).Error("Metrics listener failed")
			}
		}()
	}

	if cfg.Sampler.TomTomAPIKey == "" || cfg.Sampler.AQICNToken == "" {
		log.Warn("TOMTOM_API_KEY or AQICN_TOKEN is empty, provider calls will be rejected")
	}

	if err := queue.WaitForBroker(ctx, cfg.Kafka.Brokers, policy, log); err != nil {
		log.WithError(err).Fatal("Failed to reach Kafka")
	}
	if err := queue.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.NumPartitions, 1, log); err != nil {
		log.WithError(err).Fatal("Failed to ensure topic")
	}

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()

	httpClient := &http.Client{Timeout: cfg.Sampler.ProviderTimeout}
	s := sampler.New(
		sampler.DefaultLocations,
		sampler.NewTomTomClient(cfg.Sampler.TomTomBaseURL, cfg.Sampler.TomTomAPIKey, httpClient),
		sampler.NewAQICNClient(cfg.Sampler.AQICNBaseURL, cfg.Sampler.AQICNToken, httpClient),
		producer,
		cfg.Sampler.PollInterval,
		cfg.Sampler.ProviderTimeout,
		loc,
		log,
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	log.WithFields(logrus.Fields{
		"locations": len(sampler.DefaultLocations),
		"interval":  cfg.Sampler.PollInterval.String(),
		"topic":     cfg.Kafka.Topic,
	}).Info("Location Sampler is running")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	cancel()
	<-done
	log.Info("Location Sampler stopped")
}
