package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/aggregation"
	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/logging"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/retry"
	"github.com/Aftaza/polution-traffic-lambda/internal/timer"
	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.LogConfig{}, "batchlayer").WithError(err).Fatal("Failed to load configuration")
	}

	log := logging.New(cfg.Log, "batchlayer")
	loc := classify.LoadZone(cfg.Timezone)
	policy := retry.Policy{Attempts: cfg.Connect.Attempts, Delay: cfg.Connect.Delay}

	log.Info("Starting Batch Layer...")

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

	// Validated by config.Load.
	dailyHour, dailyMinute, _ := config.ParseClock(cfg.Batch.DailyTime)
	peakHour, peakMinute, _ := config.ParseClock(cfg.Batch.PeakTime)

	hourly := aggregation.NewHourlyAggregator(db, loc, log)
	daily := aggregation.NewDailyAggregator(db, loc, log)
	peaks := aggregation.NewPeakAnalyzer(db, loc, log)

	scheduler := timer.NewScheduler(cfg.Batch.Workers, log)
	scheduler.Add(timer.Job{
		Name:    "hourly-aggregation",
		Trigger: timer.HourlyAt{Minute: cfg.Batch.HourlyMinute, Location: loc},
		Task:    hourly.AggregatePreviousHour,
	})
	scheduler.Add(timer.Job{
		Name:    "daily-aggregation",
		Trigger: timer.DailyAt{Hour: dailyHour, Minute: dailyMinute, Location: loc},
		Task:    daily.AggregatePreviousDay,
	})
	scheduler.Add(timer.Job{
		Name:    "peak-hours-analysis",
		Trigger: timer.DailyAt{Hour: peakHour, Minute: peakMinute, Location: loc},
		Task:    peaks.AnalyzePreviousDay,
	})

	// Refill hours missed while down, then run every job once so a fresh
	// deployment has batch views before the first trigger.
	if err := hourly.CatchUp(ctx); err != nil {
		log.WithError(err).Warn("Hourly catch-up finished with errors")
	}
	if err := scheduler.RunAll(ctx); err != nil {
		log.WithError(err).Warn("Initial batch run finished with errors")
	}

	scheduler.Start()

	for _, name := range []string{"hourly-aggregation", "daily-aggregation", "peak-hours-analysis"} {
		if next, ok := scheduler.NextRun(name); ok {
			log.WithFields(logrus.Fields{"job": name, "next_run": next.In(loc).Format("2006-01-02 15:04:05")}).Info("Job scheduled")
		}
	}

	log.Info("Batch Layer is running")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down gracefully...")
	cancel()
	scheduler.Stop()
	log.Info("Batch Layer stopped")
}
