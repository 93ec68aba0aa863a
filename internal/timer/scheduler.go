package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
)

// Trigger computes the next firing time strictly after a given instant.
type Trigger interface {
	Next(after time.Time) time.Time
}

// HourlyAt fires every hour at the given minute.
type HourlyAt struct {
	Minute   int
	Location *time.Location
}

func (h HourlyAt) Next(after time.Time) time.Time {
	local := after.In(h.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), h.Minute, 0, 0, h.Location)
	if !next.After(after) {
		next = next.Add(time.Hour)
	}
	return next
}

// DailyAt fires once a day at the given wall-clock time.
type DailyAt struct {
	Hour     int
	Minute   int
	Location *time.Location
}

func (d DailyAt) Next(after time.Time) time.Time {
	local := after.In(d.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, d.Location)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Job is a named task fired by a trigger.
type Job struct {
	Name    string
	Trigger Trigger
	Task    func(ctx context.Context) error
}

// Scheduler owns a set of jobs and re-arms each one after it runs. A
// failing or panicking job never affects the others.
type Scheduler struct {
	manager *Manager
	jobs    []Job
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewScheduler(workers int, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		manager: NewManager(workers, log),
		log:     log,
		now:     time.Now,
	}
}

// Add registers a job. Jobs run by RunAll in registration order.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// RunAll runs every job once, sequentially, and returns the combined
// errors. Used at start-up to catch up before the first trigger.
func (s *Scheduler) RunAll(ctx context.Context) error {
	var result *multierror.Error
	for _, job := range s.jobs {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		if err := s.runJob(ctx, job); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return result.ErrorOrNil()
}

// Start arms every job on its trigger.
func (s *Scheduler) Start() {
	s.manager.Start()
	for _, job := range s.jobs {
		s.scheduleNext(job)
	}
}

// Stop cancels pending runs and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.manager.Stop()
}

// NextRun reports when a job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	return s.manager.Next(name)
}

func (s *Scheduler) scheduleNext(job Job) {
	next := job.Trigger.Next(s.now())

	err := s.manager.Schedule(job.Name, next, func(ctx context.Context) {
		defer s.scheduleNext(job)
		_ = s.runJob(ctx, job)
	})
	if errors.Is(err, ErrManagerStopped) {
		return
	}
	if err != nil {
		s.log.WithField("job", job.Name).WithError(err).Error("failed to schedule job")
		return
	}

	s.log.WithFields(logrus.Fields{
		"job":      job.Name,
		"next_run": next.Format(time.RFC3339),
	}).Info("job scheduled")
}

func (s *Scheduler) runJob(ctx context.Context, job Job) (err error) {
	log := s.log.WithFields(logrus.Fields{
		"job":    job.Name,
		"run_id": uuid.NewString(),
	})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}

		metrics.BatchJobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.BatchJobRuns.WithLabelValues(job.Name, "failed").Inc()
			log.WithError(err).Error("job failed")
			return
		}
		metrics.BatchJobRuns.WithLabelValues(job.Name, "ok").Inc()
		log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("job completed")
	}()

	log.Info("job started")
	return job.Task(ctx)
}
