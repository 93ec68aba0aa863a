// Package speedlayer turns each sample from the event channel into a
// realtime row and folds it into the hourly running averages.
package speedlayer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/protocol"
	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

// Store is the part of the datastore the speed layer writes to.
type Store interface {
	InsertRealtime(ctx context.Context, rec *database.RealtimeRecord) error
	UpsertHourlyRollup(ctx context.Context, c database.RollupContribution) (*database.HourlyRollup, error)
	DeactivateRealtimeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Processor applies one sample to the speed layer and runs the retention
// housekeeping between samples.
type Processor struct {
	store     Store
	loc       *time.Location
	retention time.Duration
	interval  time.Duration
	log       logrus.FieldLogger
	now       func() time.Time

	mu            sync.Mutex
	lastHousekeep time.Time
}

// NewProcessor returns a Processor writing to store.
func NewProcessor(store Store, cfg config.SpeedConfig, loc *time.Location, log logrus.FieldLogger) *Processor {
	return &Processor{
		store:     store,
		loc:       loc,
		retention: cfg.RetentionWindow,
		interval:  cfg.HousekeepingInterval,
		log:       log,
		now:       time.Now,
	}
}

// Process stores one sample and updates its hourly rollup. It returns
// false when either write failed; a realtime row written before a failed
// rollup is kept.
func (p *Processor) Process(ctx context.Context, s *protocol.Sample) bool {
	start := p.now()
	defer func() { metrics.ProcessLatency.Observe(time.Since(start).Seconds()) }()

	local := s.Timestamp.In(p.loc)
	isPeak := classify.IsPeakHour(local.Hour())

	rec := &database.RealtimeRecord{
		Timestamp:    s.Timestamp,
		Location:     s.Location,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		AQIValue:     s.AQIValue,
		AQICategory:  classify.AQICategory(s.AQIValue),
		TrafficLevel: s.TrafficLevel,
		IsPeakHour:   isPeak,
		IsActive:     true,
	}

	log := p.log.WithFields(logrus.Fields{
		"location":  s.Location,
		"timestamp": local.Format(time.RFC3339),
	})

	if err := p.store.InsertRealtime(ctx, rec); err != nil {
		log.WithError(err).Error("failed to insert realtime record")
		return false
	}

	rollup, err := p.store.UpsertHourlyRollup(ctx, database.RollupContribution{
		Date:         local.Format(database.DateLayout),
		Hour:         local.Hour(),
		Location:     s.Location,
		TrafficLevel: s.TrafficLevel,
		AQIValue:     s.AQIValue,
		IsPeakHour:   isPeak,
	})
	if err != nil {
		log.WithError(err).WithField("realtime_id", rec.ID).Error("realtime row stored but rollup update failed")
		return false
	}

	log.WithFields(logrus.Fields{
		"aqi_category":  rec.AQICategory,
		"traffic_level": rec.TrafficLevel,
		"peak":          isPeak,
		"hour_records":  rollup.TotalRecords,
	}).Debug("processed sample")

	p.housekeep(ctx)
	return true
}

// housekeep flags rows older than the retention window as inactive, at
// most once per interval. Failures are only logged.
func (p *Processor) housekeep(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	if !p.lastHousekeep.IsZero() && now.Sub(p.lastHousekeep) < p.interval {
		p.mu.Unlock()
		return
	}
	p.lastHousekeep = now
	p.mu.Unlock()

	n, err := p.store.DeactivateRealtimeBefore(ctx, now.Add(-p.retention))
	if err != nil {
		p.log.WithError(err).Warn("failed to deactivate expired realtime rows")
		return
	}
	if n > 0 {
		metrics.RecordsDeactivated.Add(float64(n))
		p.log.WithField("rows", n).Debug("deactivated expired realtime rows")
	}
}
