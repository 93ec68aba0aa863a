// Package aggregation holds the batch layer jobs. Each job recomputes its
// output from the historical table, so re-running it is always safe.
package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
)

// Store is the part of the datastore the batch layer uses.
type Store interface {
	AggregateWindow(ctx context.Context, w database.AggregationWindow) (int64, error)
	HourlyBatchForDate(ctx context.Context, date string) ([]database.BatchAggregate, error)
	UpsertPeakHours(ctx context.Context, s *database.PeakHoursSummary) error
}

// HourlyAggregator performs hourly aggregation
type HourlyAggregator struct {
	store Store
	loc   *time.Location
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewHourlyAggregator creates a new hourly aggregator
func NewHourlyAggregator(store Store, loc *time.Location, log logrus.FieldLogger) *HourlyAggregator {
	return &HourlyAggregator{store: store, loc: loc, log: log, now: time.Now}
}

// Aggregate recomputes the hour containing target and returns the number
// of locations written.
func (h *HourlyAggregator) Aggregate(ctx context.Context, target time.Time) (int64, error) {
	start := classify.HourStart(target, h.loc)
	hour := start.Hour()

	w := database.AggregationWindow{
		Date:  start.Format(database.DateLayout),
		Hour:  &hour,
		Start: start,
		End:   start.Add(time.Hour),
	}

	n, err := h.store.AggregateWindow(ctx, w)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate hour %s %02d:00: %w", w.Date, hour, err)
	}

	h.log.WithFields(logrus.Fields{
		"date":      w.Date,
		"hour":      hour,
		"locations": n,
	}).Info("hourly aggregation completed")
	return n, nil
}

// AggregatePreviousHour aggregates the previous full hour
func (h *HourlyAggregator) AggregatePreviousHour(ctx context.Context) error {
	previous := classify.HourStart(h.now(), h.loc).Add(-time.Hour)
	_, err := h.Aggregate(ctx, previous)
	return err
}

// CatchUp recomputes every full hour from the start of the previous day
// through the previous hour, filling in hours missed while the batch layer
// was down. A failed hour does not stop the rest.
func (h *HourlyAggregator) CatchUp(ctx context.Context) error {
	now := h.now()
	first := classify.DayStart(now, h.loc).AddDate(0, 0, -1)
	last := classify.HourStart(now, h.loc).Add(-time.Hour)

	var result *multierror.Error
	hours := 0
	for hour := first; !hour.After(last); hour = hour.Add(time.Hour) {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		if _, err := h.Aggregate(ctx, hour); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		hours++
	}

	h.log.WithFields(logrus.Fields{
		"from":  first.Format(time.RFC3339),
		"hours": hours,
	}).Info("hourly catch-up completed")
	return result.ErrorOrNil()
}
