package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
)

// DailyAggregator performs daily aggregation
type DailyAggregator struct {
	store Store
	loc   *time.Location
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewDailyAggregator creates a new daily aggregator
func NewDailyAggregator(store Store, loc *time.Location, log logrus.FieldLogger) *DailyAggregator {
	return &DailyAggregator{store: store, loc: loc, log: log, now: time.Now}
}

// Aggregate recomputes the civil day containing target. Daily rows carry
// no hour.
func (d *DailyAggregator) Aggregate(ctx context.Context, target time.Time) (int64, error) {
	start := classify.DayStart(target, d.loc)

	w := database.AggregationWindow{
		Date:  start.Format(database.DateLayout),
		Start: start,
		End:   start.AddDate(0, 0, 1),
	}

	n, err := d.store.AggregateWindow(ctx, w)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate day %s: %w", w.Date, err)
	}

	d.log.WithFields(logrus.Fields{
		"date":      w.Date,
		"locations": n,
	}).Info("daily aggregation completed")
	return n, nil
}

// AggregatePreviousDay aggregates the previous full day
func (d *DailyAggregator) AggregatePreviousDay(ctx context.Context) error {
	yesterday := classify.DayStart(d.now(), d.loc).AddDate(0, 0, -1)
	_, err := d.Aggregate(ctx, yesterday)
	return err
}
