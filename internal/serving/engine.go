// Package serving merges the speed and batch layers into the single view
// consumed by dashboards.
package serving

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/pkg/config"
)

// Layers a row can come from.
const (
	LayerSpeed      = "speed"
	LayerBatch      = "batch"
	LayerHistorical = "historical"
)

// View.Source labels and View.LastUpdate sentinels.
const (
	SourceSpeedLayer = "speed layer"
	SourceBatchLayer = "batch layer"
	LastUpdateNoData = "no data"
	LastUpdateError  = "error"
)

// View.Origin values: which branch of the merge produced the rows.
const (
	OriginSpeed      = "speed"
	OriginMerged     = "merged"
	OriginHistorical = "historical"
	OriginEmpty      = "empty"
	OriginError      = "error"
)

// Source is the read side of the datastore.
type Source interface {
	ActiveRealtimeSince(ctx context.Context, since time.Time, limit int) ([]database.RealtimeRecord, error)
	HourlyBatchSince(ctx context.Context, sinceDate string) ([]database.BatchAggregate, error)
	LatestCoordinates(ctx context.Context) (map[string]database.Coordinates, error)
	LatestRaw(ctx context.Context, limit int) ([]database.RawRecord, error)
	LatestPeakHours(ctx context.Context) (*database.PeakHoursSummary, error)
	RecentAggregates(ctx context.Context, since time.Time) ([]database.RecentAggregate, error)
	RollupsForDate(ctx context.Context, date string) ([]database.HourlyRollup, error)
}

// Row is one entry of the combined view.
type Row struct {
	Timestamp    time.Time `json:"timestamp"`
	Location     string    `json:"location"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	AQIValue     *int      `json:"aqi_value"`
	AQICategory  string    `json:"aqi_category"`
	TrafficLevel int       `json:"traffic_level"`
	IsPeakHour   bool      `json:"is_peak_hour"`
	Layer        string    `json:"layer"`
}

// View is the combined result. LastUpdate is the newest row timestamp in
// RFC3339, or one of the sentinels when there are no rows.
type View struct {
	Rows       []Row  `json:"rows"`
	LastUpdate string `json:"last_update"`
	Source     string `json:"source"`
	Origin     string `json:"origin"`
}

// Engine answers every read of the serving layer from a Source.
type Engine struct {
	src Source
	cfg config.ServingConfig
	loc *time.Location
	log logrus.FieldLogger
	now func() time.Time
}

// NewEngine returns an Engine reading src in the pipeline zone loc.
func NewEngine(src Source, cfg config.ServingConfig, loc *time.Location, log logrus.FieldLogger) *Engine {
	return &Engine{src: src, cfg: cfg, loc: loc, log: log, now: time.Now}
}

// CombinedView returns fresh speed rows when there are enough of them;
// otherwise it merges them with the trailing batch window, and when both
// are empty it falls back to the newest historical rows. It never fails:
// errors degrade to the next branch and end in the "error" sentinel.
func (e *Engine) CombinedView(ctx context.Context) View {
	now := e.now()

	// A quorum above the page size must still be reachable.
	fetch := max(e.cfg.FreshnessQuorum, e.cfg.PageSize)
	speedRecords, speedErr := e.src.ActiveRealtimeSince(ctx, now.Add(-e.cfg.RealtimeThreshold), fetch)
	if speedErr != nil {
		e.log.WithError(speedErr).Warn("speed layer unavailable, falling back to batch layer")
	}
	speed := speedRows(speedRecords, e.loc)

	if speedErr == nil && len(speed) >= e.cfg.FreshnessQuorum {
		return e.finish(now, capRows(speed, e.cfg.PageSize), OriginSpeed)
	}

	batch, batchErr := e.batchRows(ctx, now)
	if batchErr != nil {
		e.log.WithError(batchErr).Warn("batch layer unavailable")
	}

	rows := Merge(speed, batch, e.cfg.PageSize)
	if len(rows) > 0 {
		return e.finish(now, rows, OriginMerged)
	}

	raw, rawErr := e.src.LatestRaw(ctx, e.cfg.PageSize)
	if rawErr != nil {
		e.log.WithError(rawErr).Warn("historical table unavailable")
	}
	if len(raw) > 0 {
		return e.finish(now, historicalRows(raw, e.loc), OriginHistorical)
	}

	if speedErr != nil && batchErr != nil && rawErr != nil {
		metrics.ViewOrigin.WithLabelValues(OriginError).Inc()
		return View{Rows: []Row{}, LastUpdate: LastUpdateError, Origin: OriginError}
	}

	metrics.ViewOrigin.WithLabelValues(OriginEmpty).Inc()
	return View{Rows: []Row{}, LastUpdate: LastUpdateNoData, Origin: OriginEmpty}
}

func (e *Engine) finish(now time.Time, rows []Row, origin string) View {
	metrics.ViewOrigin.WithLabelValues(origin).Inc()

	newest := rows[0].Timestamp
	for _, r := range rows[1:] {
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}

	source := SourceBatchLayer
	if now.Sub(newest) < e.cfg.StaleAfter {
		source = SourceSpeedLayer
	}

	return View{
		Rows:       rows,
		LastUpdate: newest.In(e.loc).Format(time.RFC3339),
		Source:     source,
		Origin:     origin,
	}
}

// batchRows loads hour-level batch rows of the trailing window, stamped
// at date+hour in the pipeline zone and placed at each location's most
// recently archived coordinates.
func (e *Engine) batchRows(ctx context.Context, now time.Time) ([]Row, error) {
	since := now.Add(-e.cfg.BatchWindow)
	sinceDate := classify.DayStart(since, e.loc).Format(database.DateLayout)

	aggregates, err := e.src.HourlyBatchSince(ctx, sinceDate)
	if err != nil {
		return nil, err
	}
	if len(aggregates) == 0 {
		return nil, nil
	}

	coords, err := e.src.LatestCoordinates(ctx)
	if err != nil {
		e.log.WithError(err).Warn("coordinates unavailable, batch rows left unplaced")
		coords = nil
	}

	rows := make([]Row, 0, len(aggregates))
	for _, a := range aggregates {
		if a.Hour == nil {
			continue
		}
		day, err := time.ParseInLocation(database.DateLayout, a.Date, e.loc)
		if err != nil {
			e.log.WithField("date", a.Date).Warn("skipping batch row with bad date")
			continue
		}
		ts := day.Add(time.Duration(*a.Hour) * time.Hour)
		if ts.Before(since) {
			continue
		}

		var aqi *int
		if a.AvgAQIValue != nil {
			v := int(math.Round(*a.AvgAQIValue))
			aqi = &v
		}
		c := coords[a.Location]

		rows = append(rows, Row{
			Timestamp:    ts,
			Location:     a.Location,
			Latitude:     c.Latitude,
			Longitude:    c.Longitude,
			AQIValue:     aqi,
			AQICategory:  classify.AQICategory(aqi),
			TrafficLevel: classify.ClampTrafficLevel(int(math.Round(a.AvgTrafficLevel))),
			IsPeakHour:   classify.IsPeakHour(*a.Hour),
			Layer:        LayerBatch,
		})
	}
	return rows, nil
}

// Merge unions speed and batch rows, keeps the speed copy when both have
// the same (location, timestamp), orders newest first and caps at limit.
func Merge(speed, batch []Row, limit int) []Row {
	type key struct {
		location string
		ts       int64
	}

	seen := make(map[key]bool, len(speed)+len(batch))
	merged := make([]Row, 0, len(speed)+len(batch))
	for _, group := range [][]Row{speed, batch} {
		for _, r := range group {
			k := key{r.Location, r.Timestamp.UnixNano()}
			if seen[k] {
				continue
			}
			seen[k] = true
			merged = append(merged, r)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.After(merged[j].Timestamp) })
	return capRows(merged, limit)
}

func capRows(rows []Row, limit int) []Row {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func speedRows(records []database.RealtimeRecord, loc *time.Location) []Row {
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, Row{
			Timestamp:    r.Timestamp.In(loc),
			Location:     r.Location,
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			AQIValue:     r.AQIValue,
			AQICategory:  r.AQICategory,
			TrafficLevel: r.TrafficLevel,
			IsPeakHour:   r.IsPeakHour,
			Layer:        LayerSpeed,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	return rows
}

// historicalRows maps archived records; a missing AQI is reported as 0.
func historicalRows(records []database.RawRecord, loc *time.Location) []Row {
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		aqi := 0
		if r.AQIValue != nil {
			aqi = *r.AQIValue
		}
		rows = append(rows, Row{
			Timestamp:    r.Timestamp.In(loc),
			Location:     r.Location,
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			AQIValue:     &aqi,
			AQICategory:  r.AQICategory,
			TrafficLevel: r.TrafficLevel,
			IsPeakHour:   r.IsPeakHour,
			Layer:        LayerHistorical,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	return rows
}

// LatestPeakHours returns the most recent daily summary; found is false
// when the batch layer has not produced one yet.
func (e *Engine) LatestPeakHours(ctx context.Context) (summary *database.PeakHoursSummary, found bool, err error) {
	summary, err = e.src.LatestPeakHours(ctx)
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return summary, true, nil
}

// RecentAggregates summarises each location's active realtime rows over
// the trailing window.
func (e *Engine) RecentAggregates(ctx context.Context, window time.Duration) ([]database.RecentAggregate, error) {
	return e.src.RecentAggregates(ctx, e.now().Add(-window))
}

// Rollups returns the speed layer's hourly running averages for date, or
// for today when date is empty.
func (e *Engine) Rollups(ctx context.Context, date string) ([]database.HourlyRollup, error) {
	if date == "" {
		date = e.now().In(e.loc).Format(database.DateLayout)
	}
	return e.src.RollupsForDate(ctx, date)
}
