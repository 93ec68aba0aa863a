// Package memory is an in-process implementation of the pipeline store.
// Data is lost on restart; it backs tests and single-process dev runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Aftaza/polution-traffic-lambda/internal/database"
)

type rollupKey struct {
	date     string
	hour     int
	location string
}

type batchKey struct {
	date     string
	hour     int // -1 for daily rows
	location string
}

// Store holds every table in memory behind one mutex, so each method is
// linearizable like the single-statement SQL it mirrors.
type Store struct {
	mu sync.RWMutex

	realtime []database.RealtimeRecord
	raw      []database.RawRecord
	rollups  map[rollupKey]*database.HourlyRollup
	batch    map[batchKey]*database.BatchAggregate
	peaks    map[string]database.PeakHoursSummary
	nextID   int64

	now func() time.Time
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		realtime: make([]database.RealtimeRecord, 0, 1024),
		raw:      make([]database.RawRecord, 0, 1024),
		rollups:  make(map[rollupKey]*database.HourlyRollup),
		batch:    make(map[batchKey]*database.BatchAggregate),
		peaks:    make(map[string]database.PeakHoursSummary),
		now:      time.Now,
	}
}

func (s *Store) InsertRealtime(ctx context.Context, rec *database.RealtimeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	s.realtime = append(s.realtime, *rec)
	return nil
}

func (s *Store) UpsertHourlyRollup(ctx context.Context, c database.RollupContribution) (*database.HourlyRollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rollupKey{c.Date, c.Hour, c.Location}
	r, ok := s.rollups[key]
	if !ok {
		r = &database.HourlyRollup{Date: c.Date, Hour: c.Hour, Location: c.Location}
		s.rollups[key] = r
	}

	n := float64(r.TotalRecords)
	r.AvgTrafficLevel = (r.AvgTrafficLevel*n + float64(c.TrafficLevel)) / (n + 1)
	r.TotalRecords++

	if c.AQIValue != nil {
		m := float64(r.AQIRecords)
		prev := 0.0
		if r.AvgAQIValue != nil {
			prev = *r.AvgAQIValue
		}
		avg := (prev*m + float64(*c.AQIValue)) / (m + 1)
		r.AvgAQIValue = &avg
		r.AQIRecords++
	}

	r.IsPeakHour = c.IsPeakHour
	r.UpdatedAt = s.now()

	out := *r
	return &out, nil
}

func (s *Store) DeactivateRealtimeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := range s.realtime {
		if s.realtime[i].IsActive && s.realtime[i].Timestamp.Before(cutoff) {
			s.realtime[i].IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *Store) ActiveRealtimeSince(ctx context.Context, since time.Time, limit int) ([]database.RealtimeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []database.RealtimeRecord
	for _, r := range s.realtime {
		if r.IsActive && !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecentAggregates(ctx context.Context, since time.Time) ([]database.RecentAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		agg      database.RecentAggregate
		aqiSum   float64
		aqiCount int
		trafSum  float64
	}
	byLoc := make(map[string]*acc)

	for _, r := range s.realtime {
		if !r.IsActive || r.Timestamp.Before(since) {
			continue
		}
		a, ok := byLoc[r.Location]
		if !ok {
			a = &acc{agg: database.RecentAggregate{Location: r.Location}}
			byLoc[r.Location] = a
		}
		a.agg.Samples++
		a.trafSum += float64(r.TrafficLevel)
		if r.TrafficLevel > a.agg.MaxTrafficLevel {
			a.agg.MaxTrafficLevel = r.TrafficLevel
		}
		if r.Timestamp.After(a.agg.LastSeen) {
			a.agg.LastSeen = r.Timestamp
		}
		if r.AQIValue != nil {
			a.aqiSum += float64(*r.AQIValue)
			a.aqiCount++
			if a.agg.MaxAQIValue == nil || *r.AQIValue > *a.agg.MaxAQIValue {
				v := *r.AQIValue
				a.agg.MaxAQIValue = &v
			}
		}
	}

	out := make([]database.RecentAggregate, 0, len(byLoc))
	for _, a := range byLoc {
		a.agg.AvgTrafficLevel = a.trafSum / float64(a.agg.Samples)
		if a.aqiCount > 0 {
			avg := a.aqiSum / float64(a.aqiCount)
			a.agg.AvgAQIValue = &avg
		}
		out = append(out, a.agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

func (s *Store) RollupsForDate(ctx context.Context, date string) ([]database.HourlyRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []database.HourlyRollup
	for k, r := range s.rollups {
		if k.date == date {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Location < out[j].Location
	})
	return out, nil
}

func (s *Store) InsertRaw(ctx context.Context, records []database.RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		s.nextID++
		r.ID = s.nextID
		s.raw = append(s.raw, r)
	}
	return nil
}

func (s *Store) LatestRaw(ctx context.Context, limit int) ([]database.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]database.RawRecord, len(s.raw))
	copy(out, s.raw)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LatestCoordinates(ctx context.Context) (map[string]database.Coordinates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]database.RawRecord)
	for _, r := range s.raw {
		if prev, ok := latest[r.Location]; !ok || r.Timestamp.After(prev.Timestamp) {
			latest[r.Location] = r
		}
	}

	coords := make(map[string]database.Coordinates, len(latest))
	for loc, r := range latest {
		coords[loc] = database.Coordinates{Latitude: r.Latitude, Longitude: r.Longitude}
	}
	return coords, nil
}

// AggregateWindow recomputes the window from raw records and overwrites
// any existing rows for the same key.
func (s *Store) AggregateWindow(ctx context.Context, w database.AggregationWindow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type acc struct {
		row      database.BatchAggregate
		aqiSum   float64
		aqiCount int
		trafSum  float64
	}
	byLoc := make(map[string]*acc)

	for _, r := range s.raw {
		if r.Timestamp.Before(w.Start) || !r.Timestamp.Before(w.End) {
			continue
		}
		a, ok := byLoc[r.Location]
		if !ok {
			a = &acc{row: database.BatchAggregate{
				Date:            w.Date,
				Hour:            copyInt(w.Hour),
				Location:        r.Location,
				MaxTrafficLevel: r.TrafficLevel,
				MinTrafficLevel: r.TrafficLevel,
			}}
			byLoc[r.Location] = a
		}

		a.row.DataPointsCount++
		a.trafSum += float64(r.TrafficLevel)
		a.row.MaxTrafficLevel = max(a.row.MaxTrafficLevel, r.TrafficLevel)
		a.row.MinTrafficLevel = min(a.row.MinTrafficLevel, r.TrafficLevel)

		if r.AQIValue != nil {
			v := *r.AQIValue
			a.aqiSum += float64(v)
			a.aqiCount++
			if a.row.MaxAQIValue == nil || v > *a.row.MaxAQIValue {
				a.row.MaxAQIValue = copyInt(&v)
			}
			if a.row.MinAQIValue == nil || v < *a.row.MinAQIValue {
				a.row.MinAQIValue = copyInt(&v)
			}
		}
	}

	hour := -1
	if w.Hour != nil {
		hour = *w.Hour
	}
	now := s.now()
	for loc, a := range byLoc {
		a.row.AvgTrafficLevel = a.trafSum / float64(a.row.DataPointsCount)
		if a.aqiCount > 0 {
			avg := a.aqiSum / float64(a.aqiCount)
			a.row.AvgAQIValue = &avg
		}
		a.row.UpdatedAt = now
		row := a.row
		s.batch[batchKey{w.Date, hour, loc}] = &row
	}

	return int64(len(byLoc)), nil
}

func (s *Store) HourlyBatchSince(ctx context.Context, sinceDate string) ([]database.BatchAggregate, error) {
	rows := s.hourlyBatch(func(date string) bool { return date >= sinceDate })
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date > rows[j].Date
		}
		if *rows[i].Hour != *rows[j].Hour {
			return *rows[i].Hour > *rows[j].Hour
		}
		return rows[i].Location < rows[j].Location
	})
	return rows, nil
}

func (s *Store) HourlyBatchForDate(ctx context.Context, date string) ([]database.BatchAggregate, error) {
	rows := s.hourlyBatch(func(d string) bool { return d == date })
	sort.Slice(rows, func(i, j int) bool {
		if *rows[i].Hour != *rows[j].Hour {
			return *rows[i].Hour < *rows[j].Hour
		}
		return rows[i].Location < rows[j].Location
	})
	return rows, nil
}

func (s *Store) hourlyBatch(match func(date string) bool) []database.BatchAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []database.BatchAggregate
	for k, b := range s.batch {
		if k.hour >= 0 && match(k.date) {
			out = append(out, *b)
		}
	}
	return out
}

// DailyBatch returns the daily (hour-less) row for a location, if any.
func (s *Store) DailyBatch(date, location string) (database.BatchAggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batch[batchKey{date, -1, location}]
	if !ok {
		return database.BatchAggregate{}, false
	}
	return *b, true
}

func (s *Store) UpsertPeakHours(ctx context.Context, p *database.PeakHoursSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *p
	row.CreatedAt = s.now()
	s.peaks[p.AnalysisDate] = row
	return nil
}

func (s *Store) LatestPeakHours(ctx context.Context) (*database.PeakHoursSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *database.PeakHoursSummary
	for date := range s.peaks {
		if latest == nil || date > latest.AnalysisDate {
			p := s.peaks[date]
			latest = &p
		}
	}
	if latest == nil {
		return nil, database.ErrNotFound
	}
	return latest, nil
}

// Realtime returns a snapshot of realtime_data in insertion order.
func (s *Store) Realtime() []database.RealtimeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]database.RealtimeRecord, len(s.realtime))
	copy(out, s.realtime)
	return out
}

// Rollup returns the running average for one key, if present.
func (s *Store) Rollup(date string, hour int, location string) (database.HourlyRollup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rollups[rollupKey{date, hour, location}]
	if !ok {
		return database.HourlyRollup{}, false
	}
	return *r, true
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
