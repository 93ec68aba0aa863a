package memory

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aftaza/polution-traffic-lambda/internal/database"
)

func intp(v int) *int { return &v }

func TestUpsertHourlyRollup_ConcurrentMeanIsExact(t *testing.T) {
	s := New()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	const n = 500
	contribs := make([]database.RollupContribution, n)
	var trafSum, aqiSum float64
	var aqiCount int
	for i := range contribs {
		c := database.RollupContribution{
			Date:         "2025-06-01",
			Hour:         8,
			Location:     "Kemayoran",
			TrafficLevel: rng.Intn(5) + 1,
		}
		if rng.Intn(4) != 0 {
			c.AQIValue = intp(rng.Intn(300))
			aqiSum += float64(*c.AQIValue)
			aqiCount++
		}
		trafSum += float64(c.TrafficLevel)
		contribs[i] = c
	}

	var wg sync.WaitGroup
	for _, c := range contribs {
		wg.Add(1)
		go func(c database.RollupContribution) {
			defer wg.Done()
			_, err := s.UpsertHourlyRollup(ctx, c)
			assert.NoError(t, err)
		}(c)
	}
	wg.Wait()

	r, ok := s.Rollup("2025-06-01", 8, "Kemayoran")
	require.True(t, ok)
	assert.Equal(t, n, r.TotalRecords)
	assert.Equal(t, aqiCount, r.AQIRecords)
	assert.InDelta(t, trafSum/n, r.AvgTrafficLevel, 1e-9)
	require.NotNil(t, r.AvgAQIValue)
	assert.InDelta(t, aqiSum/float64(aqiCount), *r.AvgAQIValue, 1e-9)
}

func TestUpsertHourlyRollup_AQIStaysNilWithoutValues(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, lvl := range []int{1, 3} {
		_, err := s.UpsertHourlyRollup(ctx, database.RollupContribution{Date: "2025-06-01", Hour: 2, Location: "Cinere", TrafficLevel: lvl})
		require.NoError(t, err)
	}

	r, _ := s.Rollup("2025-06-01", 2, "Cinere")
	assert.Nil(t, r.AvgAQIValue)
	assert.Equal(t, 2.0, r.AvgTrafficLevel)
}

func TestAggregateWindow_IdempotentRerun(t *testing.T) {
	s := New()
	ctx := context.Background()
	loc := time.FixedZone("WIB", 7*3600)
	start := time.Date(2025, 6, 1, 7, 0, 0, 0, loc)

	require.NoError(t, s.InsertRaw(ctx, []database.RawRecord{
		{Timestamp: start.Add(1 * time.Minute), Location: "Krukut", AQIValue: intp(50), TrafficLevel: 2},
		{Timestamp: start.Add(20 * time.Minute), Location: "Krukut", AQIValue: intp(100), TrafficLevel: 4},
		{Timestamp: start.Add(30 * time.Minute), Location: "Krukut", TrafficLevel: 3},
		{Timestamp: start.Add(time.Hour), Location: "Krukut", AQIValue: intp(300), TrafficLevel: 5},
	}))

	w := database.AggregationWindow{Date: "2025-06-01", Hour: intp(7), Start: start, End: start.Add(time.Hour)}

	n, err := s.AggregateWindow(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	first, err := s.HourlyBatchForDate(ctx, "2025-06-01")
	require.NoError(t, err)

	_, err = s.AggregateWindow(ctx, w)
	require.NoError(t, err)
	second, err := s.HourlyBatchForDate(ctx, "2025-06-01")
	require.NoError(t, err)

	require.Len(t, second, 1)
	first[0].UpdatedAt, second[0].UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)

	row := second[0]
	assert.Equal(t, 3, row.DataPointsCount)
	assert.InDelta(t, 75.0, *row.AvgAQIValue, 1e-9)
	assert.Equal(t, 100, *row.MaxAQIValue)
	assert.Equal(t, 50, *row.MinAQIValue)
	assert.InDelta(t, 3.0, row.AvgTrafficLevel, 1e-9)
	assert.Equal(t, 4, row.MaxTrafficLevel)
	assert.Equal(t, 2, row.MinTrafficLevel)
}

func TestAggregateWindow_DailyRowsSeparateFromHourly(t *testing.T) {
	s := New()
	ctx := context.Background()
	loc := time.FixedZone("WIB", 7*3600)
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, loc)

	require.NoError(t, s.InsertRaw(ctx, []database.RawRecord{
		{Timestamp: day.Add(3 * time.Hour), Location: "Gunung", TrafficLevel: 1},
		{Timestamp: day.Add(15 * time.Hour), Location: "Gunung", TrafficLevel: 5},
	}))

	_, err := s.AggregateWindow(ctx, database.AggregationWindow{Date: "2025-06-01", Start: day, End: day.AddDate(0, 0, 1)})
	require.NoError(t, err)

	daily, ok := s.DailyBatch("2025-06-01", "Gunung")
	require.True(t, ok)
	assert.Nil(t, daily.Hour)
	assert.Equal(t, 2, daily.DataPointsCount)
	assert.Nil(t, daily.AvgAQIValue)

	hourly, err := s.HourlyBatchForDate(ctx, "2025-06-01")
	require.NoError(t, err)
	assert.Empty(t, hourly)
}

func TestDeactivateAndActiveRealtime(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, age := range []time.Duration{90 * time.Minute, 30 * time.Minute, time.Minute} {
		require.NoError(t, s.InsertRealtime(ctx, &database.RealtimeRecord{
			Timestamp: now.Add(-age), Location: "Krukut", TrafficLevel: 1, IsActive: true,
		}))
	}

	n, err := s.DeactivateRealtimeBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.ActiveRealtimeSince(ctx, now.Add(-2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Timestamp.After(rows[1].Timestamp))
}

func TestLatestCoordinatesAndPeaks(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertRaw(ctx, []database.RawRecord{
		{Timestamp: now.Add(-time.Hour), Location: "Cinere", Latitude: 1, Longitude: 1},
		{Timestamp: now, Location: "Cinere", Latitude: -6.3498, Longitude: 106.7782},
	}))

	coords, err := s.LatestCoordinates(ctx)
	require.NoError(t, err)
	assert.Equal(t, database.Coordinates{Latitude: -6.3498, Longitude: 106.7782}, coords["Cinere"])

	_, err = s.LatestPeakHours(ctx)
	assert.ErrorIs(t, err, database.ErrNotFound)

	require.NoError(t, s.UpsertPeakHours(ctx, &database.PeakHoursSummary{AnalysisDate: "2025-05-31", PeakAQIHour: 7}))
	require.NoError(t, s.UpsertPeakHours(ctx, &database.PeakHoursSummary{AnalysisDate: "2025-06-01", PeakAQIHour: 8}))

	p, err := s.LatestPeakHours(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01", p.AnalysisDate)
	assert.Equal(t, 8, p.PeakAQIHour)
}
