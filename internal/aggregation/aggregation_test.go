package aggregation

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/database/memory"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func intp(v int) *int { return &v }

func seedRaw(t *testing.T, store *memory.Store, records ...database.RawRecord) {
	t.Helper()
	require.NoError(t, store.InsertRaw(context.Background(), records))
}

func at(day, hour, minute int) time.Time {
	return time.Date(2025, 6, day, hour, minute, 0, 0, classify.Jakarta)
}

func TestHourlyAggregator_PreviousHourIsIdempotent(t *testing.T) {
	store := memory.New()
	seedRaw(t, store,
		database.RawRecord{Timestamp: at(1, 7, 0), Location: "Krukut", AQIValue: intp(40), TrafficLevel: 2},
		database.RawRecord{Timestamp: at(1, 7, 59), Location: "Krukut", AQIValue: intp(60), TrafficLevel: 4},
		database.RawRecord{Timestamp: at(1, 8, 0), Location: "Krukut", AQIValue: intp(500), TrafficLevel: 5},
		database.RawRecord{Timestamp: at(1, 7, 30), Location: "Cinere", TrafficLevel: 1},
	)

	agg := NewHourlyAggregator(store, classify.Jakarta, quietLogger())
	agg.now = func() time.Time { return at(1, 8, 5) }

	require.NoError(t, agg.AggregatePreviousHour(context.Background()))
	first, err := store.HourlyBatchForDate(context.Background(), "2025-06-01")
	require.NoError(t, err)

	require.NoError(t, agg.AggregatePreviousHour(context.Background()))
	second, err := store.HourlyBatchForDate(context.Background(), "2025-06-01")
	require.NoError(t, err)

	require.Len(t, second, 2)
	for i := range first {
		first[i].UpdatedAt, second[i].UpdatedAt = time.Time{}, time.Time{}
	}
	assert.Equal(t, first, second)

	cinere, krukut := second[0], second[1]
	assert.Equal(t, 7, *krukut.Hour)
	assert.Equal(t, 2, krukut.DataPointsCount)
	assert.InDelta(t, 50.0, *krukut.AvgAQIValue, 1e-9)
	assert.InDelta(t, 3.0, krukut.AvgTrafficLevel, 1e-9)
	assert.Nil(t, cinere.AvgAQIValue)
}

func TestHourlyAggregator_MidnightRollsBackADay(t *testing.T) {
	store := memory.New()
	seedRaw(t, store, database.RawRecord{Timestamp: at(1, 23, 10), Location: "Gunung", TrafficLevel: 3})

	agg := NewHourlyAggregator(store, classify.Jakarta, quietLogger())
	agg.now = func() time.Time { return at(2, 0, 5) }
	require.NoError(t, agg.AggregatePreviousHour(context.Background()))

	rows, err := store.HourlyBatchForDate(context.Background(), "2025-06-01")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 23, *rows[0].Hour)
}

func TestHourlyAggregator_CatchUpFillsMissedHours(t *testing.T) {
	store := memory.New()
	seedRaw(t, store,
		database.RawRecord{Timestamp: at(0, 23, 30), Location: "Krukut", TrafficLevel: 2},
		database.RawRecord{Timestamp: at(1, 3, 10), Location: "Krukut", AQIValue: intp(30), TrafficLevel: 1},
		database.RawRecord{Timestamp: at(1, 15, 45), Location: "Cinere", AQIValue: intp(70), TrafficLevel: 4},
		database.RawRecord{Timestamp: at(2, 9, 59), Location: "Senen", AQIValue: intp(90), TrafficLevel: 5},
		database.RawRecord{Timestamp: at(2, 10, 1), Location: "Senen", AQIValue: intp(10), TrafficLevel: 1},
	)

	agg := NewHourlyAggregator(store, classify.Jakarta, quietLogger())
	agg.now = func() time.Time { return at(2, 10, 2) }

	require.NoError(t, agg.CatchUp(context.Background()))

	previousDay, err := store.HourlyBatchForDate(context.Background(), "2025-06-01")
	require.NoError(t, err)
	require.Len(t, previousDay, 2)
	hours := map[string]int{}
	for _, row := range previousDay {
		hours[row.Location] = *row.Hour
	}
	assert.Equal(t, map[string]int{"Krukut": 3, "Cinere": 15}, hours)

	today, err := store.HourlyBatchForDate(context.Background(), "2025-06-02")
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, 9, *today[0].Hour)
	assert.Equal(t, 90.0, *today[0].AvgAQIValue)

	before, err := store.HourlyBatchForDate(context.Background(), "2025-05-31")
	require.NoError(t, err)
	assert.Empty(t, before)
}

func TestHourlyAggregator_CatchUpCollectsFailures(t *testing.T) {
	agg := NewHourlyAggregator(&brokenStore{}, classify.Jakarta, quietLogger())
	agg.now = func() time.Time { return at(2, 1, 0) }

	err := agg.CatchUp(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "25 errors occurred")
}

func TestDailyAggregator_PreviousDay(t *testing.T) {
	store := memory.New()
	seedRaw(t, store,
		database.RawRecord{Timestamp: at(1, 0, 0), Location: "Krukut", AQIValue: intp(10), TrafficLevel: 1},
		database.RawRecord{Timestamp: at(1, 23, 59), Location: "Krukut", AQIValue: intp(30), TrafficLevel: 5},
		database.RawRecord{Timestamp: at(2, 0, 0), Location: "Krukut", AQIValue: intp(999), TrafficLevel: 5},
	)

	agg := NewDailyAggregator(store, classify.Jakarta, quietLogger())
	agg.now = func() time.Time { return at(2, 2, 0) }
	require.NoError(t, agg.AggregatePreviousDay(context.Background()))

	row, ok := store.DailyBatch("2025-06-01", "Krukut")
	require.True(t, ok)
	assert.Nil(t, row.Hour)
	assert.Equal(t, 2, row.DataPointsCount)
	assert.Equal(t, 30, *row.MaxAQIValue)
	assert.Equal(t, 10, *row.MinAQIValue)
}

type brokenStore struct{ memory.Store }

func (b *brokenStore) AggregateWindow(ctx context.Context, w database.AggregationWindow) (int64, error) {
	return 0, errors.New("relation does not exist")
}

func TestAggregators_ReturnWrappedErrors(t *testing.T) {
	store := &brokenStore{}

	err := NewHourlyAggregator(store, classify.Jakarta, quietLogger()).AggregatePreviousHour(context.Background())
	assert.ErrorContains(t, err, "relation does not exist")

	err = NewDailyAggregator(store, classify.Jakarta, quietLogger()).AggregatePreviousDay(context.Background())
	assert.ErrorContains(t, err, "failed to aggregate day")
}

func hourRow(hour int, location string, aqi *float64, traffic float64) database.BatchAggregate {
	return database.BatchAggregate{Date: "2025-06-01", Hour: intp(hour), Location: location, AvgAQIValue: aqi, AvgTrafficLevel: traffic}
}

func f(v float64) *float64 { return &v }

func TestDetectPeakHours_IndependentPeaks(t *testing.T) {
	rows := []database.BatchAggregate{
		hourRow(7, "Krukut", f(100), 4),
		hourRow(7, "Cinere", f(80), 5),
		hourRow(8, "Krukut", f(150), 2),
		hourRow(8, "Cinere", f(130), 2),
		hourRow(17, "Krukut", f(60), 5),
		hourRow(17, "Cinere", f(60), 4),
	}

	s, ok := DetectPeakHours("2025-06-01", rows)
	require.True(t, ok)

	assert.Equal(t, 8, s.PeakAQIHour)
	assert.InDelta(t, 140.0, s.PeakAQIValue, 1e-9)
	assert.Equal(t, "Krukut", s.PeakAQILocation)

	assert.Equal(t, 7, s.PeakTrafficHour)
	assert.InDelta(t, 4.5, s.PeakTrafficValue, 1e-9)
	assert.Equal(t, "Cinere", s.PeakTrafficLocation)
}

func TestDetectPeakHours_TiesPreferEarliestHourAndSmallestLocation(t *testing.T) {
	rows := []database.BatchAggregate{
		hourRow(18, "Krukut", f(90), 3),
		hourRow(9, "Kemayoran", f(90), 3),
		hourRow(9, "Cinere", f(90), 3),
	}

	s, ok := DetectPeakHours("2025-06-01", rows)
	require.True(t, ok)
	assert.Equal(t, 9, s.PeakAQIHour)
	assert.Equal(t, "Cinere", s.PeakAQILocation)
	assert.Equal(t, 9, s.PeakTrafficHour)
	assert.Equal(t, "Cinere", s.PeakTrafficLocation)
}

func TestDetectPeakHours_NoAQIAndNoRows(t *testing.T) {
	_, ok := DetectPeakHours("2025-06-01", nil)
	assert.False(t, ok)

	s, ok := DetectPeakHours("2025-06-01", []database.BatchAggregate{hourRow(3, "Gunung", nil, 2)})
	require.True(t, ok)
	assert.Equal(t, NoAQIHour, s.PeakAQIHour)
	assert.Equal(t, "", s.PeakAQILocation)
	assert.Equal(t, 3, s.PeakTrafficHour)
}

func TestPeakAnalyzer_StoresSummaryAfterBatch(t *testing.T) {
	store := memory.New()
	seedRaw(t, store,
		database.RawRecord{Timestamp: at(1, 8, 10), Location: "Kemayoran", AQIValue: intp(170), TrafficLevel: 5},
		database.RawRecord{Timestamp: at(1, 12, 10), Location: "Kemayoran", AQIValue: intp(40), TrafficLevel: 1},
	)

	hourly := NewHourlyAggregator(store, classify.Jakarta, quietLogger())
	for h := 0; h < 24; h++ {
		_, err := hourly.Aggregate(context.Background(), at(1, h, 0))
		require.NoError(t, err)
	}

	analyzer := NewPeakAnalyzer(store, classify.Jakarta, quietLogger())
	analyzer.now = func() time.Time { return at(2, 3, 0) }
	require.NoError(t, analyzer.AnalyzePreviousDay(context.Background()))

	got, err := store.LatestPeakHours(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01", got.AnalysisDate)
	assert.Equal(t, 8, got.PeakAQIHour)
	assert.Equal(t, "Kemayoran", got.PeakTrafficLocation)
}

func TestPeakAnalyzer_EmptyDayWritesNothing(t *testing.T) {
	store := memory.New()
	analyzer := NewPeakAnalyzer(store, classify.Jakarta, quietLogger())

	s, err := analyzer.Analyze(context.Background(), "2025-06-01")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = store.LatestPeakHours(context.Background())
	assert.ErrorIs(t, err, database.ErrNotFound)
}
