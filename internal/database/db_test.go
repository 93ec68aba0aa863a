package database

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return Wrap(sqlDB), mock
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var ts = time.Date(2025, 6, 1, 7, 15, 0, 0, time.FixedZone("WIB", 7*3600))

func TestInsertRealtime(t *testing.T) {
	db, mock := newMockDB(t)
	aqi := 87

	mock.ExpectQuery("INSERT INTO realtime_data").
		WithArgs(ts, "Krukut", -6.1593, 106.8180, 87, "Moderate", 4, true, true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	rec := &RealtimeRecord{
		Timestamp:    ts,
		Location:     "Krukut",
		Latitude:     -6.1593,
		Longitude:    106.8180,
		AQIValue:     &aqi,
		AQICategory:  "Moderate",
		TrafficLevel: 4,
		IsPeakHour:   true,
		IsActive:     true,
	}
	require.NoError(t, db.InsertRealtime(context.Background(), rec))
	assert.Equal(t, int64(42), rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertHourlyRollup(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO peak_hours_analysis AS p").
		WithArgs("2025-06-01", 7, "Krukut", 3.0, nil, true).
		WillReturnRows(sqlmock.NewRows([]string{
			"avg_traffic_level", "avg_aqi_value", "is_peak_hour", "total_records", "aqi_records", "updated_at",
		}).AddRow(2.5, 60.0, true, 4, 3, now))

	r, err := db.UpsertHourlyRollup(context.Background(), RollupContribution{
		Date:         "2025-06-01",
		Hour:         7,
		Location:     "Krukut",
		TrafficLevel: 3,
		IsPeakHour:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2.5, r.AvgTrafficLevel)
	require.NotNil(t, r.AvgAQIValue)
	assert.Equal(t, 60.0, *r.AvgAQIValue)
	assert.Equal(t, 4, r.TotalRecords)
	assert.Equal(t, 3, r.AQIRecords)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertHourlyRollup_Error(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("INSERT INTO peak_hours_analysis").WillReturnError(errors.New("deadlock detected"))

	_, err := db.UpsertHourlyRollup(context.Background(), RollupContribution{Date: "2025-06-01", Hour: 7, Location: "Krukut", TrafficLevel: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Krukut")
}

func TestDeactivateRealtimeBefore(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("UPDATE realtime_data SET is_active = FALSE").
		WithArgs(ts).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := db.DeactivateRealtimeBefore(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestActiveRealtimeSince(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{
		"id", "timestamp", "location", "latitude", "longitude", "aqi_value",
		"aqi_category", "traffic_level", "is_peak_hour", "is_active",
	}).
		AddRow(2, ts, "Cinere", -6.3498, 106.7782, nil, "Unknown", 2, true, true).
		AddRow(1, ts.Add(-time.Minute), "Gunung", -6.2373, 106.7861, 120, "Unhealthy for Sensitive Groups", 3, true, true)

	mock.ExpectQuery("FROM realtime_data").WithArgs(ts.Add(-time.Hour), 100).WillReturnRows(rows)

	got, err := db.ActiveRealtimeSince(context.Background(), ts.Add(-time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Nil(t, got[0].AQIValue)
	require.NotNil(t, got[1].AQIValue)
	assert.Equal(t, 120, *got[1].AQIValue)
}

func TestInsertRaw_Batch(t *testing.T) {
	db, mock := newMockDB(t)
	received := ts.Add(time.Second)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO raw_data")
	prep.ExpectExec().WithArgs(ts, "Krukut", 0.0, 0.0, nil, "Unknown", 1, true, received).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(ts, "Gunung", 0.0, 0.0, 40, "Good", 2, true, received).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	aqi := 40
	err := db.InsertRaw(context.Background(), []RawRecord{
		{Timestamp: ts, Location: "Krukut", AQICategory: "Unknown", TrafficLevel: 1, IsPeakHour: true, ReceivedAt: received},
		{Timestamp: ts, Location: "Gunung", AQIValue: &aqi, AQICategory: "Good", TrafficLevel: 2, IsPeakHour: true, ReceivedAt: received},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRaw_RollsBackOnFailure(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO raw_data").ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := db.InsertRaw(context.Background(), []RawRecord{{Timestamp: ts, Location: "Krukut", TrafficLevel: 1}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRaw_EmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	require.NoError(t, db.InsertRaw(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestCoordinates(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT DISTINCT ON \\(location\\)").
		WillReturnRows(sqlmock.NewRows([]string{"location", "latitude", "longitude"}).
			AddRow("Cinere", -6.3498, 106.7782).
			AddRow("Krukut", -6.1593, 106.8180))

	coords, err := db.LatestCoordinates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Coordinates{Latitude: -6.3498, Longitude: 106.7782}, coords["Cinere"])
	assert.Len(t, coords, 2)
}

func TestAggregateWindow_DailyUsesNullHour(t *testing.T) {
	db, mock := newMockDB(t)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, ts.Location())
	end := start.AddDate(0, 0, 1)

	mock.ExpectExec("INSERT INTO batch_aggregations").
		WithArgs("2025-06-01", nil, start, end).
		WillReturnResult(sqlmock.NewResult(0, 10))

	n, err := db.AggregateWindow(context.Background(), AggregationWindow{Date: "2025-06-01", Start: start, End: end})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestAggregateWindow_Hourly(t *testing.T) {
	db, mock := newMockDB(t)
	hour := 7
	start := time.Date(2025, 6, 1, 7, 0, 0, 0, ts.Location())

	mock.ExpectExec("ON CONFLICT \\(date, \\(COALESCE\\(hour, -1\\)\\), location\\)").
		WithArgs("2025-06-01", 7, start, start.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := db.AggregateWindow(context.Background(), AggregationWindow{
		Date: "2025-06-01", Hour: &hour, Start: start, End: start.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestHourlyBatchForDate(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM batch_aggregations").
		WithArgs("2025-06-01").
		WillReturnRows(sqlmock.NewRows([]string{
			"date", "hour", "location", "avg_aqi_value", "max_aqi_value", "min_aqi_value",
			"avg_traffic_level", "max_traffic_level", "min_traffic_level", "data_points_count", "updated_at",
		}).
			AddRow("2025-06-01", 7, "Krukut", 80.5, 95, 60, 3.2, 5, 1, 240, ts).
			AddRow("2025-06-01", 8, "Krukut", nil, nil, nil, 2.0, 2, 2, 12, ts))

	got, err := db.HourlyBatchForDate(context.Background(), "2025-06-01")
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NotNil(t, got[0].Hour)
	assert.Equal(t, 7, *got[0].Hour)
	assert.Equal(t, 95, *got[0].MaxAQIValue)
	assert.Nil(t, got[1].AvgAQIValue)
}

func TestLatestPeakHours_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM peak_hours").WillReturnError(sql.ErrNoRows)

	_, err := db.LatestPeakHours(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertPeakHours(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO peak_hours").
		WithArgs("2025-06-01", 8, 132.5, "Kemayoran", 17, 4.5, "Cinere").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := db.UpsertPeakHours(context.Background(), &PeakHoursSummary{
		AnalysisDate:        "2025-06-01",
		PeakAQIHour:         8,
		PeakAQIValue:        132.5,
		PeakAQILocation:     "Kemayoran",
		PeakTrafficHour:     17,
		PeakTrafficValue:    4.5,
		PeakTrafficLocation: "Cinere",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_InOrder(t *testing.T) {
	db, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(true)

	fsys := fstest.MapFS{
		"m/002_second.sql": {Data: []byte("CREATE TABLE b (id int)")},
		"m/001_first.sql":  {Data: []byte("CREATE TABLE a (id int)")},
		"m/README.md":      {Data: []byte("ignored")},
	}

	mock.ExpectExec("CREATE TABLE a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.runMigrations(context.Background(), fsys, "m", quietLogger()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 3)
}
