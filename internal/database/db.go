package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/retry"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect opens the PostgreSQL pool and pings it under the retry policy.
func Connect(ctx context.Context, connectionString string, policy retry.Policy, log logrus.FieldLogger) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = retry.Do(ctx, policy, log, "postgres", func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Wrap adapts an already opened handle.
func Wrap(db *sql.DB) *DB {
	return &DB{db}
}

// RunMigrations executes the embedded SQL migrations in file-name order.
// Every statement is idempotent, so running them at each start-up is safe.
func (db *DB) RunMigrations(ctx context.Context, log logrus.FieldLogger) error {
	return db.runMigrations(ctx, migrationFiles, "migrations", log)
}

func (db *DB) runMigrations(ctx context.Context, fsys fs.FS, dir string, log logrus.FieldLogger) error {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		log.WithField("migration", filename).Info("running migration")

		content, err := fs.ReadFile(fsys, dir+"/"+filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	log.WithField("count", len(sqlFiles)).Info("migrations completed")
	return nil
}

// InsertRealtime stores one speed-layer record and fills in its ID.
func (db *DB) InsertRealtime(ctx context.Context, rec *RealtimeRecord) error {
	query := `
		INSERT INTO realtime_data (
			timestamp, location, latitude, longitude, aqi_value,
			aqi_category, traffic_level, is_peak_hour, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	return db.QueryRowContext(ctx, query,
		rec.Timestamp,
		rec.Location,
		rec.Latitude,
		rec.Longitude,
		rec.AQIValue,
		rec.AQICategory,
		rec.TrafficLevel,
		rec.IsPeakHour,
		rec.IsActive,
	).Scan(&rec.ID)
}

// upsertRollupQuery folds one contribution into the running averages.
// The read-modify-write happens inside a single statement, so concurrent
// writers to the same key are serialised by the row lock.
const upsertRollupQuery = `
	INSERT INTO peak_hours_analysis AS p (
		date, hour, location, avg_traffic_level, avg_aqi_value,
		is_peak_hour, total_records, aqi_records
	) VALUES ($1::date, $2, $3, $4, $5, $6, 1, CASE WHEN $5::double precision IS NULL THEN 0 ELSE 1 END)
	ON CONFLICT (date, hour, location) DO UPDATE SET
		avg_traffic_level = (p.avg_traffic_level * p.total_records + EXCLUDED.avg_traffic_level) / (p.total_records + 1),
		avg_aqi_value = CASE
			WHEN EXCLUDED.avg_aqi_value IS NULL THEN p.avg_aqi_value
			ELSE (COALESCE(p.avg_aqi_value, 0) * p.aqi_records + EXCLUDED.avg_aqi_value) / (p.aqi_records + 1)
		END,
		aqi_records = p.aqi_records + EXCLUDED.aqi_records,
		is_peak_hour = EXCLUDED.is_peak_hour,
		total_records = p.total_records + 1,
		updated_at = NOW()
	RETURNING avg_traffic_level, avg_aqi_value, is_peak_hour, total_records, aqi_records, updated_at
`

// UpsertHourlyRollup applies one contribution and returns the new state.
func (db *DB) UpsertHourlyRollup(ctx context.Context, c RollupContribution) (*HourlyRollup, error) {
	var aqi *float64
	if c.AQIValue != nil {
		v := float64(*c.AQIValue)
		aqi = &v
	}

	r := &HourlyRollup{Date: c.Date, Hour: c.Hour, Location: c.Location}
	var avgAQI sql.NullFloat64
	err := db.QueryRowContext(ctx, upsertRollupQuery,
		c.Date, c.Hour, c.Location, float64(c.TrafficLevel), aqi, c.IsPeakHour,
	).Scan(&r.AvgTrafficLevel, &avgAQI, &r.IsPeakHour, &r.TotalRecords, &r.AQIRecords, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert rollup %s/%s %02d: %w", c.Location, c.Date, c.Hour, err)
	}
	r.AvgAQIValue = floatPtr(avgAQI)
	return r, nil
}

// DeactivateRealtimeBefore flags active rows older than cutoff as inactive.
func (db *DB) DeactivateRealtimeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE realtime_data SET is_active = FALSE WHERE timestamp < $1 AND is_active`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ActiveRealtimeSince returns active rows newer than since, newest first.
func (db *DB) ActiveRealtimeSince(ctx context.Context, since time.Time, limit int) ([]RealtimeRecord, error) {
	query := `
		SELECT id, timestamp, location, latitude, longitude, aqi_value,
		       aqi_category, traffic_level, is_peak_hour, is_active
		FROM realtime_data
		WHERE is_active AND timestamp >= $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RealtimeRecord
	for rows.Next() {
		var r RealtimeRecord
		var aqi sql.NullInt64
		if err := rows.Scan(
			&r.ID,
			&r.Timestamp,
			&r.Location,
			&r.Latitude,
			&r.Longitude,
			&aqi,
			&r.AQICategory,
			&r.TrafficLevel,
			&r.IsPeakHour,
			&r.IsActive,
		); err != nil {
			return nil, err
		}
		r.AQIValue = intPtr(aqi)
		records = append(records, r)
	}

	return records, rows.Err()
}

// RecentAggregates summarises active realtime rows newer than since per location.
func (db *DB) RecentAggregates(ctx context.Context, since time.Time) ([]RecentAggregate, error) {
	query := `
		SELECT location, AVG(aqi_value), MAX(aqi_value),
		       AVG(traffic_level), MAX(traffic_level), COUNT(*), MAX(timestamp)
		FROM realtime_data
		WHERE is_active AND timestamp >= $1
		GROUP BY location
		ORDER BY location
	`

	rows, err := db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecentAggregate
	for rows.Next() {
		var a RecentAggregate
		var avgAQI sql.NullFloat64
		var maxAQI sql.NullInt64
		if err := rows.Scan(&a.Location, &avgAQI, &maxAQI,
			&a.AvgTrafficLevel, &a.MaxTrafficLevel, &a.Samples, &a.LastSeen); err != nil {
			return nil, err
		}
		a.AvgAQIValue = floatPtr(avgAQI)
		a.MaxAQIValue = intPtr(maxAQI)
		out = append(out, a)
	}

	return out, rows.Err()
}

// RollupsForDate returns the running averages of one day ordered by hour.
func (db *DB) RollupsForDate(ctx context.Context, date string) ([]HourlyRollup, error) {
	query := `
		SELECT to_char(date, 'YYYY-MM-DD'), hour, location, avg_traffic_level,
		       avg_aqi_value, is_peak_hour, total_records, aqi_records, updated_at
		FROM peak_hours_analysis
		WHERE date = $1::date
		ORDER BY hour, location
	`

	rows, err := db.QueryContext(ctx, query, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyRollup
	for rows.Next() {
		var r HourlyRollup
		var avgAQI sql.NullFloat64
		if err := rows.Scan(&r.Date, &r.Hour, &r.Location, &r.AvgTrafficLevel,
			&avgAQI, &r.IsPeakHour, &r.TotalRecords, &r.AQIRecords, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.AvgAQIValue = floatPtr(avgAQI)
		out = append(out, r)
	}

	return out, rows.Err()
}

// InsertRaw writes a batch of archived records in one transaction.
func (db *DB) InsertRaw(ctx context.Context, records []RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin raw insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_data (
			timestamp, location, latitude, longitude, aqi_value,
			aqi_category, traffic_level, is_peak_hour, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("prepare raw insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err := stmt.ExecContext(ctx,
			r.Timestamp,
			r.Location,
			r.Latitude,
			r.Longitude,
			r.AQIValue,
			r.AQICategory,
			r.TrafficLevel,
			r.IsPeakHour,
			r.ReceivedAt,
		); err != nil {
			return fmt.Errorf("insert raw record %s: %w", r.Location, err)
		}
	}

	return tx.Commit()
}

// LatestRaw returns the newest limit archived records.
func (db *DB) LatestRaw(ctx context.Context, limit int) ([]RawRecord, error) {
	query := `
		SELECT id, timestamp, location, latitude, longitude, aqi_value,
		       aqi_category, traffic_level, is_peak_hour, received_at
		FROM raw_data
		ORDER BY timestamp DESC
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var r RawRecord
		var aqi sql.NullInt64
		if err := rows.Scan(
			&r.ID,
			&r.Timestamp,
			&r.Location,
			&r.Latitude,
			&r.Longitude,
			&aqi,
			&r.AQICategory,
			&r.TrafficLevel,
			&r.IsPeakHour,
			&r.ReceivedAt,
		); err != nil {
			return nil, err
		}
		r.AQIValue = intPtr(aqi)
		out = append(out, r)
	}

	return out, rows.Err()
}

// LatestCoordinates returns the most recently archived coordinates per location.
func (db *DB) LatestCoordinates(ctx context.Context) (map[string]Coordinates, error) {
	query := `
		SELECT DISTINCT ON (location) location, latitude, longitude
		FROM raw_data
		ORDER BY location, timestamp DESC
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coords := make(map[string]Coordinates)
	for rows.Next() {
		var location string
		var c Coordinates
		if err := rows.Scan(&location, &c.Latitude, &c.Longitude); err != nil {
			return nil, err
		}
		coords[location] = c
	}

	return coords, rows.Err()
}

// aggregateWindowQuery recomputes one batch window from raw_data and
// overwrites whatever a previous run stored for the same key.
const aggregateWindowQuery = `
	INSERT INTO batch_aggregations (
		date, hour, location,
		avg_aqi_value, max_aqi_value, min_aqi_value,
		avg_traffic_level, max_traffic_level, min_traffic_level,
		data_points_count, updated_at
	)
	SELECT
		$1::date, $2::integer, location,
		AVG(aqi_value), MAX(aqi_value), MIN(aqi_value),
		AVG(traffic_level), MAX(traffic_level), MIN(traffic_level),
		COUNT(*), NOW()
	FROM raw_data
	WHERE timestamp >= $3 AND timestamp < $4
	GROUP BY location
	ON CONFLICT (date, (COALESCE(hour, -1)), location) DO UPDATE SET
		avg_aqi_value = EXCLUDED.avg_aqi_value,
		max_aqi_value = EXCLUDED.max_aqi_value,
		min_aqi_value = EXCLUDED.min_aqi_value,
		avg_traffic_level = EXCLUDED.avg_traffic_level,
		max_traffic_level = EXCLUDED.max_traffic_level,
		min_traffic_level = EXCLUDED.min_traffic_level,
		data_points_count = EXCLUDED.data_points_count,
		updated_at = NOW()
`

// AggregateWindow recomputes the batch rows of one window and returns how
// many locations were written.
func (db *DB) AggregateWindow(ctx context.Context, w AggregationWindow) (int64, error) {
	res, err := db.ExecContext(ctx, aggregateWindowQuery, w.Date, w.Hour, w.Start, w.End)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const batchColumns = `
	to_char(date, 'YYYY-MM-DD'), hour, location,
	avg_aqi_value, max_aqi_value, min_aqi_value,
	avg_traffic_level, max_traffic_level, min_traffic_level,
	data_points_count, updated_at
`

// HourlyBatchSince returns hour-level batch rows dated on or after
// sinceDate, newest first. Callers narrow the result to an exact instant.
func (db *DB) HourlyBatchSince(ctx context.Context, sinceDate string) ([]BatchAggregate, error) {
	query := `SELECT ` + batchColumns + `
		FROM batch_aggregations
		WHERE hour IS NOT NULL AND date >= $1::date
		ORDER BY date DESC, hour DESC, location
	`
	return db.queryBatch(ctx, query, sinceDate)
}

// HourlyBatchForDate returns the hour-level batch rows of one day.
func (db *DB) HourlyBatchForDate(ctx context.Context, date string) ([]BatchAggregate, error) {
	query := `SELECT ` + batchColumns + `
		FROM batch_aggregations
		WHERE hour IS NOT NULL AND date = $1::date
		ORDER BY hour, location
	`
	return db.queryBatch(ctx, query, date)
}

func (db *DB) queryBatch(ctx context.Context, query string, args ...any) ([]BatchAggregate, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchAggregate
	for rows.Next() {
		var b BatchAggregate
		var hour, maxAQI, minAQI sql.NullInt64
		var avgAQI sql.NullFloat64
		if err := rows.Scan(
			&b.Date,
			&hour,
			&b.Location,
			&avgAQI,
			&maxAQI,
			&minAQI,
			&b.AvgTrafficLevel,
			&b.MaxTrafficLevel,
			&b.MinTrafficLevel,
			&b.DataPointsCount,
			&b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		b.Hour = intPtr(hour)
		b.AvgAQIValue = floatPtr(avgAQI)
		b.MaxAQIValue = intPtr(maxAQI)
		b.MinAQIValue = intPtr(minAQI)
		out = append(out, b)
	}

	return out, rows.Err()
}

// UpsertPeakHours stores the summary for its analysis date, replacing any
// earlier result for that date.
func (db *DB) UpsertPeakHours(ctx context.Context, s *PeakHoursSummary) error {
	query := `
		INSERT INTO peak_hours (
			analysis_date, peak_aqi_hour, peak_aqi_value, peak_aqi_location,
			peak_traffic_hour, peak_traffic_value, peak_traffic_location
		) VALUES ($1::date, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (analysis_date) DO UPDATE SET
			peak_aqi_hour = EXCLUDED.peak_aqi_hour,
			peak_aqi_value = EXCLUDED.peak_aqi_value,
			peak_aqi_location = EXCLUDED.peak_aqi_location,
			peak_traffic_hour = EXCLUDED.peak_traffic_hour,
			peak_traffic_value = EXCLUDED.peak_traffic_value,
			peak_traffic_location = EXCLUDED.peak_traffic_location,
			created_at = NOW()
	`

	_, err := db.ExecContext(ctx, query,
		s.AnalysisDate,
		s.PeakAQIHour,
		s.PeakAQIValue,
		s.PeakAQILocation,
		s.PeakTrafficHour,
		s.PeakTrafficValue,
		s.PeakTrafficLocation,
	)
	return err
}

// LatestPeakHours returns the most recent summary or ErrNotFound.
func (db *DB) LatestPeakHours(ctx context.Context) (*PeakHoursSummary, error) {
	query := `
		SELECT to_char(analysis_date, 'YYYY-MM-DD'), peak_aqi_hour, peak_aqi_value,
		       peak_aqi_location, peak_traffic_hour, peak_traffic_value,
		       peak_traffic_location, created_at
		FROM peak_hours
		ORDER BY analysis_date DESC
		LIMIT 1
	`

	var s PeakHoursSummary
	err := db.QueryRowContext(ctx, query).Scan(
		&s.AnalysisDate,
		&s.PeakAQIHour,
		&s.PeakAQIValue,
		&s.PeakAQILocation,
		&s.PeakTrafficHour,
		&s.PeakTrafficValue,
		&s.PeakTrafficLocation,
		&s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
