package database

import (
	"errors"
	"time"
)

// DateLayout is the format used for every calendar date crossing the
// store boundary. Dates are civil dates in the pipeline zone.
const DateLayout = "2006-01-02"

var ErrNotFound = errors.New("not found")

// RealtimeRecord is one speed-layer observation in realtime_data.
type RealtimeRecord struct {
	ID           int64
	Timestamp    time.Time
	Location     string
	Latitude     float64
	Longitude    float64
	AQIValue     *int
	AQICategory  string
	TrafficLevel int
	IsPeakHour   bool
	IsActive     bool
}

// RollupContribution is a single sample folded into the running averages
// of peak_hours_analysis.
type RollupContribution struct {
	Date         string
	Hour         int
	Location     string
	TrafficLevel int
	AQIValue     *int
	IsPeakHour   bool
}

// HourlyRollup is the speed layer's running average for one
// (date, hour, location). AvgAQIValue is the mean over the AQIRecords
// samples that carried an AQI; it is nil until the first one arrives.
type HourlyRollup struct {
	Date            string    `json:"date"`
	Hour            int       `json:"hour"`
	Location        string    `json:"location"`
	AvgTrafficLevel float64   `json:"avg_traffic_level"`
	AvgAQIValue     *float64  `json:"avg_aqi_value"`
	IsPeakHour      bool      `json:"is_peak_hour"`
	TotalRecords    int       `json:"total_records"`
	AQIRecords      int       `json:"aqi_records"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BatchAggregate is a recomputed summary in batch_aggregations. Hour is
// nil for daily rows.
type BatchAggregate struct {
	Date            string
	Hour            *int
	Location        string
	AvgAQIValue     *float64
	MaxAQIValue     *int
	MinAQIValue     *int
	AvgTrafficLevel float64
	MaxTrafficLevel int
	MinTrafficLevel int
	DataPointsCount int
	UpdatedAt       time.Time
}

// PeakHoursSummary is the per-day result of peak detection.
type PeakHoursSummary struct {
	AnalysisDate        string    `json:"analysis_date"`
	PeakAQIHour         int       `json:"peak_aqi_hour"`
	PeakAQIValue        float64   `json:"peak_aqi_value"`
	PeakAQILocation     string    `json:"peak_aqi_location"`
	PeakTrafficHour     int       `json:"peak_traffic_hour"`
	PeakTrafficValue    float64   `json:"peak_traffic_value"`
	PeakTrafficLocation string    `json:"peak_traffic_location"`
	CreatedAt           time.Time `json:"created_at"`
}

// RawRecord is one archived observation in raw_data.
type RawRecord struct {
	ID           int64
	Timestamp    time.Time
	Location     string
	Latitude     float64
	Longitude    float64
	AQIValue     *int
	AQICategory  string
	TrafficLevel int
	IsPeakHour   bool
	ReceivedAt   time.Time
}

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// AggregationWindow is the half-open interval [Start, End) summarised
// into the batch row keyed by (Date, Hour).
type AggregationWindow struct {
	Date  string
	Hour  *int
	Start time.Time
	End   time.Time
}

// RecentAggregate summarises a location's active realtime rows over a
// short trailing window.
type RecentAggregate struct {
	Location        string    `json:"location"`
	AvgAQIValue     *float64  `json:"avg_aqi_value"`
	MaxAQIValue     *int      `json:"max_aqi_value"`
	AvgTrafficLevel float64   `json:"avg_traffic_level"`
	MaxTrafficLevel int       `json:"max_traffic_level"`
	Samples         int       `json:"samples"`
	LastSeen        time.Time `json:"last_seen"`
}
