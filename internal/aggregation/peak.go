package aggregation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
)

// NoAQIHour marks a summary whose day carried no AQI reading at all.
const NoAQIHour = -1

// PeakAnalyzer derives the daily peak-hour summary from the hour-level
// batch rows of one day.
type PeakAnalyzer struct {
	store Store
	loc   *time.Location
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewPeakAnalyzer(store Store, loc *time.Location, log logrus.FieldLogger) *PeakAnalyzer {
	return &PeakAnalyzer{store: store, loc: loc, log: log, now: time.Now}
}

// Analyze computes and stores the summary for date. It returns nil, nil
// when the day has no batch rows.
func (p *PeakAnalyzer) Analyze(ctx context.Context, date string) (*database.PeakHoursSummary, error) {
	rows, err := p.store.HourlyBatchForDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch rows for %s: %w", date, err)
	}

	summary, ok := DetectPeakHours(date, rows)
	if !ok {
		p.log.WithField("date", date).Warn("no batch rows for peak analysis")
		return nil, nil
	}

	if err := p.store.UpsertPeakHours(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to store peak hours for %s: %w", date, err)
	}

	p.log.WithFields(logrus.Fields{
		"date":              date,
		"peak_aqi_hour":     summary.PeakAQIHour,
		"peak_aqi_location": summary.PeakAQILocation,
		"peak_traffic_hour": summary.PeakTrafficHour,
	}).Info("peak hour analysis completed")
	return summary, nil
}

// AnalyzePreviousDay analyzes yesterday in the pipeline zone.
func (p *PeakAnalyzer) AnalyzePreviousDay(ctx context.Context) error {
	yesterday := classify.DayStart(p.now(), p.loc).AddDate(0, 0, -1)
	_, err := p.Analyze(ctx, yesterday.Format(database.DateLayout))
	return err
}

type hourStats struct {
	hour       int
	aqiSum     float64
	aqiCount   int
	trafSum    float64
	trafCount  int
	topAQI     *database.BatchAggregate
	topTraffic *database.BatchAggregate
}

// DetectPeakHours averages each hour across locations and picks the hour
// with the highest mean AQI and, independently, the highest mean traffic.
// Ties go to the earliest hour. The peak location is the row with the
// highest value at that hour, ties going to the smallest location name.
func DetectPeakHours(date string, rows []database.BatchAggregate) (*database.PeakHoursSummary, bool) {
	byHour := make(map[int]*hourStats)
	for i := range rows {
		r := &rows[i]
		if r.Hour == nil {
			continue
		}
		hs, ok := byHour[*r.Hour]
		if !ok {
			hs = &hourStats{hour: *r.Hour}
			byHour[*r.Hour] = hs
		}

		hs.trafSum += r.AvgTrafficLevel
		hs.trafCount++
		if hs.topTraffic == nil || beats(r.AvgTrafficLevel, r.Location, hs.topTraffic.AvgTrafficLevel, hs.topTraffic.Location) {
			hs.topTraffic = r
		}

		if r.AvgAQIValue != nil {
			hs.aqiSum += *r.AvgAQIValue
			hs.aqiCount++
			if hs.topAQI == nil || beats(*r.AvgAQIValue, r.Location, *hs.topAQI.AvgAQIValue, hs.topAQI.Location) {
				hs.topAQI = r
			}
		}
	}
	if len(byHour) == 0 {
		return nil, false
	}

	hours := make([]*hourStats, 0, len(byHour))
	for _, hs := range byHour {
		hours = append(hours, hs)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].hour < hours[j].hour })

	summary := &database.PeakHoursSummary{AnalysisDate: date, PeakAQIHour: NoAQIHour}

	var bestAQI, bestTraffic *hourStats
	var bestAQIMean, bestTrafficMean float64
	for _, hs := range hours {
		if mean := hs.trafSum / float64(hs.trafCount); bestTraffic == nil || mean > bestTrafficMean {
			bestTraffic, bestTrafficMean = hs, mean
		}
		if hs.aqiCount == 0 {
			continue
		}
		if mean := hs.aqiSum / float64(hs.aqiCount); bestAQI == nil || mean > bestAQIMean {
			bestAQI, bestAQIMean = hs, mean
		}
	}

	summary.PeakTrafficHour = bestTraffic.hour
	summary.PeakTrafficValue = bestTrafficMean
	summary.PeakTrafficLocation = bestTraffic.topTraffic.Location

	if bestAQI != nil {
		summary.PeakAQIHour = bestAQI.hour
		summary.PeakAQIValue = bestAQIMean
		summary.PeakAQILocation = bestAQI.topAQI.Location
	}

	return summary, true
}

func beats(value float64, location string, bestValue float64, bestLocation string) bool {
	if value != bestValue {
		return value > bestValue
	}
	return location < bestLocation
}
