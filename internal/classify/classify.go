// Package classify holds the fixed domain rules shared by every layer:
// the Jakarta civil-time zone, the commute peak-hour windows, AQI
// categories and the traffic congestion scale.
package classify

import (
	"math"
	"time"
	_ "time/tzdata"
)

// Jakarta is UTC+7 without daylight saving. It is the fallback when the
// configured zone cannot be loaded.
var Jakarta = time.FixedZone("WIB", 7*60*60)

// LoadZone resolves the configured zone name, falling back to Jakarta.
func LoadZone(name string) *time.Location {
	if name == "" {
		return Jakarta
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Jakarta
	}
	return loc
}

// Peak windows are half-open [start, end) hours of local civil time.
var (
	MorningPeak = [2]int{6, 10}
	EveningPeak = [2]int{16, 20}
)

// IsPeakHour reports whether hour falls in the morning or evening commute.
func IsPeakHour(hour int) bool {
	return (MorningPeak[0] <= hour && hour < MorningPeak[1]) ||
		(EveningPeak[0] <= hour && hour < EveningPeak[1])
}

// IsPeakTime classifies t by its hour in loc.
func IsPeakTime(t time.Time, loc *time.Location) bool {
	return IsPeakHour(t.In(loc).Hour())
}

// AQI categories.
const (
	CategoryGood               = "Good"
	CategoryModerate           = "Moderate"
	CategoryUnhealthySensitive = "Unhealthy for Sensitive Groups"
	CategoryUnhealthy          = "Unhealthy"
	CategoryVeryUnhealthy      = "Very Unhealthy"
	CategoryHazardous          = "Hazardous"
	CategoryUnknown            = "Unknown"
)

// MaxAQI is the top of the scale stations report on. Larger readings are
// sensor faults.
const MaxAQI = 999

// AQIReading rounds a raw reading to an integer AQI. NaN, negative and
// above-scale readings are absent.
func AQIReading(v float64) *int {
	if math.IsNaN(v) || v < 0 || v > MaxAQI {
		return nil
	}
	aqi := int(math.Round(v))
	return &aqi
}

// AQICategory maps an AQI reading to its category; nil is Unknown.
func AQICategory(aqi *int) string {
	if aqi == nil {
		return CategoryUnknown
	}
	v := *aqi
	switch {
	case v <= 50:
		return CategoryGood
	case v <= 100:
		return CategoryModerate
	case v <= 150:
		return CategoryUnhealthySensitive
	case v <= 200:
		return CategoryUnhealthy
	case v <= 300:
		return CategoryVeryUnhealthy
	default:
		return CategoryHazardous
	}
}

// Traffic levels run from 1 (free flow) to 5 (most congested).
const (
	MinTrafficLevel = 1
	MaxTrafficLevel = 5
)

// TrafficLevel converts a provider's free-flow and current speeds into the
// 1..5 congestion scale using the slowdown ratio.
func TrafficLevel(freeFlowSpeed, currentSpeed float64) int {
	if freeFlowSpeed <= 0 {
		return MinTrafficLevel
	}
	ratio := (freeFlowSpeed - currentSpeed) / freeFlowSpeed
	switch {
	case ratio < 0.1:
		return 1
	case ratio < 0.3:
		return 2
	case ratio < 0.5:
		return 3
	case ratio < 0.7:
		return 4
	default:
		return 5
	}
}

// ClampTrafficLevel coerces an out-of-range level into 1..5.
func ClampTrafficLevel(level int) int {
	if level < MinTrafficLevel {
		return MinTrafficLevel
	}
	if level > MaxTrafficLevel {
		return MaxTrafficLevel
	}
	return level
}

// RoundTrafficLevel rounds a raw level and clamps it into 1..5. NaN maps
// to free flow.
func RoundTrafficLevel(v float64) int {
	if math.IsNaN(v) || v < MinTrafficLevel {
		return MinTrafficLevel
	}
	if v > MaxTrafficLevel {
		return MaxTrafficLevel
	}
	return ClampTrafficLevel(int(math.Round(v)))
}

// DayStart returns local midnight of t's civil date in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// HourStart returns the start of t's civil hour in loc.
func HourStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc)
}
