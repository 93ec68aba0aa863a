package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
)

// SampleMessage is the wire format of one observation on the Kafka topic.
// Numbers are decoded as float64 so producers that emit 42.0 instead of
// 42 are still accepted; unknown fields are ignored.
type SampleMessage struct {
	Timestamp    string   `json:"timestamp"`
	Location     string   `json:"location"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	AQIValue     *float64 `json:"aqi_value"`
	TrafficLevel float64  `json:"traffic_level"`
}

// Sample is the typed, normalized observation used inside the pipeline.
type Sample struct {
	Timestamp    time.Time
	Location     string
	Latitude     float64
	Longitude    float64
	AQIValue     *int
	TrafficLevel int

	// ClockFallback is set when the message timestamp was missing or
	// unparseable and Timestamp holds the ingestion clock instead.
	ClockFallback bool
}

var ErrMissingLocation = errors.New("sample has no location")

// naiveLayouts are accepted for producers that emit ISO-8601 without an
// offset; such timestamps are read in the pipeline zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC3339 (with or without fractional seconds) and
// naive ISO-8601 local timestamps interpreted in loc.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// Normalize turns a wire message into a Sample. A bad timestamp falls back
// to now; a negative or above-scale AQI is treated as absent; the traffic level is
// rounded and clamped into 1..5. Only a missing location is an error.
func (m *SampleMessage) Normalize(now time.Time, loc *time.Location) (*Sample, error) {
	location := strings.TrimSpace(m.Location)
	if location == "" {
		return nil, ErrMissingLocation
	}

	sample := &Sample{
		Location:     location,
		Latitude:     m.Latitude,
		Longitude:    m.Longitude,
		TrafficLevel: classify.RoundTrafficLevel(m.TrafficLevel),
	}

	ts, err := ParseTimestamp(m.Timestamp, loc)
	if err != nil {
		sample.Timestamp = now
		sample.ClockFallback = true
	} else {
		sample.Timestamp = ts
	}

	if m.AQIValue != nil {
		sample.AQIValue = classify.AQIReading(*m.AQIValue)
	}

	return sample, nil
}

// EncodeSample encodes a Sample to JSON with the timestamp in loc.
func EncodeSample(s *Sample, loc *time.Location) ([]byte, error) {
	msg := SampleMessage{
		Timestamp:    s.Timestamp.In(loc).Format(time.RFC3339Nano),
		Location:     s.Location,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		TrafficLevel: float64(s.TrafficLevel),
	}
	if s.AQIValue != nil {
		aqi := float64(*s.AQIValue)
		msg.AQIValue = &aqi
	}
	return json.Marshal(&msg)
}

// DecodeSample decodes JSON into a normalized Sample.
func DecodeSample(data []byte, now time.Time, loc *time.Location) (*Sample, error) {
	var msg SampleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid sample JSON: %w", err)
	}
	return msg.Normalize(now, loc)
}
