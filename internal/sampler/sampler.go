// Package sampler polls the traffic and air-quality providers for every
// configured location and publishes one sample per location per tick.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/protocol"
)

// Publisher puts an encoded sample on the event channel, keyed by location.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers ...kafka.Header) error
}

// Sampler polls the traffic and air-quality providers for every location
// on a fixed interval and publishes one sample per location.
type Sampler struct {
	locations []Location
	traffic   TrafficProvider
	air       AirQualityProvider
	pub       Publisher
	interval  time.Duration
	timeout   time.Duration
	loc       *time.Location
	log       logrus.FieldLogger
	now       func() time.Time
}

// New returns a Sampler; timeout bounds each provider call.
func New(locations []Location, traffic TrafficProvider, air AirQualityProvider, pub Publisher,
	interval, timeout time.Duration, loc *time.Location, log logrus.FieldLogger) *Sampler {
	return &Sampler{
		locations: locations,
		traffic:   traffic,
		air:       air,
		pub:       pub,
		interval:  interval,
		timeout:   timeout,
		loc:       loc,
		log:       log,
		now:       time.Now,
	}
}

// Run ticks immediately and then every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick samples every location concurrently with one shared timestamp and
// returns how many samples were published. A failing location is logged
// and does not affect the others.
func (s *Sampler) Tick(ctx context.Context) int {
	tickID := uuid.NewString()
	ts := s.now().In(s.loc)
	log := s.log.WithField("tick_id", tickID)

	var published atomic.Int32
	var wg sync.WaitGroup
	for _, location := range s.locations {
		wg.Add(1)
		go func(location Location) {
			defer wg.Done()
			if err := s.sample(ctx, tickID, ts, location); err != nil {
				metrics.SamplesPublished.WithLabelValues("failed").Inc()
				log.WithField("location", location.Name).WithError(err).Warn("sampling failed")
				return
			}
			metrics.SamplesPublished.WithLabelValues("ok").Inc()
			published.Add(1)
		}(location)
	}
	wg.Wait()

	log.WithFields(logrus.Fields{
		"published": published.Load(),
		"locations": len(s.locations),
	}).Info("sampling tick completed")
	return int(published.Load())
}

func (s *Sampler) sample(ctx context.Context, tickID string, ts time.Time, location Location) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	level, err := s.traffic.TrafficLevel(ctx, location.Latitude, location.Longitude)
	if err != nil {
		return fmt.Errorf("traffic: %w", err)
	}

	aqi, err := s.air.AQI(ctx, location.StationID)
	if err != nil {
		s.log.WithField("location", location.Name).WithError(err).Warn("air quality unavailable, publishing without AQI")
		aqi = nil
	}

	payload, err := protocol.EncodeSample(&protocol.Sample{
		Timestamp:    ts,
		Location:     location.Name,
		Latitude:     location.Latitude,
		Longitude:    location.Longitude,
		AQIValue:     aqi,
		TrafficLevel: level,
	}, s.loc)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if err := s.pub.Publish(ctx, location.Name, payload, kafka.Header{Key: "tick_id", Value: []byte(tickID)}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
