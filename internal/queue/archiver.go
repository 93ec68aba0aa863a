package queue

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/classify"
	"github.com/Aftaza/polution-traffic-lambda/internal/database"
	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/protocol"
)

const shutdownFlushTimeout = 10 * time.Second

// RawWriter persists archived records.
type RawWriter interface {
	InsertRaw(ctx context.Context, records []database.RawRecord) error
}

// Archiver consumes the topic in its own group and batch-writes every
// sample into the historical table read by the batch layer.
type Archiver struct {
	source        Source
	store         RawWriter
	batchSize     int
	flushInterval time.Duration
	loc           *time.Location
	log           logrus.FieldLogger
	now           func() time.Time
}

// NewArchiver creates a new archiver
func NewArchiver(source Source, store RawWriter, batchSize int, flushInterval time.Duration, loc *time.Location, log logrus.FieldLogger) *Archiver {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Archiver{
		source:        source,
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		loc:           loc,
		log:           log,
		now:           time.Now,
	}
}

// Run consumes until ctx is done, then flushes whatever is buffered.
func (a *Archiver) Run(ctx context.Context) error {
	msgChan := make(chan kafka.Message, a.batchSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(msgChan)
		for {
			msg, err := a.source.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.log.WithError(err).Warn("consumer error")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case msgChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer wg.Wait()

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	var batch []kafka.Message
	for {
		select {
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(ctx, batch)
				batch = nil
			}

		case msg, ok := <-msgChan:
			if !ok {
				if len(batch) > 0 {
					a.flush(ctx, batch)
				}
				return nil
			}
			batch = append(batch, msg)
			if len(batch) >= a.batchSize {
				a.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

// flush writes one batch in a single transaction and commits its offsets
// only after the write succeeded. Undecodable messages are committed and
// dropped. A batch flushed after ctx is done still gets a bounded window
// to land.
func (a *Archiver) flush(ctx context.Context, batch []kafka.Message) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
		defer cancel()
	}

	received := a.now()
	records := make([]database.RawRecord, 0, len(batch))

	for _, msg := range batch {
		sample, err := protocol.DecodeSample(msg.Value, received, a.loc)
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).WithError(err).Warn("dropping undecodable message")
			metrics.MessagesConsumed.WithLabelValues("archiver", "poison").Inc()
			continue
		}
		records = append(records, ToRawRecord(sample, received, a.loc))
	}

	if err := a.store.InsertRaw(ctx, records); err != nil {
		a.log.WithError(err).WithField("records", len(records)).Error("failed to archive batch")
		metrics.ArchivedRecords.WithLabelValues("failed").Add(float64(len(records)))
		return
	}
	metrics.ArchivedRecords.WithLabelValues("ok").Add(float64(len(records)))

	if err := a.source.Commit(ctx, batch...); err != nil {
		a.log.WithError(err).Warn("failed to commit offsets")
		return
	}

	a.log.WithField("records", len(records)).Debug("flushed batch")
}

// ToRawRecord classifies a sample for the historical table.
func ToRawRecord(s *protocol.Sample, received time.Time, loc *time.Location) database.RawRecord {
	return database.RawRecord{
		Timestamp:    s.Timestamp,
		Location:     s.Location,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		AQIValue:     s.AQIValue,
		AQICategory:  classify.AQICategory(s.AQIValue),
		TrafficLevel: s.TrafficLevel,
		IsPeakHour:   classify.IsPeakTime(s.Timestamp, loc),
		ReceivedAt:   received,
	}
}
