package speedlayer

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Aftaza/polution-traffic-lambda/internal/metrics"
	"github.com/Aftaza/polution-traffic-lambda/internal/protocol"
	"github.com/Aftaza/polution-traffic-lambda/internal/queue"
)

// Deduper remembers payloads that were already processed so a Kafka
// redelivery does not count twice in the running averages.
type Deduper interface {
	Seen(ctx context.Context, location string, payload []byte) (bool, error)
	MarkSeen(ctx context.Context, location string, payload []byte) error
}

// Consumer drives a Processor from the event channel with at-least-once
// delivery: offsets are committed after each message is handled.
type Consumer struct {
	source    queue.Source
	processor *Processor
	dedupe    Deduper
	loc       *time.Location
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewConsumer creates a consumer. dedupe may be nil.
func NewConsumer(source queue.Source, processor *Processor, dedupe Deduper, loc *time.Location, log logrus.FieldLogger) *Consumer {
	return &Consumer{
		source:    source,
		processor: processor,
		dedupe:    dedupe,
		loc:       loc,
		log:       log,
		now:       time.Now,
	}
}

// Run blocks until ctx is done. A message already fetched is processed
// and committed even if ctx is cancelled meanwhile.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Warn("consumer error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.handle(context.WithoutCancel(ctx), msg)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	log := c.log.WithFields(logrus.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	defer func() {
		if err := c.source.Commit(ctx, msg); err != nil {
			log.WithError(err).Warn("failed to commit offset")
		}
	}()

	sample, err := protocol.DecodeSample(msg.Value, c.now(), c.loc)
	if err != nil {
		log.WithError(err).Warn("dropping undecodable message")
		metrics.MessagesConsumed.WithLabelValues("speed", "poison").Inc()
		return
	}
	if sample.ClockFallback {
		log.WithField("location", sample.Location).Warn("unparseable timestamp, using ingestion time")
	}

	if c.dedupe != nil {
		seen, err := c.dedupe.Seen(ctx, sample.Location, msg.Value)
		if err != nil {
			log.WithError(err).Warn("dedupe check failed, processing anyway")
		} else if seen {
			log.WithField("location", sample.Location).Debug("skipping redelivered message")
			metrics.MessagesConsumed.WithLabelValues("speed", "duplicate").Inc()
			return
		}
	}

	if !c.processor.Process(ctx, sample) {
		metrics.MessagesConsumed.WithLabelValues("speed", "failed").Inc()
		return
	}
	metrics.MessagesConsumed.WithLabelValues("speed", "processed").Inc()

	if c.dedupe != nil {
		if err := c.dedupe.MarkSeen(ctx, sample.Location, msg.Value); err != nil {
			log.WithError(err).Warn("failed to record processed message")
		}
	}
}
