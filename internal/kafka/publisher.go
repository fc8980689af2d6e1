package kafka

import (
	"context"
	"encoding/json"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// maxBatch caps how many queued events go into one write.
const maxBatch = 100

// Feed is a change-feed subscription. *aggregate.Subscription satisfies it.
type Feed interface {
	C() <-chan alert.Event
}

// Publisher writes change-feed events to the event topic, keyed by alert id.
type Publisher struct {
	writer MessageWriter
	logger log.Logger
}

// NewPublisher creates a Publisher that writes change-feed events to w.
func NewPublisher(w MessageWriter, logger log.Logger) *Publisher {
	if w == nil {
		panic(xerrors.New("kafka writer is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{writer: w, logger: logger}
}

// Run publishes until ctx is cancelled or the feed closes, then closes the
// writer, flushing anything it buffered.
func (p *Publisher) Run(ctx context.Context, feed Feed) error {
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn(ctx, "kafka writer close failed", "err", err)
		}
	}()
	ch := feed.C()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			batch := p.collect(ctx, ev, ch)
			if len(batch) == 0 {
				continue
			}
			if err := p.writer.WriteMessages(ctx, batch...); err != nil && ctx.Err() == nil {
				p.logger.Error(ctx, err, "kafka publish failed", "events", len(batch))
			}
		}
	}
}

// collect encodes ev plus whatever is already queued, up to maxBatch.
func (p *Publisher) collect(ctx context.Context, ev alert.Event, ch <-chan alert.Event) []kafkago.Message {
	batch := make([]kafkago.Message, 0, 1)
	add := func(ev alert.Event) {
		m, err := Encode(ev)
		if err != nil {
			p.logger.Error(ctx, err, "event encode failed", "alert_id", ev.AlertID, "kind", ev.Kind)
			return
		}
		batch = append(batch, m)
	}
	add(ev)
	for len(batch) < maxBatch {
		select {
		case next, ok := <-ch:
			if !ok {
				return batch
			}
			add(next)
		default:
			return batch
		}
	}
	return batch
}

// Encode renders an event as a Kafka message keyed by alert id, with the
// event kind in a header.
func Encode(ev alert.Event) (kafkago.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:     []byte(ev.AlertID),
		Value:   b,
		Time:    ev.At,
		Headers: []kafkago.Header{{Key: "kind", Value: []byte(ev.Kind)}},
	}, nil
}
