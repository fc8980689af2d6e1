package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident"
)

// Submitter accepts reports. *incident.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, r *alert.Report) (*incident.SubmitResult, error)
}

// Consumer submits every report read from the intake topic. Messages are
// committed once handled, including ones that fail to decode or validate, so
// a poison message never blocks the partition.
type Consumer struct {
	reader  MessageReader
	submit  Submitter
	logger  log.Logger
	backoff time.Duration
}

// NewConsumer creates a Consumer that submits reports read from r to s.
func NewConsumer(r MessageReader, s Submitter, logger log.Logger) *Consumer {
	if r == nil {
		panic(xerrors.New("kafka reader is required"))
	}
	if s == nil {
		panic(xerrors.New("report submitter is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Consumer{reader: r, submit: s, logger: logger, backoff: time.Second}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn(ctx, "kafka reader close failed", "err", err)
		}
	}()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn(ctx, "kafka fetch failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		c.handle(ctx, m)

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn(ctx, "kafka commit failed", "err", err, "partition", m.Partition, "offset", m.Offset)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafkago.Message) {
	L := c.logger.With("partition", m.Partition, "offset", m.Offset)

	var r alert.Report
	if err := json.Unmarshal(m.Value, &r); err != nil {
		L.Warn(ctx, "skipping undecodable report", "err", err)
		return
	}
	res, err := c.submit.Submit(ctx, &r)
	var verr *alert.ValidationError
	switch {
	case errors.As(err, &verr):
		L.Warn(ctx, "skipping invalid report", "field", verr.Field, "reason", verr.Reason)
	case err != nil:
		L.Error(ctx, err, "report submission failed")
	default:
		L.Info(ctx, "report submitted", "alert_id", res.ID, "merged", res.Merged)
	}
}
