// Package kafka connects the alert pipeline to Kafka topics: a Consumer
// submits reports read from an intake topic and a Publisher mirrors the
// change feed onto an event topic.
package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Config names the brokers and topics. An empty Brokers list disables Kafka.
type Config struct {
	Brokers     []string
	ReportTopic string
	EventTopic  string
	GroupID     string
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// Validate checks that an enabled config names what it needs.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	var errs []error
	if c.ReportTopic == "" && c.EventTopic == "" {
		errs = append(errs, errors.New("kafka: at least one of report topic or event topic is required"))
	}
	if c.ReportTopic != "" && c.GroupID == "" {
		errs = append(errs, errors.New("kafka: group id is required to consume reports"))
	}
	return errors.Join(errs...)
}

// SplitBrokers parses a comma separated broker list, dropping blanks.
func SplitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// MessageReader is the subset of *kafkago.Reader the Consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// MessageWriter is the subset of *kafkago.Writer the Publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewReader opens a consumer-group reader on the report topic.
func NewReader(c Config) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  c.Brokers,
		Topic:    c.ReportTopic,
		GroupID:  c.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

// NewWriter creates a writer for the event topic. Messages are hashed by key
// so every event for one alert lands on the same partition, in order.
func NewWriter(c Config) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(c.Brokers...),
		Topic:        c.EventTopic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafkago.RequireOne,
	}
}
