// Package kafka publishes signal and simulated-trade events to a Kafka
// topic for downstream consumers. Messages are keyed by instrument token,
// so one instrument's events stay ordered within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
)

// ProducerConfig configures the producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	Kinds        []model.EventKind // default: signal and trade
	RequiredAcks int
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

// ProducerOption mutates the config.
type ProducerOption func(*ProducerConfig)

// WithBrokers sets the broker list.
func WithBrokers(brokers ...string) ProducerOption {
	return func(c *ProducerConfig) { c.Brokers = brokers }
}

// WithTopic sets the destination topic.
func WithTopic(topic string) ProducerOption {
	return func(c *ProducerConfig) { c.Topic = topic }
}

// WithKinds selects which event kinds are forwarded.
func WithKinds(kinds ...model.EventKind) ProducerOption {
	return func(c *ProducerConfig) { c.Kinds = kinds }
}

// WithCompression sets gzip, snappy, lz4 or zstd.
func WithCompression(s string) ProducerOption {
	return func(c *ProducerConfig) { c.Compression = s }
}

// WithAsync makes writes fire-and-forget.
func WithAsync(async bool) ProducerOption {
	return func(c *ProducerConfig) { c.Async = async }
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements model.EventSink over a kafka-go writer.
type Producer struct {
	writer messageWriter
	topic  string
	kinds  map[model.EventKind]bool
	m      *metrics.Metrics
}

// NewProducer creates a producer. Brokers and topic are required.
func NewProducer(m *metrics.Metrics, opts ...ProducerOption) (*Producer, error) {
	cfg := &ProducerConfig{
		Kinds:        []model.EventKind{model.EventSignal, model.EventTrade},
		RequiredAcks: -1,
		Compression:  "snappy",
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Async:        cfg.Async,
	}
	return newProducer(w, cfg, m), nil
}

func newProducer(w messageWriter, cfg *ProducerConfig, m *metrics.Metrics) *Producer {
	if m == nil {
		m = metrics.Discard()
	}
	kinds := make(map[model.EventKind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[k] = true
	}
	return &Producer{writer: w, topic: cfg.Topic, kinds: kinds, m: m}
}

// Message builds the Kafka message for ev.
func Message(ev model.Event) kafka.Message {
	headers := []kafka.Header{{Key: "kind", Value: []byte(ev.Kind)}}
	if ev.Trade != nil {
		headers = append(headers, kafka.Header{Key: "replay_id", Value: []byte(ev.Trade.ReplayID.String())})
	}
	return kafka.Message{
		Key:     []byte(strconv.FormatUint(uint64(ev.Token), 10)),
		Value:   ev.JSON(),
		Headers: headers,
		Time:    ev.Time,
	}
}

// Publish implements model.EventSink. Kinds not selected are ignored.
func (p *Producer) Publish(ctx context.Context, ev model.Event) error {
	if !p.kinds[ev.Kind] {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, Message(ev)); err != nil {
		p.m.KafkaWriteErrors.Inc()
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}
