// Package events publishes threshold feedback and media relocation events
// to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/hyperengineering/sentio/internal/metrics"
)

// Default topic names.
const (
	DefaultFeedbackTopic   = "sentio.threshold-feedback"
	DefaultRelocationTopic = "sentio.relocations"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	FeedbackTopic   string   `yaml:"feedback_topic"`
	RelocationTopic string   `yaml:"relocation_topic"`
	// Site is sent as a header on every message.
	Site string `yaml:"-"`
}

// Publisher writes feedback and relocation events to separate topics.
// Without brokers it runs in log-only mode.
type Publisher struct {
	writerFeedback   *kafka.Writer
	writerRelocation *kafka.Writer
	topicFeedback    string
	topicRelocation  string
	site             string
	enabled          bool
	log              *zap.Logger
	metrics          *metrics.Metrics
}

// New creates a publisher. log and m may be nil.
func New(cfg *Config, log *zap.Logger, m *metrics.Metrics) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("events")

	if cfg == nil {
		log.Info("kafka disabled (nil config), using log-only mode")
		return &Publisher{log: log, metrics: m}
	}

	p := &Publisher{
		topicFeedback:   cfg.FeedbackTopic,
		topicRelocation: cfg.RelocationTopic,
		site:            cfg.Site,
		log:             log,
		metrics:         m,
	}
	if p.topicFeedback == "" {
		p.topicFeedback = DefaultFeedbackTopic
	}
	if p.topicRelocation == "" {
		p.topicRelocation = DefaultRelocationTopic
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerFeedback = newWriter(cfg.Brokers, p.topicFeedback, transport)
	p.writerRelocation = newWriter(cfg.Brokers, p.topicRelocation, transport)
	p.enabled = true

	log.Info("kafka publisher initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("feedback_topic", p.topicFeedback),
		zap.String("relocation_topic", p.topicRelocation))
	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Enabled reports whether messages are written to Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishFeedback publishes a committed feedback event. key should be the
// modality so one modality's events stay ordered on one partition.
func (p *Publisher) PublishFeedback(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerFeedback, p.topicFeedback, key, event)
}

// PublishRelocation publishes an instruction to move validated media into
// its class folder.
func (p *Publisher) PublishRelocation(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerRelocation, p.topicRelocation, key, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error("marshal event", zap.String("topic", topic), zap.Error(err))
		return err
	}

	p.log.Debug("publishing event",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.ByteString("payload", payload))

	if !p.enabled || writer == nil {
		p.metrics.RecordPublish(topic, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(topic)},
			{Key: "site", Value: []byte(p.site)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("write to kafka", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
		p.metrics.RecordPublish(topic, err)
		return err
	}

	p.metrics.RecordPublish(topic, nil)
	return nil
}

// Close closes both writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerFeedback != nil {
		if e := p.writerFeedback.Close(); e != nil {
			p.log.Error("close feedback writer", zap.Error(e))
			err = e
		}
	}
	if p.writerRelocation != nil {
		if e := p.writerRelocation.Close(); e != nil {
			p.log.Error("close relocation writer", zap.Error(e))
			err = e
		}
	}
	return err
}
