// ABOUTME: Kafka publisher for store change events
// ABOUTME: One JSON message per committed version, keyed by Type/id

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/store"
)

// Message headers
const (
	HeaderEventType    = "event_type"
	HeaderResourceType = "resource_type"
	HeaderVersionID    = "version_id"
)

// Recorder receives publish metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordEventPublished(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordEventPublished(string) {}

// Message is the JSON payload of a change event
type Message struct {
	Type         store.EventType   `json:"type"`
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	VersionID    string            `json:"versionId"`
	LastUpdated  string            `json:"lastUpdated"`
	Resource     resource.Resource `json:"resource,omitempty"`
}

// Publisher sends change events through a sync producer
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
	metrics  Recorder
}

// NewPublisher wraps an existing producer
func NewPublisher(producer sarama.SyncProducer, topic string, log *logger.Logger, rec Recorder) *Publisher {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		log:      logger.OrNop(log).Component("events"),
		metrics:  rec,
	}
}

// NewProducerConfig returns the producer settings used for change events
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.MaxMessageBytes = 1024 * 1024
	config.Producer.Timeout = 5 * time.Second
	return config
}

// NewKafkaPublisher connects a sync producer to brokers
func NewKafkaPublisher(brokers []string, topic string, log *logger.Logger, rec Recorder) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewPublisher(producer, topic, log, rec), nil
}

// Encode builds the producer message for an event
func (p *Publisher) Encode(ev store.ChangeEvent) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(Message{
		Type:         ev.Type,
		ResourceType: ev.Reference.Type,
		ID:           ev.Reference.ID,
		VersionID:    ev.VersionID,
		LastUpdated:  resource.FormatTime(ev.LastUpdated),
		Resource:     ev.Resource,
	})
	if err != nil {
		return nil, fmt.Errorf("encode change event: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.Reference.String()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(ev.Type)},
			{Key: []byte(HeaderResourceType), Value: []byte(ev.Reference.Type)},
			{Key: []byte(HeaderVersionID), Value: []byte(ev.VersionID)},
		},
	}, nil
}

// Publish sends one event and waits for the broker acknowledgement
func (p *Publisher) Publish(ctx context.Context, ev store.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := p.Encode(ev)
	if err != nil {
		p.metrics.RecordEventPublished("error")
		return err
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.metrics.RecordEventPublished("error")
		return fmt.Errorf("publish %s: %w", ev.Reference, err)
	}

	p.metrics.RecordEventPublished("ok")
	p.log.Debug("change event published").
		Str("reference", ev.Reference.String()).
		Str("version_id", ev.VersionID).
		Int32("partition", partition).
		Int64("offset", offset).
		Send()
	return nil
}

// Listener adapts the publisher to store.OnChange. Failures are logged;
// the write they describe has already committed.
func (p *Publisher) Listener() store.Listener {
	return func(ctx context.Context, ev store.ChangeEvent) {
		if err := p.Publish(ctx, ev); err != nil {
			p.log.Warn("change event not published").
				Str("reference", ev.Reference.String()).
				Err(err).
				Send()
		}
	}
}

// Close shuts the producer down
func (p *Publisher) Close() error {
	return p.producer.Close()
}
