package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/metrics"
	"github.com/real-rm/chatdesk/internal/util"
)

// ErrQueueFull is returned by Publish when the producer cannot take another
// event without blocking. The event is dropped.
var ErrQueueFull = errors.New("event queue full")

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	Username string
	Password string
}

// NewSaramaConfig builds a producer configuration that waits for all
// in-sync replicas and reports both outcomes, which the sink drains.
func NewSaramaConfig(cfg KafkaConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}
	config.ChannelBufferSize = constants.EventQueueSize

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = constants.MaxRetryAttempts
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	if cfg.Username != "" && cfg.Password != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		config.Net.SASL.User = cfg.Username
		config.Net.SASL.Password = cfg.Password
		config.Net.SASL.Handshake = true
	}
	return config
}

// KafkaSink publishes events as JSON to one topic, keyed by session.
// Publish only hands the event to the producer's input buffer; broker
// acknowledgements are consumed in the background.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	logger   zerolog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewKafkaSink connects an asynchronous producer to the brokers.
func NewKafkaSink(cfg KafkaConfig, logger zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaSinkWithProducer wraps an existing producer and starts draining
// its result channels.
func NewKafkaSinkWithProducer(producer sarama.AsyncProducer, topic string, logger zerolog.Logger) *KafkaSink {
	if topic == "" {
		topic = constants.DefaultHandoffTopic
	}
	k := &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "events").Logger(),
	}

	k.wg.Add(2)
	util.SafeGo(k.logger, "events", func() {
		defer k.wg.Done()
		for msg := range producer.Successes() {
			metrics.EventsPublished.WithLabelValues("ok").Inc()
			k.logger.Debug().
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Event published")
		}
	})
	util.SafeGo(k.logger, "events", func() {
		defer k.wg.Done()
		for perr := range producer.Errors() {
			metrics.EventsPublished.WithLabelValues("error").Inc()
			evt := k.logger.Warn().Err(perr.Err)
			if perr.Msg != nil {
				evt = evt.Str("topic", perr.Msg.Topic)
			}
			evt.Msg("Failed to publish event")
		}
	})
	return k
}

// Publish queues the event without waiting for the broker. ErrQueueFull
// means the producer is backed up and the event was dropped.
func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(e.Key()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
		},
	}

	select {
	case k.producer.Input() <- msg:
		k.logger.Debug().Str("event_type", e.Type).Str("ticket_id", e.TicketID).Msg("Event queued")
		return nil
	default:
		metrics.EventsPublished.WithLabelValues("dropped").Inc()
		return fmt.Errorf("%w: %s", ErrQueueFull, e.Type)
	}
}

// Close flushes buffered events and waits for their outcomes.
func (k *KafkaSink) Close() error {
	k.closeOnce.Do(func() {
		k.producer.AsyncClose()
		k.wg.Wait()
	})
	return nil
}
