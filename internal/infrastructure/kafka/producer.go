package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

// unhealthyErrorCount is the number of consecutive send errors after which
// the producer reports itself unhealthy
const unhealthyErrorCount = 100

// EventProducer publishes routed adapter events to Kafka.
// Messages are keyed by account key so one account's events keep their order.
type EventProducer struct {
	producer sarama.AsyncProducer
	topic    string
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	// reset by every successful send
	consecutiveErrors atomic.Int64
	totalErrors       atomic.Int64
}

// ProducerConfig holds configuration for the event producer
type ProducerConfig struct {
	Brokers         []string
	Topic           string
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	MaxMessageBytes int // default 1MB
	MaxRetries      int // default 5
}

// NewEventProducer creates an idempotent async producer
func NewEventProducer(cfg ProducerConfig) (*EventProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers specified")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1000000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Compression = sarama.CompressionSnappy

	// idempotence requires acks from all replicas and one in-flight request
	config.Producer.Idempotent = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Net.MaxOpenRequests = 1
	config.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	config.Producer.Retry.Max = cfg.MaxRetries

	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.ClientID = "connector-service-events"
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	p := newEventProducer(producer, cfg.Topic, cfg.Metrics, cfg.Logger)

	cfg.Logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Int("max_message_bytes", cfg.MaxMessageBytes).
		Int("max_retries", cfg.MaxRetries).
		Msg("Kafka event producer initialized successfully")

	return p, nil
}

func newEventProducer(producer sarama.AsyncProducer, topic string, m *metrics.Metrics, logger zerolog.Logger) *EventProducer {
	if m == nil {
		m = metrics.GetDefaultMetrics()
	}

	p := &EventProducer{
		producer: producer,
		topic:    topic,
		metrics:  m,
		logger:   logger.With().Str("component", "event-producer").Logger(),
	}

	p.wg.Add(2)
	go p.handleSuccesses()
	go p.handleErrors()

	return p
}

// Handle queues one event for publishing. Delivery failures are reported
// asynchronously through logs and metrics.
func (p *EventProducer) Handle(ctx context.Context, accountKey string, ev entities.Event) error {
	if accountKey == "" {
		return fmt.Errorf("account_key is required")
	}
	if p.closed.Load() {
		return fmt.Errorf("event producer is closed")
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled before sending: %w", ctx.Err())
	default:
	}

	value, err := json.Marshal(NewEventMessage(accountKey, ev))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(accountKey),
		Value:     sarama.ByteEncoder(value),
		Timestamp: ev.OccurredAt,
		Metadata:  time.Now(),
	}

	select {
	case p.producer.Input() <- msg:
		p.logger.Debug().
			Str("account_key", accountKey).
			Str("kind", string(ev.Kind)).
			Msg("Event queued for sending to Kafka")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while sending event: %w", ctx.Err())
	}
}

func (p *EventProducer) handleSuccesses() {
	defer p.wg.Done()

	for msg := range p.producer.Successes() {
		p.consecutiveErrors.Store(0)
		if queuedAt, ok := msg.Metadata.(time.Time); ok {
			p.metrics.RecordKafkaMessage(time.Since(queuedAt).Seconds())
		}

		p.logger.Debug().
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Event sent to Kafka successfully")
	}
}

func (p *EventProducer) handleErrors() {
	defer p.wg.Done()

	for producerErr := range p.producer.Errors() {
		p.consecutiveErrors.Add(1)
		p.totalErrors.Add(1)
		p.metrics.RecordKafkaError(errorType(producerErr.Err))

		p.logger.Error().
			Err(producerErr.Err).
			Str("topic", producerErr.Msg.Topic).
			Interface("key", producerErr.Msg.Key).
			Msg("Failed to send event to Kafka")
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, sarama.ErrMessageSizeTooLarge):
		return "message_too_large"
	case errors.Is(err, sarama.ErrOutOfBrokers), errors.Is(err, sarama.ErrNotConnected):
		return "unavailable"
	case errors.Is(err, sarama.ErrShuttingDown):
		return "shutting_down"
	default:
		return "produce"
	}
}

// IsHealthy reports whether the producer is open and sends are succeeding
func (p *EventProducer) IsHealthy() bool {
	return !p.closed.Load() && p.consecutiveErrors.Load() < unhealthyErrorCount
}

// Close flushes pending events with a 10-second limit. Close is idempotent.
func (p *EventProducer) Close() error {
	return p.CloseWithTimeout(10 * time.Second)
}

// CloseWithTimeout flushes pending events and stops the handler goroutines
func (p *EventProducer) CloseWithTimeout(timeout time.Duration) error {
	p.closeOnce.Do(func() {
		p.logger.Info().Dur("timeout", timeout).Msg("Closing Kafka event producer")
		p.closed.Store(true)

		var errs []error

		// closes Successes and Errors once pending messages are flushed
		if err := p.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close failed: %w", err))
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			errs = append(errs, fmt.Errorf("close timeout after %s: handlers did not finish in time", timeout))
		}

		if n := p.totalErrors.Load(); n > 0 {
			p.logger.Warn().Int64("error_count", n).Msg("Kafka event producer had send errors")
		}

		p.closeErr = errors.Join(errs...)
		if p.closeErr != nil {
			p.logger.Error().Err(p.closeErr).Msg("Kafka event producer closed with errors")
		} else {
			p.logger.Info().Msg("Kafka event producer closed successfully")
		}
	})

	return p.closeErr
}
