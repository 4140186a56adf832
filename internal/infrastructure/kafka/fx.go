package kafka

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

// Module provides the Kafka event sink for fx DI
var Module = fx.Module("kafka",
	fx.Provide(
		NewEventProducerFx,
		func(p *EventProducer) deps.EventSink { return p },
	),
)

// NewEventProducerFx creates the Kafka event producer and flushes it on stop
func NewEventProducerFx(
	lc fx.Lifecycle,
	kafkaCfg *config.KafkaConfig,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*EventProducer, error) {
	producer, err := NewEventProducer(ProducerConfig{
		Brokers: kafkaCfg.Brokers,
		Topic:   kafkaCfg.TopicEvents,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return producer.Close()
		},
	})

	return producer, nil
}
