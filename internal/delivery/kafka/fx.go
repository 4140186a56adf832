package kafka

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
)

// Module runs the command consumer when KAFKA_TOPIC_COMMANDS is set
var Module = fx.Module("commands",
	fx.Invoke(RunCommandConsumer),
)

// RunCommandConsumer consumes commands for the lifetime of the app
func RunCommandConsumer(
	lc fx.Lifecycle,
	kafkaCfg *config.KafkaConfig,
	registryCfg *config.RegistryConfig,
	sessions deps.SessionService,
	logger zerolog.Logger,
) error {
	if kafkaCfg.TopicCommands == "" {
		logger.Info().Msg("Command topic is not configured, command consumer disabled")
		return nil
	}

	consumer, err := NewCommandConsumer(ConsumerConfig{
		Brokers: kafkaCfg.Brokers,
		Topic:   kafkaCfg.TopicCommands,
		GroupID: kafkaCfg.ConsumerGroup,
		Logger:  logger,
		Handler: NewCommandHandler(sessions, registryCfg.ConnectTimeout, logger),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := consumer.Consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("Command consumer stopped")
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			closeErr := consumer.Close()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			return closeErr
		},
	})

	return nil
}
