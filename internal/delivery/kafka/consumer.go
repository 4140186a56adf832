package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// MessageHandler processes one consumed record
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// CommandConsumer consumes session commands from Kafka
type CommandConsumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	logger        zerolog.Logger
	handler       MessageHandler
	closeOnce     sync.Once
	closeErr      error
}

// ConsumerConfig holds configuration for the command consumer
type ConsumerConfig struct {
	Brokers           []string
	Topic             string
	GroupID           string
	Logger            zerolog.Logger
	Handler           MessageHandler
	SessionTimeout    time.Duration // default 10s
	HeartbeatInterval time.Duration // default 3s
}

func (cfg *ConsumerConfig) validate() error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers specified")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("command topic is required")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("message handler is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "connector-service"
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	return nil
}

func (cfg *ConsumerConfig) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()

	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	config.Consumer.Group.Heartbeat.Interval = cfg.HeartbeatInterval

	// sends may wait for a full connect
	config.Consumer.MaxProcessingTime = 90 * time.Second
	config.ChannelBufferSize = 100

	// offsets are marked after processing
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Return.Errors = true

	config.Version = sarama.V2_6_0_0
	config.ClientID = "connector-service-consumer"
	return config
}

// NewCommandConsumer creates a consumer group member for the command topic
func NewCommandConsumer(cfg ConsumerConfig) (*CommandConsumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	cfg.Logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("group_id", cfg.GroupID).
		Msg("Kafka command consumer initialized")

	return newCommandConsumer(consumerGroup, cfg), nil
}

func newCommandConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig) *CommandConsumer {
	return &CommandConsumer{
		consumerGroup: group,
		topics:        []string{cfg.Topic},
		logger:        cfg.Logger,
		handler:       cfg.Handler,
	}
}

// Consume blocks until ctx is cancelled or the group is closed
func (kc *CommandConsumer) Consume(ctx context.Context) error {
	go func() {
		for err := range kc.consumerGroup.Errors() {
			kc.logger.Error().Err(err).Msg("Consumer group error")
		}
	}()

	cgHandler := &consumerGroupHandler{
		logger:  kc.logger,
		handler: kc.handler,
	}

	kc.logger.Info().Strs("topics", kc.topics).Msg("Starting to consume commands")

	for {
		// returns on every rebalance
		if err := kc.consumerGroup.Consume(ctx, kc.topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume failed: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close gracefully shuts down the consumer
func (kc *CommandConsumer) Close() error {
	kc.closeOnce.Do(func() {
		kc.logger.Info().Msg("Closing Kafka command consumer")
		if err := kc.consumerGroup.Close(); err != nil {
			kc.closeErr = fmt.Errorf("failed to close consumer group: %w", err)
		}
	})
	return kc.closeErr
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	logger  zerolog.Logger
	handler MessageHandler
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Info().
		Int32("generation_id", session.GenerationID()).
		Str("member_id", session.MemberID()).
		Msg("Consumer group session started")
	return nil
}

func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.logger.Info().
		Int32("generation_id", session.GenerationID()).
		Msg("Consumer group session ended")
	return nil
}

// ConsumeClaim processes a partition in order. Failed records are logged
// and marked so one bad command cannot block the partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.handler.HandleMessage(ctx, msg); err != nil {
				h.logger.Error().
					Err(err).
					Str("topic", msg.Topic).
					Int32("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("Failed to process command, skipping")
			}
			session.MarkMessage(msg, "")
		}
	}
}
