package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

func mockConfig() *sarama.Config {
	config := mocks.NewTestConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	return config
}

func textEvent(text string) entities.Event {
	return entities.NewMessageEvent("acct-1", credential.NetworkTelegramBot,
		time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		entities.InboundMessage{
			ExternalID: "17",
			ChatID:     "100",
			SenderName: "Alice",
			Content:    entities.TextContent{Text: text},
		})
}

func TestNewEventProducer_Validation(t *testing.T) {
	_, err := NewEventProducer(ProducerConfig{Topic: "connector.events", Logger: zerolog.Nop()})
	require.EqualError(t, err, "no kafka brokers specified")

	_, err = NewEventProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, Logger: zerolog.Nop()})
	require.EqualError(t, err, "kafka topic is required")
}

func TestEventProducer_Handle(t *testing.T) {
	mockProducer := mocks.NewAsyncProducer(t, mockConfig())
	mockProducer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "connector.events" {
			return fmt.Errorf("unexpected topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "acct-1" {
			return fmt.Errorf("unexpected key %q", key)
		}

		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var decoded EventMessage
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		if decoded.Message == nil || decoded.Message.Content.Text != "hello" || decoded.Message.Content.Type != ContentTypeText {
			return fmt.Errorf("unexpected payload %s", raw)
		}
		return nil
	})

	p := newEventProducer(mockProducer, "connector.events", nil, zerolog.Nop())
	before := testutil.ToFloat64(metrics.GetDefaultMetrics().KafkaMessagesProduced)

	require.NoError(t, p.Handle(context.Background(), "acct-1", textEvent("hello")))
	require.NoError(t, p.Close())

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.GetDefaultMetrics().KafkaMessagesProduced))
}

func TestEventProducer_HandleRejects(t *testing.T) {
	mockProducer := mocks.NewAsyncProducer(t, mockConfig())
	p := newEventProducer(mockProducer, "connector.events", nil, zerolog.Nop())

	require.Error(t, p.Handle(context.Background(), "", textEvent("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Handle(ctx, "acct-1", textEvent("x")), context.Canceled)

	require.NoError(t, p.Close())
	require.Error(t, p.Handle(context.Background(), "acct-1", textEvent("x")))
}

func TestEventProducer_ErrorsMakeUnhealthy(t *testing.T) {
	mockProducer := mocks.NewAsyncProducer(t, mockConfig())
	for i := 0; i < unhealthyErrorCount; i++ {
		mockProducer.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	}

	p := newEventProducer(mockProducer, "connector.events", nil, zerolog.Nop())
	assert.True(t, p.IsHealthy())

	for i := 0; i < unhealthyErrorCount; i++ {
		require.NoError(t, p.Handle(context.Background(), "acct-1", textEvent("x")))
	}

	require.Eventually(t, func() bool { return !p.IsHealthy() }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Close())
}

func TestEventProducer_CloseIsIdempotent(t *testing.T) {
	mockProducer := mocks.NewAsyncProducer(t, mockConfig())
	p := newEventProducer(mockProducer, "connector.events", nil, zerolog.Nop())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.False(t, p.IsHealthy())
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "message_too_large", errorType(sarama.ErrMessageSizeTooLarge))
	assert.Equal(t, "unavailable", errorType(fmt.Errorf("wrapped: %w", sarama.ErrOutOfBrokers)))
	assert.Equal(t, "produce", errorType(errors.New("boom")))
}

func TestNewEventMessage_ContentVariants(t *testing.T) {
	media := entities.NewMessageEvent("k", credential.NetworkEmail, time.Now(), entities.InboundMessage{
		Content: entities.MediaContent{MediaType: "attachment", FileName: "report.pdf"},
	})
	out := NewEventMessage("k", media)
	assert.Equal(t, ContentTypeMedia, out.Message.Content.Type)
	assert.Equal(t, "report.pdf", out.Message.Content.FileName)

	unsupported := entities.NewMessageEvent("k", credential.NetworkTelegramUser, time.Now(), entities.InboundMessage{
		Content: entities.UnsupportedContent{Kind: "poll"},
	})
	assert.Equal(t, "poll", NewEventMessage("k", unsupported).Message.Content.Kind)

	status := entities.NewStatusEvent("k", credential.NetworkBusiness, false, "webhook gone")
	out = NewEventMessage("k", status)
	assert.Nil(t, out.Message)
	require.NotNil(t, out.Status)
	assert.False(t, out.Status.Connected)
}
