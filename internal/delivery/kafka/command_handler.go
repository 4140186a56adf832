package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// Command types accepted on the command topic
const (
	CommandEnsure   = "ensure"
	CommandSend     = "send"
	CommandTeardown = "teardown"
)

// Command is one record of the command topic
type Command struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	AccountKey string `json:"account_key"`
	Recipient  string `json:"recipient,omitempty"`
	Text       string `json:"text,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

// CommandHandler applies commands to sessions
type CommandHandler struct {
	sessions deps.SessionService
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewCommandHandler creates a command handler. timeout bounds each command.
func NewCommandHandler(sessions deps.SessionService, timeout time.Duration, logger zerolog.Logger) *CommandHandler {
	return &CommandHandler{
		sessions: sessions,
		timeout:  timeout,
		logger:   logger.With().Str("handler", "commands").Logger(),
	}
}

// HandleMessage decodes and runs one command
func (h *CommandHandler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if cmd.AccountKey == "" && len(msg.Key) > 0 {
		cmd.AccountKey = string(msg.Key)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	return h.HandleCommand(ctx, cmd)
}

// HandleCommand runs a decoded command
func (h *CommandHandler) HandleCommand(ctx context.Context, cmd Command) error {
	log := h.logger.With().
		Str("type", cmd.Type).
		Str("account_key", cmd.AccountKey).
		Str("request_id", cmd.RequestID).
		Logger()

	switch cmd.Type {
	case CommandEnsure:
		snap, err := h.sessions.Ensure(ctx, cmd.AccountKey)
		if err != nil {
			return err
		}
		log.Info().Str("state", snap.Auth.State).Msg("Session ensured")
		return nil

	case CommandSend:
		sent, err := h.sessions.Send(ctx, cmd.AccountKey, entities.OutboundMessage{
			Recipient: cmd.Recipient,
			Text:      cmd.Text,
			Subject:   cmd.Subject,
		})
		if err != nil {
			return err
		}
		log.Info().Str("external_id", sent.ExternalID).Msg("Message sent")
		return nil

	case CommandTeardown:
		if err := h.sessions.Teardown(ctx, cmd.AccountKey); err != nil {
			return err
		}
		log.Info().Msg("Session torn down")
		return nil
	}

	return fmt.Errorf("unknown command type %q", cmd.Type)
}
