package business

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

// UseCase implements session operations on top of the client registry
type UseCase struct {
	registry deps.SessionRegistry
	logger   zerolog.Logger
}

// NewUseCase creates a new session use case
func NewUseCase(registry deps.SessionRegistry, logger zerolog.Logger) deps.SessionService {
	return &UseCase{
		registry: registry,
		logger:   logger.With().Str("usecase", "session").Logger(),
	}
}

// Ensure makes sure the account has a live session and returns its snapshot.
// When the session needs input the snapshot is returned together with the error.
func (u *UseCase) Ensure(ctx context.Context, accountKey string) (entities.SessionSnapshot, error) {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return entities.SessionSnapshot{}, sessionerrors.ErrAccountKeyRequired
	}

	_, err := u.registry.Ensure(ctx, accountKey)
	snap, _ := u.find(accountKey)
	return snap, err
}

// SubmitAuthInput forwards a login input. A missing session is started first,
// so an input can follow a restart without an explicit ensure.
func (u *UseCase) SubmitAuthInput(ctx context.Context, accountKey, step, value string) (entities.AuthState, error) {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return nil, sessionerrors.ErrAccountKeyRequired
	}
	authStep, ok := entities.ParseAuthStep(step)
	if !ok {
		return nil, sessionerrors.ErrUnknownStep
	}

	state, err := u.registry.SubmitAuthInput(ctx, accountKey, authStep, value)
	if !errors.Is(err, sessionerrors.ErrSessionNotFound) {
		return state, err
	}

	_, ensureErr := u.registry.Ensure(ctx, accountKey)
	var authRequired *sessionerrors.AuthRequiredError
	switch {
	case ensureErr == nil:
		return entities.Ready{}, sessionerrors.ErrNotAwaitingInput
	case errors.As(ensureErr, &authRequired):
		u.logger.Debug().Str("account_key", accountKey).Msg("Session started for auth input")
		return u.registry.SubmitAuthInput(ctx, accountKey, authStep, value)
	default:
		return nil, ensureErr
	}
}

// Send delivers an outbound message, reconnecting the session if needed
func (u *UseCase) Send(ctx context.Context, accountKey string, msg entities.OutboundMessage) (*entities.SentMessage, error) {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return nil, sessionerrors.ErrAccountKeyRequired
	}
	if strings.TrimSpace(msg.Recipient) == "" {
		return nil, sessionerrors.ErrRecipientRequired
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, sessionerrors.ErrTextRequired
	}

	h, err := u.registry.Ensure(ctx, accountKey)
	if err != nil {
		return nil, err
	}

	sent, err := h.Send(ctx, msg)
	if errors.Is(err, sessionerrors.ErrStaleHandle) {
		// the connection dropped between ensure and send
		if h, err = u.registry.Ensure(ctx, accountKey); err != nil {
			return nil, err
		}
		sent, err = h.Send(ctx, msg)
	}
	if err != nil {
		u.logger.Error().Err(err).Str("account_key", accountKey).Msg("Failed to send message")
		return nil, err
	}
	return sent, nil
}

// Teardown disconnects the account's session if there is one
func (u *UseCase) Teardown(ctx context.Context, accountKey string) error {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return sessionerrors.ErrAccountKeyRequired
	}
	return u.registry.Teardown(ctx, accountKey)
}

// Snapshot lists all live sessions
func (u *UseCase) Snapshot(_ context.Context) []entities.SessionSnapshot {
	return u.registry.Snapshot()
}

// DeliverWebhook hands a pushed payload to the account's adapter
func (u *UseCase) DeliverWebhook(ctx context.Context, accountKey string, payload []byte) error {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return sessionerrors.ErrAccountKeyRequired
	}

	receiver, err := u.registry.Webhook(accountKey)
	if errors.Is(err, sessionerrors.ErrSessionNotFound) || errors.Is(err, sessionerrors.ErrNotReady) {
		if _, err = u.registry.Ensure(ctx, accountKey); err != nil {
			return err
		}
		receiver, err = u.registry.Webhook(accountKey)
	}
	if err != nil {
		return err
	}

	return receiver.ReceiveWebhook(ctx, payload)
}

func (u *UseCase) find(accountKey string) (entities.SessionSnapshot, bool) {
	for _, snap := range u.registry.Snapshot() {
		if snap.AccountKey == accountKey {
			return snap, true
		}
	}
	return entities.SessionSnapshot{}, false
}
