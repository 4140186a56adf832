// Package gateway connects bot accounts through the Telegram Bot API
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
	"github.com/Conte777/connector-service/internal/utils"
)

// Adapter polls the Bot API for one bot token
type Adapter struct {
	accountKey string
	serverURL  string
	secrets    deps.SecretWriter
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu       sync.Mutex
	bot      *tgbot.Bot
	state    entities.AuthState
	handler  deps.EventHandler
	cancel   context.CancelFunc
	pollDone chan struct{}
	closed   bool

	polling atomic.Bool
}

var _ deps.Adapter = (*Adapter)(nil)

func (a *Adapter) AccountKey() string          { return a.accountKey }
func (a *Adapter) Network() credential.Network { return credential.NetworkTelegramBot }

// IsHealthy reports whether polling runs. A bot still waiting for its
// token has nothing to poll and stays healthy until disconnected.
func (a *Adapter) IsHealthy() bool {
	if a.polling.Load() {
		return true
	}
	return a.awaitingInput()
}

func (a *Adapter) awaitingInput() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, awaiting := a.state.(entities.Awaiting)
	return awaiting && !a.closed
}

func (a *Adapter) AuthState() entities.AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return entities.Uninitialized{}
	}
	return a.state
}

func (a *Adapter) setState(s entities.AuthState) entities.AuthState {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	return s
}

func (a *Adapter) Subscribe(handler deps.EventHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Connect validates the stored token and starts polling
func (a *Adapter) Connect(ctx context.Context, cred entities.DecryptedCredential) (entities.AuthState, error) {
	token := cred.Secret(credential.SecretToken)
	if token == "" {
		return a.setState(entities.Awaiting{Step: entities.StepToken}), nil
	}

	if err := a.open(ctx, token, false); err != nil {
		return nil, err
	}
	return a.setState(entities.Ready{}), nil
}

// SubmitAuthInput accepts a bot token
func (a *Adapter) SubmitAuthInput(ctx context.Context, step entities.AuthStep, value string) (entities.AuthState, error) {
	if step != entities.StepToken {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrStepMismatch, step)
	}

	token := strings.TrimSpace(value)
	if err := a.open(ctx, token, true); err != nil {
		return nil, err
	}

	if a.secrets != nil {
		if err := a.secrets.WriteSecrets(ctx, map[string]string{credential.SecretToken: token}); err != nil {
			return nil, fmt.Errorf("failed to persist token: %w", err)
		}
	}
	return a.setState(entities.Ready{}), nil
}

// open creates the bot, which checks the token with getMe, and starts the update loop
func (a *Adapter) open(ctx context.Context, token string, interactive bool) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return sessionerrors.NewConnectError(a.accountKey, sessionerrors.ErrNotConnected)
	}
	a.mu.Unlock()

	opts := []tgbot.Option{
		tgbot.WithDefaultHandler(a.onUpdate),
	}
	if a.serverURL != "" {
		opts = append(opts, tgbot.WithServerURL(a.serverURL))
	}

	if err := ctx.Err(); err != nil {
		return sessionerrors.NewConnectError(a.accountKey, err)
	}

	b, err := tgbot.New(token, opts...)
	if err != nil {
		return classify(a.accountKey, err, interactive)
	}

	a.logger.Info().Str("token", utils.MaskToken(token)).Msg("Bot token accepted")

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.bot = b
	a.cancel = cancel
	a.pollDone = done
	a.mu.Unlock()

	a.polling.Store(true)
	go func() {
		defer close(done)
		b.Start(runCtx)
		a.polling.Store(false)
	}()

	a.emit(entities.NewStatusEvent(a.accountKey, credential.NetworkTelegramBot, true, "polling started"))
	return nil
}

// classify maps Bot API errors; a rejected token is fatal when it was
// stored and retryable when the user just typed it
func classify(accountKey string, err error, interactive bool) error {
	msg := err.Error()
	if strings.Contains(msg, "Unauthorized") || strings.Contains(msg, "Not Found") || strings.Contains(msg, "invalid token") {
		if interactive {
			return sessionerrors.Retryable(entities.StepToken, "token_rejected", err)
		}
		return sessionerrors.Fatal(entities.StepToken, "token_rejected", err)
	}
	return sessionerrors.NewConnectError(accountKey, err)
}

func (a *Adapter) onUpdate(_ context.Context, _ *tgbot.Bot, update *models.Update) {
	inbound, at, ok := convertUpdate(update)
	if !ok {
		return
	}
	a.emit(entities.NewMessageEvent(a.accountKey, credential.NetworkTelegramBot, at, inbound))
}

func (a *Adapter) emit(ev entities.Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Send posts a text message. Recipient is a numeric chat id or @username.
func (a *Adapter) Send(ctx context.Context, msg entities.OutboundMessage) (*entities.SentMessage, error) {
	a.mu.Lock()
	b := a.bot
	a.mu.Unlock()

	if b == nil || !a.polling.Load() {
		return nil, sessionerrors.ErrNotConnected
	}

	var chatID any = msg.Recipient
	if id, err := strconv.ParseInt(msg.Recipient, 10, 64); err == nil {
		chatID = id
	}

	sent, err := b.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Text,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Too Many Requests") {
			a.metrics.RecordRateLimit(string(credential.NetworkTelegramBot))
		}
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return &entities.SentMessage{
		ExternalID: strconv.Itoa(sent.ID),
		SentAt:     time.Unix(int64(sent.Date), 0).UTC(),
	}, nil
}

// Disconnect stops polling
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel, done := a.cancel, a.pollDone
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.polling.Store(false)
	a.emit(entities.NewStatusEvent(a.accountKey, credential.NetworkTelegramBot, false, "polling stopped"))
	a.logger.Info().Msg("Bot polling stopped")
	return nil
}

// errNoMessage marks updates without a message payload
var errNoMessage = errors.New("update carries no message")

// convertUpdate maps a Bot API update; updates other than new messages are skipped
func convertUpdate(update *models.Update) (entities.InboundMessage, time.Time, bool) {
	msg, err := messageOf(update)
	if err != nil {
		return entities.InboundMessage{}, time.Time{}, false
	}

	inbound := entities.InboundMessage{
		ExternalID: strconv.Itoa(msg.ID),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Content:    convertContent(msg),
	}
	if msg.From != nil {
		inbound.SenderID = strconv.FormatInt(msg.From.ID, 10)
		inbound.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if inbound.SenderName == "" {
			inbound.SenderName = msg.From.Username
		}
	} else if msg.Chat.Title != "" {
		inbound.SenderName = msg.Chat.Title
	}

	return inbound, time.Unix(int64(msg.Date), 0).UTC(), true
}

func messageOf(update *models.Update) (*models.Message, error) {
	switch {
	case update == nil:
		return nil, errNoMessage
	case update.Message != nil:
		return update.Message, nil
	case update.ChannelPost != nil:
		return update.ChannelPost, nil
	}
	return nil, errNoMessage
}

func convertContent(msg *models.Message) entities.Content {
	switch {
	case len(msg.Photo) > 0:
		return entities.MediaContent{MediaType: "photo", Caption: msg.Caption}
	case msg.Video != nil:
		return entities.MediaContent{MediaType: "video", Caption: msg.Caption}
	case msg.Audio != nil:
		return entities.MediaContent{MediaType: "audio", Caption: msg.Caption}
	case msg.Document != nil:
		return entities.MediaContent{MediaType: "document", Caption: msg.Caption, FileName: msg.Document.FileName}
	case msg.Sticker != nil:
		return entities.UnsupportedContent{Kind: "sticker"}
	case msg.Location != nil:
		return entities.UnsupportedContent{Kind: "location"}
	case msg.Text != "":
		return entities.TextContent{Text: msg.Text}
	}
	return entities.UnsupportedContent{Kind: "unknown"}
}
