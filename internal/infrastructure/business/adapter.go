package business

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
	"github.com/Conte777/connector-service/internal/utils"
)

// Adapter serves one business API account. Inbound events arrive by webhook.
type Adapter struct {
	accountKey string
	api        *apiClient
	limiter    *rate.Limiter
	secrets    deps.SecretWriter
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	token   string
	state   entities.AuthState
	handler deps.EventHandler
	closed  bool

	// webhook deliveries are emitted one body at a time to keep their order
	webhookMu sync.Mutex

	healthy atomic.Bool
}

var (
	_ deps.Adapter         = (*Adapter)(nil)
	_ deps.WebhookReceiver = (*Adapter)(nil)
)

func (a *Adapter) AccountKey() string          { return a.accountKey }
func (a *Adapter) Network() credential.Network { return credential.NetworkBusiness }

// IsHealthy reports whether the token is verified and accepted. An account
// still waiting for its token stays healthy until disconnected.
func (a *Adapter) IsHealthy() bool {
	if a.healthy.Load() {
		return true
	}
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

func (a *Adapter) emit(ev entities.Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Connect validates the stored token
func (a *Adapter) Connect(ctx context.Context, cred entities.DecryptedCredential) (entities.AuthState, error) {
	token := cred.Secret(credential.SecretToken)
	if token == "" {
		return a.setState(entities.Awaiting{Step: entities.StepToken}), nil
	}

	if err := a.verify(ctx, token, false); err != nil {
		return nil, err
	}
	return a.setState(entities.Ready{}), nil
}

// SubmitAuthInput accepts an API token
func (a *Adapter) SubmitAuthInput(ctx context.Context, step entities.AuthStep, value string) (entities.AuthState, error) {
	if step != entities.StepToken {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrStepMismatch, step)
	}

	token := strings.TrimSpace(value)
	if err := a.verify(ctx, token, true); err != nil {
		return nil, err
	}

	if a.secrets != nil {
		if err := a.secrets.WriteSecrets(ctx, map[string]string{credential.SecretToken: token}); err != nil {
			return nil, fmt.Errorf("failed to persist token: %w", err)
		}
	}
	return a.setState(entities.Ready{}), nil
}

func (a *Adapter) verify(ctx context.Context, token string, interactive bool) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return sessionerrors.NewConnectError(a.accountKey, sessionerrors.ErrNotConnected)
	}

	profile, err := a.api.me(ctx, token)
	if err != nil {
		return a.classify(err, interactive)
	}

	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	a.healthy.Store(true)

	a.logger.Info().
		Str("token", utils.MaskToken(token)).
		Str("profile_id", profile.ID).
		Msg("Business API token accepted")
	a.emit(entities.NewStatusEvent(a.accountKey, credential.NetworkBusiness, true, "token verified"))
	return nil
}

func (a *Adapter) classify(err error, interactive bool) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.unauthorized() && interactive:
			return sessionerrors.Retryable(entities.StepToken, "token_rejected", err)
		case apiErr.unauthorized():
			return sessionerrors.Fatal(entities.StepToken, "token_rejected", err)
		case apiErr.Status == 429:
			a.metrics.RecordRateLimit(string(credential.NetworkBusiness))
			connErr := sessionerrors.NewConnectError(a.accountKey, err)
			connErr.RetryAfter = apiErr.RetryAfter
			return connErr
		}
	}
	return sessionerrors.NewConnectError(a.accountKey, err)
}

// Send posts an outbound message
func (a *Adapter) Send(ctx context.Context, msg entities.OutboundMessage) (*entities.SentMessage, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	if token == "" || !a.healthy.Load() {
		return nil, sessionerrors.ErrNotConnected
	}

	if err := a.limiter.Wait(ctx); err != nil {
		a.metrics.RecordRateLimit(string(credential.NetworkBusiness))
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := a.api.send(ctx, token, sendRequest{To: msg.Recipient, Text: msg.Text, Subject: msg.Subject})
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.unauthorized():
				// the token was revoked; the next ensure reconnects and fails the session
				a.healthy.Store(false)
			case apiErr.Status == 429:
				a.metrics.RecordRateLimit(string(credential.NetworkBusiness))
			}
		}
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	sentAt := time.Now().UTC()
	if resp.SentAt > 0 {
		sentAt = time.Unix(resp.SentAt, 0).UTC()
	}
	return &entities.SentMessage{ExternalID: resp.ID, SentAt: sentAt}, nil
}

// ReceiveWebhook turns a pushed payload into events
func (a *Adapter) ReceiveWebhook(_ context.Context, payload []byte) error {
	if !a.healthy.Load() {
		return sessionerrors.ErrNotConnected
	}

	events, err := decodeWebhook(payload)
	if err != nil {
		return err
	}

	a.webhookMu.Lock()
	defer a.webhookMu.Unlock()

	for _, ev := range events {
		if ev.Type == "status" {
			a.emit(entities.NewStatusEvent(a.accountKey, credential.NetworkBusiness, ev.Status != "disconnected", ev.Status))
			continue
		}
		a.emit(entities.NewMessageEvent(a.accountKey, credential.NetworkBusiness, ev.occurredAt(), ev.inbound()))
	}

	a.logger.Debug().Int("events", len(events)).Msg("Webhook delivered")
	return nil
}

// Disconnect drops the token; there is no connection to close
func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.token = ""
	a.mu.Unlock()

	if a.healthy.Swap(false) {
		a.emit(entities.NewStatusEvent(a.accountKey, credential.NetworkBusiness, false, "disconnected"))
	}
	return nil
}
