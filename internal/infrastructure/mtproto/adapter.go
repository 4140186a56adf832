package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
	"github.com/Conte777/connector-service/internal/utils"
)

// authenticator is the part of the gotd auth client the login flow uses
type authenticator interface {
	Status(ctx context.Context) (*auth.Status, error)
	SendCode(ctx context.Context, phone string, options auth.SendCodeOptions) (tg.AuthSentCodeClass, error)
	SignIn(ctx context.Context, phone, code, codeHash string) (*tg.AuthAuthorization, error)
	Password(ctx context.Context, password string) (*tg.AuthAuthorization, error)
}

// Adapter drives one user account over MTProto
type Adapter struct {
	accountKey string
	options    Options
	secrets    deps.SecretWriter
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	limiter *rate.Limiter
	updates *updateMapper

	mu            sync.Mutex
	client        *telegram.Client
	api           *tg.Client
	auth          authenticator
	cancel        context.CancelFunc
	runDone       chan struct{}
	state         entities.AuthState
	phone         string
	codeHash      string
	disconnecting bool

	connected atomic.Bool
}

var _ deps.Adapter = (*Adapter)(nil)

func (a *Adapter) AccountKey() string          { return a.accountKey }
func (a *Adapter) Network() credential.Network { return credential.NetworkTelegramUser }

// IsHealthy reports whether the MTProto connection is running.
// A connection waiting for a login code is healthy.
func (a *Adapter) IsHealthy() bool {
	return a.connected.Load()
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

// Subscribe registers the handler for inbound messages
func (a *Adapter) Subscribe(handler deps.EventHandler) {
	a.updates.setHandler(handler)
}

// Connect starts the MTProto client and restores the stored session.
// The client keeps running after ctx is done; Disconnect stops it.
func (a *Adapter) Connect(ctx context.Context, cred entities.DecryptedCredential) (entities.AuthState, error) {
	a.mu.Lock()
	if a.disconnecting {
		a.mu.Unlock()
		return nil, sessionerrors.NewConnectError(a.accountKey, sessionerrors.ErrNotConnected)
	}
	if a.client != nil {
		a.mu.Unlock()
		return nil, sessionerrors.ErrAlreadyStarted
	}

	storage := newSecretStorage(cred.Secret(credential.SecretSession), a.secrets)
	a.phone = cred.Secret(credential.SecretPhone)

	a.client = telegram.NewClient(a.options.APIID, a.options.APIHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  a.updates.dispatcher(),
		Device: telegram.DeviceConfig{
			DeviceModel:    a.options.DeviceModel,
			SystemVersion:  a.options.SystemVersion,
			AppVersion:     a.options.AppVersion,
			SystemLangCode: a.options.LangCode,
			LangCode:       a.options.LangCode,
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.runDone = make(chan struct{})
	client := a.client
	runDone := a.runDone
	a.mu.Unlock()

	a.logger.Info().Bool("stored_session", storage.HasSession()).Msg("Connecting to Telegram")

	ready := make(chan struct{})
	errChan := make(chan error, 1)

	go func() {
		defer close(runDone)
		err := client.Run(runCtx, func(ctx context.Context) error {
			a.mu.Lock()
			a.api = client.API()
			a.auth = client.Auth()
			a.mu.Unlock()

			a.connected.Store(true)
			close(ready)

			<-ctx.Done()
			return ctx.Err()
		})
		a.connected.Store(false)

		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Msg("MTProto client stopped")
			a.updates.emitStatus(false, err.Error())
		}
		select {
		case errChan <- err:
		default:
		}
	}()

	select {
	case <-ready:
	case err := <-errChan:
		cancel()
		if err == nil {
			err = sessionerrors.ErrNotConnected
		}
		return nil, classify(a.accountKey, "", err)
	case <-ctx.Done():
		cancel()
		return nil, sessionerrors.NewConnectError(a.accountKey, ctx.Err())
	}

	return a.resume(ctx, storage.HasSession())
}

// resume decides the first login step once the connection is up
func (a *Adapter) resume(ctx context.Context, storedSession bool) (entities.AuthState, error) {
	status, err := a.currentAuth().Status(ctx)
	if err != nil {
		return nil, classify(a.accountKey, "", fmt.Errorf("failed to check auth status: %w", err))
	}

	if status.Authorized {
		a.logger.Info().Msg("Session restored from storage")
		a.updates.emitStatus(true, "session restored")
		return a.setState(entities.Ready{}), nil
	}

	if storedSession {
		a.logger.Warn().Msg("Stored session is not authorized, starting login again")
	}

	a.mu.Lock()
	phone := a.phone
	a.mu.Unlock()

	if phone == "" {
		return a.setState(entities.Awaiting{Step: entities.StepPhone}), nil
	}

	if err := a.sendCode(ctx, phone); err != nil {
		var authErr *sessionerrors.AuthError
		if errors.As(err, &authErr) && authErr.Retryable && authErr.Step == entities.StepPhone {
			// the stored phone is no longer accepted, ask for a new one
			return a.setState(entities.Awaiting{Step: entities.StepPhone}), nil
		}
		return nil, err
	}
	return a.setState(entities.Awaiting{Step: entities.StepCode}), nil
}

// SubmitAuthInput advances the phone, code, password login
func (a *Adapter) SubmitAuthInput(ctx context.Context, step entities.AuthStep, value string) (entities.AuthState, error) {
	authClient := a.currentAuth()
	if authClient == nil || !a.connected.Load() {
		return nil, sessionerrors.NewConnectError(a.accountKey, sessionerrors.ErrNotConnected)
	}

	switch step {
	case entities.StepPhone:
		phone := strings.TrimSpace(value)
		if err := a.sendCode(ctx, phone); err != nil {
			return nil, err
		}
		if err := a.writeSecrets(ctx, map[string]string{credential.SecretPhone: phone}); err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.phone = phone
		a.mu.Unlock()
		return a.setState(entities.Awaiting{Step: entities.StepCode}), nil

	case entities.StepCode:
		a.mu.Lock()
		phone, hash := a.phone, a.codeHash
		a.mu.Unlock()

		_, err := authClient.SignIn(ctx, phone, strings.TrimSpace(value), hash)
		switch {
		case err == nil:
			return a.authorized(), nil
		case errors.Is(err, auth.ErrPasswordAuthNeeded):
			a.logger.Info().Msg("Two-factor password required")
			return a.setState(entities.Awaiting{Step: entities.StepPassword}), nil
		case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
			if resendErr := a.sendCode(ctx, phone); resendErr != nil {
				return nil, resendErr
			}
			return nil, sessionerrors.Retryable(entities.StepCode, "phone_code_expired, a new code was sent", err)
		default:
			return nil, classify(a.accountKey, entities.StepCode, err)
		}

	case entities.StepPassword:
		if _, err := authClient.Password(ctx, value); err != nil {
			return nil, classify(a.accountKey, entities.StepPassword, err)
		}
		return a.authorized(), nil
	}

	return nil, fmt.Errorf("%w: %s", sessionerrors.ErrStepMismatch, step)
}

func (a *Adapter) authorized() entities.AuthState {
	a.logger.Info().Msg("Telegram login completed")
	a.updates.emitStatus(true, "authorized")
	return a.setState(entities.Ready{})
}

func (a *Adapter) sendCode(ctx context.Context, phone string) error {
	sent, err := a.currentAuth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return classify(a.accountKey, entities.StepPhone, err)
	}

	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return sessionerrors.Fatal(entities.StepPhone, "unexpected sent code type "+sent.TypeName(), nil)
	}

	a.mu.Lock()
	a.codeHash = code.PhoneCodeHash
	a.mu.Unlock()

	a.logger.Info().Str("phone", utils.MaskPhoneNumber(phone)).Msg("Login code sent")
	return nil
}

func (a *Adapter) writeSecrets(ctx context.Context, secrets map[string]string) error {
	if a.secrets == nil {
		return nil
	}
	if err := a.secrets.WriteSecrets(ctx, secrets); err != nil {
		return fmt.Errorf("failed to persist secrets: %w", err)
	}
	return nil
}

func (a *Adapter) currentAuth() authenticator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.auth
}

// Send delivers a text message. Recipient is "me", a phone number
// starting with "+", or a username or t.me link.
func (a *Adapter) Send(ctx context.Context, msg entities.OutboundMessage) (*entities.SentMessage, error) {
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()

	if api == nil || !a.IsHealthy() {
		return nil, sessionerrors.ErrNotConnected
	}
	if _, ready := a.AuthState().(entities.Ready); !ready {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrNotReady, entities.StateName(a.AuthState()))
	}

	if err := a.limiter.Wait(ctx); err != nil {
		a.metrics.RecordRateLimit(string(credential.NetworkTelegramUser))
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	sender := message.NewSender(api)

	var builder *message.RequestBuilder
	recipient := strings.TrimSpace(msg.Recipient)
	switch {
	case recipient == "me" || recipient == "self":
		builder = sender.Self()
	case strings.HasPrefix(recipient, "+"):
		builder = sender.ResolvePhone(recipient)
	default:
		builder = sender.Resolve(recipient)
	}

	updates, err := builder.Text(ctx, msg.Text)
	if err != nil {
		if d, ok := tgerr.AsFloodWait(err); ok {
			a.metrics.RecordRateLimit(string(credential.NetworkTelegramUser))
			return nil, fmt.Errorf("flood wait %s: %w", d, err)
		}
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return &entities.SentMessage{
		ExternalID: sentMessageID(updates),
		SentAt:     time.Now().UTC(),
	}, nil
}

// sentMessageID extracts the id assigned to a sent message, or ""
func sentMessageID(updates tg.UpdatesClass) string {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return fmt.Sprintf("%d", u.ID)
	case *tg.Updates:
		for _, upd := range u.Updates {
			if id, ok := upd.(*tg.UpdateMessageID); ok {
				return fmt.Sprintf("%d", id.ID)
			}
		}
	}
	return ""
}

// Disconnect stops the MTProto client and waits for it to exit
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.disconnecting {
		a.mu.Unlock()
		return nil
	}
	a.disconnecting = true
	cancel := a.cancel
	runDone := a.runDone
	a.mu.Unlock()

	a.connected.Store(false)

	if cancel == nil {
		return nil
	}

	a.logger.Info().Msg("Disconnecting from Telegram")
	cancel()

	select {
	case <-runDone:
		a.updates.emitStatus(false, "disconnected")
		return nil
	case <-ctx.Done():
		a.logger.Warn().Msg("Timed out waiting for MTProto client to stop")
		return ctx.Err()
	}
}
