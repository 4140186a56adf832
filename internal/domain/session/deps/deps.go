package deps

import (
	"context"

	"github.com/rs/zerolog"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// Adapter wraps one external network's native client for one account.
// The adapter is owned by exactly one live session.
type Adapter interface {
	AccountKey() string
	Network() credential.Network

	// Connect establishes the session and silently replays stored secrets.
	// It returns Ready, Awaiting{step} when user input is needed, a fatal
	// *errors.AuthError when stored secrets are rejected, or a *errors.ConnectError.
	Connect(ctx context.Context, cred entities.DecryptedCredential) (entities.AuthState, error)

	AuthState() entities.AuthState

	// SubmitAuthInput advances the login by one step
	SubmitAuthInput(ctx context.Context, step entities.AuthStep, value string) (entities.AuthState, error)

	// IsHealthy reads cached connection status and never performs I/O
	IsHealthy() bool

	// Disconnect releases native resources; calling it twice is a no-op
	Disconnect(ctx context.Context) error

	// Subscribe registers the callback for inbound events, delivered in network order
	Subscribe(handler EventHandler)

	Send(ctx context.Context, msg entities.OutboundMessage) (*entities.SentMessage, error)
}

// WebhookReceiver is implemented by adapters whose network pushes events over HTTP
type WebhookReceiver interface {
	ReceiveWebhook(ctx context.Context, payload []byte) error
}

// EventHandler receives adapter events; it must return quickly
type EventHandler func(event entities.Event)

// SecretWriter persists new secret material produced during auth.
// Values are plaintext; the implementation encrypts them.
type SecretWriter interface {
	WriteSecrets(ctx context.Context, secrets map[string]string) error
}

// AdapterConfig carries per-account construction parameters
type AdapterConfig struct {
	AccountKey string
	Logger     zerolog.Logger
	Secrets    SecretWriter
}

// AdapterFactory builds adapters for one network
type AdapterFactory interface {
	Network() credential.Network
	Flow() entities.AuthFlow
	New(cfg AdapterConfig) (Adapter, error)
}

// EventRouter hands adapter events to the sink off the adapter's goroutine
type EventRouter interface {
	// Attach opens a route for a new session and returns the callback to subscribe
	Attach(accountKey string, network credential.Network) EventHandler
	// Detach closes the account's route after draining what it already accepted
	Detach(accountKey string)
}

// EventSink is the downstream consumer of routed events
type EventSink interface {
	Handle(ctx context.Context, accountKey string, event entities.Event) error
}

// Cipher decrypts and encrypts secret values
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SessionLease keeps one external identity on one service instance
type SessionLease interface {
	Acquire(ctx context.Context, accountKey string) (bool, error)
	Renew(ctx context.Context, accountKey string) error
	Release(ctx context.Context, accountKey string) error
}

// Handle is what ensure returns to callers
type Handle interface {
	AccountKey() string
	Generation() uint64
	Send(ctx context.Context, msg entities.OutboundMessage) (*entities.SentMessage, error)
}

// SessionRegistry is the client registry as seen by use cases and workers
type SessionRegistry interface {
	Ensure(ctx context.Context, accountKey string) (Handle, error)
	SubmitAuthInput(ctx context.Context, accountKey string, step entities.AuthStep, value string) (entities.AuthState, error)
	Teardown(ctx context.Context, accountKey string) error
	Snapshot() []entities.SessionSnapshot
	Webhook(accountKey string) (WebhookReceiver, error)
}

// SessionSupervisor runs registry-wide lifecycle work
type SessionSupervisor interface {
	PreloadAll(ctx context.Context, creds []credential.Credential) *entities.PreloadReport
	SweepHealth(ctx context.Context)
	Shutdown(ctx context.Context) error
}

// SessionService defines session operations exposed to delivery
type SessionService interface {
	Ensure(ctx context.Context, accountKey string) (entities.SessionSnapshot, error)
	SubmitAuthInput(ctx context.Context, accountKey, step, value string) (entities.AuthState, error)
	Send(ctx context.Context, accountKey string, msg entities.OutboundMessage) (*entities.SentMessage, error)
	Teardown(ctx context.Context, accountKey string) error
	Snapshot(ctx context.Context) []entities.SessionSnapshot
	DeliverWebhook(ctx context.Context, accountKey string, payload []byte) error
}
