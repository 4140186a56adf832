// Package adaptertest provides a scriptable in-memory adapter for tests.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

// Token values with scripted outcomes
const (
	TokenRejected  = "bad"   // fatal rejection
	TokenMistyped  = "wrong" // retryable rejection
	TokenUnreached = "down"  // connect error
)

// Adapter is a token-network adapter driven entirely in memory
type Adapter struct {
	cfg     deps.AdapterConfig
	network credential.Network
	factory *Factory

	mu      sync.Mutex
	state   entities.AuthState
	handler deps.EventHandler
	sent    []entities.OutboundMessage

	healthy     atomic.Bool
	closed      atomic.Bool
	disconnects atomic.Int32
}

var _ deps.Adapter = (*Adapter)(nil)
var _ deps.WebhookReceiver = (*Adapter)(nil)

func (a *Adapter) AccountKey() string          { return a.cfg.AccountKey }
func (a *Adapter) Network() credential.Network { return a.network }
func (a *Adapter) IsHealthy() bool             { return a.healthy.Load() }

// Connect replays the stored token
func (a *Adapter) Connect(ctx context.Context, cred entities.DecryptedCredential) (entities.AuthState, error) {
	a.factory.connects.Add(1)

	if gate := a.factory.gate(); gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, sessionerrors.NewConnectError(a.cfg.AccountKey, ctx.Err())
		}
	}

	state, err := a.evaluate(ctx, cred.Secret(credential.SecretToken), false)
	if err != nil {
		return nil, err
	}
	a.setState(state)
	return state, nil
}

// SubmitAuthInput validates a token supplied by the user
func (a *Adapter) SubmitAuthInput(ctx context.Context, step entities.AuthStep, value string) (entities.AuthState, error) {
	if step != entities.StepToken {
		return nil, fmt.Errorf("unexpected step %s", step)
	}
	state, err := a.evaluate(ctx, value, true)
	if err != nil {
		return nil, err
	}
	if a.cfg.Secrets != nil {
		if err := a.cfg.Secrets.WriteSecrets(ctx, map[string]string{credential.SecretToken: value}); err != nil {
			return nil, err
		}
	}
	a.setState(state)
	return state, nil
}

func (a *Adapter) evaluate(_ context.Context, token string, interactive bool) (entities.AuthState, error) {
	switch token {
	case "":
		// nothing to connect yet, the adapter stays live while it waits
		a.healthy.Store(true)
		return entities.Awaiting{Step: entities.StepToken}, nil
	case TokenRejected:
		return nil, sessionerrors.Fatal(entities.StepToken, "token rejected", nil)
	case TokenMistyped:
		if interactive {
			return nil, sessionerrors.Retryable(entities.StepToken, "token malformed", nil)
		}
		return nil, sessionerrors.Fatal(entities.StepToken, "token malformed", nil)
	case TokenUnreached:
		return nil, sessionerrors.NewConnectError(a.cfg.AccountKey, errors.New("network unreachable"))
	}
	a.healthy.Store(true)
	return entities.Ready{}, nil
}

func (a *Adapter) AuthState() entities.AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return entities.Uninitialized{}
	}
	return a.state
}

func (a *Adapter) setState(s entities.AuthState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Disconnect is idempotent; Disconnects counts only the first call
func (a *Adapter) Disconnect(context.Context) error {
	a.healthy.Store(false)
	if !a.closed.Swap(true) {
		a.disconnects.Add(1)
	}
	return nil
}

// Disconnects returns how many times the adapter was effectively disconnected
func (a *Adapter) Disconnects() int {
	return int(a.disconnects.Load())
}

func (a *Adapter) Subscribe(handler deps.EventHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Emit simulates an inbound text message
func (a *Adapter) Emit(text string) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()

	if handler != nil {
		handler(entities.NewMessageEvent(a.cfg.AccountKey, a.network, time.Now(), entities.InboundMessage{
			ChatID:  "chat-1",
			Content: entities.TextContent{Text: text},
		}))
	}
}

// Drop simulates the network closing the connection
func (a *Adapter) Drop() {
	a.healthy.Store(false)
}

// Send records msg. Like the real adapters it needs a live, ready connection.
func (a *Adapter) Send(_ context.Context, msg entities.OutboundMessage) (*entities.SentMessage, error) {
	if !a.healthy.Load() {
		return nil, sessionerrors.ErrNotConnected
	}
	a.mu.Lock()
	if _, ready := a.state.(entities.Ready); !ready {
		a.mu.Unlock()
		return nil, sessionerrors.ErrNotReady
	}
	a.sent = append(a.sent, msg)
	n := len(a.sent)
	a.mu.Unlock()
	return &entities.SentMessage{ExternalID: fmt.Sprintf("%s-%d", a.cfg.AccountKey, n), SentAt: time.Now()}, nil
}

// Sent returns the messages sent so far
func (a *Adapter) Sent() []entities.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]entities.OutboundMessage(nil), a.sent...)
}

// ReceiveWebhook emits the payload as a text message
func (a *Adapter) ReceiveWebhook(_ context.Context, payload []byte) error {
	a.Emit(string(payload))
	return nil
}

// Factory builds fake adapters and records them per account
type Factory struct {
	network credential.Network

	connects atomic.Int32

	mu       sync.Mutex
	adapters map[string][]*Adapter
	newErr   map[string]error
	block    chan struct{}
}

var _ deps.AdapterFactory = (*Factory)(nil)

// NewFactory creates a factory for network
func NewFactory(network credential.Network) *Factory {
	return &Factory{
		network:  network,
		adapters: make(map[string][]*Adapter),
		newErr:   make(map[string]error),
	}
}

func (f *Factory) Network() credential.Network { return f.network }
func (f *Factory) Flow() entities.AuthFlow     { return entities.TokenFlow(f.network) }

func (f *Factory) New(cfg deps.AdapterConfig) (deps.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.newErr[cfg.AccountKey]; err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, network: f.network, factory: f, state: entities.Uninitialized{}}
	f.adapters[cfg.AccountKey] = append(f.adapters[cfg.AccountKey], a)
	return a, nil
}

// FailConstruction makes New fail for accountKey
func (f *Factory) FailConstruction(accountKey string, err error) {
	f.mu.Lock()
	f.newErr[accountKey] = err
	f.mu.Unlock()
}

// Block makes every Connect wait until the returned release func is called
func (f *Factory) Block() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.block = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Factory) gate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block
}

// Connects returns the number of Connect calls across all adapters
func (f *Factory) Connects() int {
	return int(f.connects.Load())
}

// Adapters returns every adapter built for accountKey, oldest first
func (f *Factory) Adapters(accountKey string) []*Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Adapter(nil), f.adapters[accountKey]...)
}

// Latest returns the newest adapter for accountKey or nil
func (f *Factory) Latest(accountKey string) *Adapter {
	all := f.Adapters(accountKey)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}
