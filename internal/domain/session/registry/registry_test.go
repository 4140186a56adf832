package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	credentialerrors "github.com/Conte777/connector-service/internal/domain/credential/errors"
	"github.com/Conte777/connector-service/internal/domain/session/adaptertest"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	"github.com/Conte777/connector-service/internal/infrastructure/gateway"
	"github.com/Conte777/connector-service/internal/infrastructure/vault"
)

// memStore is an in-memory credential store
type memStore struct {
	mu    sync.Mutex
	creds map[string]*credential.Credential
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*credential.Credential)}
}

func (s *memStore) FindActive(context.Context) ([]credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]credential.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		if c.IsActive {
			out = append(out, *c.Clone())
		}
	}
	return out, nil
}

func (s *memStore) FindByAccountKey(_ context.Context, key string) (*credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[key]
	if !ok {
		return nil, credentialerrors.ErrCredentialNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) Save(_ context.Context, c *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.creds[c.AccountKey] = c.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, key)
	return nil
}

// recordingRouter collects events per account synchronously
type recordingRouter struct {
	mu       sync.Mutex
	events   map[string][]entities.Event
	detached map[string]int
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{events: make(map[string][]entities.Event), detached: make(map[string]int)}
}

func (r *recordingRouter) Attach(accountKey string, _ credential.Network) deps.EventHandler {
	return func(ev entities.Event) {
		r.mu.Lock()
		r.events[accountKey] = append(r.events[accountKey], ev)
		r.mu.Unlock()
	}
}

func (r *recordingRouter) Detach(accountKey string) {
	r.mu.Lock()
	r.detached[accountKey]++
	r.mu.Unlock()
}

func (r *recordingRouter) detachCount(accountKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached[accountKey]
}

// scriptedLease counts lease calls and can report leases as lost
type scriptedLease struct {
	mu        sync.Mutex
	renewals  map[string]int
	released  map[string]int
	lost      map[string]bool
	gate      chan struct{}
	acquiring chan struct{}
}

func newScriptedLease() *scriptedLease {
	return &scriptedLease{
		renewals: make(map[string]int),
		released: make(map[string]int),
		lost:     make(map[string]bool),
	}
}

// holdAcquire makes Acquire signal acquiring and wait for the returned release func
func (l *scriptedLease) holdAcquire() (release func()) {
	l.mu.Lock()
	l.gate = make(chan struct{})
	l.acquiring = make(chan struct{}, 1)
	gate := l.gate
	l.mu.Unlock()
	return func() { close(gate) }
}

func (l *scriptedLease) Acquire(_ context.Context, _ string) (bool, error) {
	l.mu.Lock()
	gate, acquiring := l.gate, l.acquiring
	l.mu.Unlock()

	if gate != nil {
		acquiring <- struct{}{}
		<-gate
	}
	return true, nil
}

func (l *scriptedLease) Renew(_ context.Context, accountKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewals[accountKey]++
	if l.lost[accountKey] {
		return fmt.Errorf("%w: lease on %s was lost", sessionerrors.ErrLeaseHeld, accountKey)
	}
	return nil
}

func (l *scriptedLease) Release(_ context.Context, accountKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released[accountKey]++
	return nil
}

func (l *scriptedLease) lose(accountKey string) {
	l.mu.Lock()
	l.lost[accountKey] = true
	l.mu.Unlock()
}

func (l *scriptedLease) counts(accountKey string) (renewals, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewals[accountKey], l.released[accountKey]
}

type fixture struct {
	registry *Registry
	store    *memStore
	vault    *vault.Vault
	factory  *adaptertest.Factory
	router   *recordingRouter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.NewFromHex(key)
	require.NoError(t, err)

	f := &fixture{
		store:   newMemStore(),
		vault:   v,
		factory: adaptertest.NewFactory(credential.NetworkTelegramBot),
		router:  newRecordingRouter(),
	}
	f.registry = f.build(cfg, nil, f.factory)
	return f
}

// build creates another registry over the fixture's store, vault and router
func (f *fixture) build(cfg Config, lease deps.SessionLease, factories ...deps.AdapterFactory) *Registry {
	return New(cfg, Deps{
		Store:     f.store,
		Cipher:    f.vault,
		Factories: factories,
		Router:    f.router,
		Lease:     lease,
		Logger:    zerolog.Nop(),
	})
}

// link stores an active credential whose token is sealed with the fixture vault
// relink stores a new token through Rotate, the way secret rotation does
func (f *fixture) relink(t *testing.T, key, token string) {
	t.Helper()

	err := f.registry.Rotate(context.Background(), key, func(context.Context) error {
		f.link(t, key, token)
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) link(t *testing.T, key, token string) credential.Credential {
	t.Helper()

	secrets := map[string]string{}
	if token != "" {
		sealed, err := f.vault.Encrypt(token)
		require.NoError(t, err)
		secrets[credential.SecretToken] = sealed
	}
	cred := &credential.Credential{
		AccountKey: key,
		Network:    credential.NetworkTelegramBot,
		OwnerID:    "owner-1",
		Secrets:    secrets,
		IsActive:   true,
	}
	require.NoError(t, f.store.Save(context.Background(), cred))
	return *cred
}

func TestRegistry_EnsureSingleFlight(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "tok-abc")

	release := f.factory.Block()
	defer release()

	const callers = 20
	handles := make([]deps.Handle, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = f.registry.Ensure(context.Background(), "acct-1")
		}(i)
	}

	require.Eventually(t, func() bool { return f.factory.Connects() == 1 }, time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, f.factory.Connects())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
}

func TestRegistry_EnsureSingleFlightSharesError(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: time.Minute, BackoffMax: time.Hour})
	f.link(t, "acct-1", adaptertest.TokenUnreached)

	release := f.factory.Block()

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.registry.Ensure(context.Background(), "acct-1")
		}(i)
	}

	require.Eventually(t, func() bool { return f.factory.Connects() == 1 }, time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, f.factory.Connects())
	for _, err := range errs {
		var connErr *sessionerrors.ConnectError
		require.ErrorAs(t, err, &connErr)
	}
}

func TestRegistry_DifferentKeysConnectInParallel(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "tok-1")
	f.link(t, "acct-2", "tok-2")

	release := f.factory.Block()
	defer release()

	var wg sync.WaitGroup
	for _, key := range []string{"acct-1", "acct-2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := f.registry.Ensure(context.Background(), key)
			assert.NoError(t, err)
		}(key)
	}

	// both connects are in flight at the same time
	require.Eventually(t, func() bool { return f.factory.Connects() == 2 }, time.Second, 5*time.Millisecond)
	release()
	wg.Wait()
}

func TestRegistry_PreloadPartialFailure(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.link(t, "acct-a", "tok-a")
	b := f.link(t, "acct-b", "tok-b")
	b.Secrets[credential.SecretToken] = "corrupted"
	require.NoError(t, f.store.Save(context.Background(), &b))

	report := f.registry.PreloadAll(context.Background(), []credential.Credential{a, b})

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Ready)
	assert.Equal(t, 1, report.Failed)
	require.ErrorIs(t, report.Errors["acct-b"], sessionerrors.ErrUnrecoverable)

	snaps := f.registry.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "acct-a", snaps[0].AccountKey)
	assert.Equal(t, "ready", snaps[0].Auth.State)
	assert.Equal(t, "failed", snaps[1].Auth.State)
	assert.Equal(t, ReasonDecryptionFailed, snaps[1].Auth.Reason)

	_, err := f.registry.Ensure(context.Background(), "acct-b")
	require.ErrorIs(t, err, sessionerrors.ErrUnrecoverable)
	// only acct-a ever reached the network
	assert.Equal(t, 1, f.factory.Connects())
}

func TestRegistry_PreloadSkipsInactiveAndReportsStates(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: time.Minute, BackoffMax: time.Hour})
	ready := f.link(t, "acct-ready", "tok")
	awaiting := f.link(t, "acct-awaiting", "")
	down := f.link(t, "acct-down", adaptertest.TokenUnreached)
	inactive := f.link(t, "acct-inactive", "tok")
	inactive.IsActive = false

	report := f.registry.PreloadAll(context.Background(), []credential.Credential{ready, awaiting, down, inactive})

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Ready)
	assert.Equal(t, 1, report.AwaitingInput)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 0, report.Failed)
	assert.Contains(t, report.Errors, "acct-down")
	assert.NotContains(t, report.Errors, "acct-awaiting")
}

func TestRegistry_ConstructionFailureIsRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	cred := f.link(t, "acct-1", "tok")
	f.factory.FailConstruction("acct-1", errors.New("boom"))

	report := f.registry.PreloadAll(context.Background(), []credential.Credential{cred})
	assert.Equal(t, 1, report.Failed)

	snaps := f.registry.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, ReasonConstructionFailed, snaps[0].Auth.Reason)
	assert.False(t, snaps[0].Healthy)
}

func TestRegistry_TeardownIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "tok")

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)

	require.NoError(t, f.registry.Teardown(context.Background(), "acct-1"))
	require.NoError(t, f.registry.Teardown(context.Background(), "acct-1"))
	require.NoError(t, f.registry.Teardown(context.Background(), "never-linked"))

	assert.Empty(t, f.registry.Snapshot())
	assert.Equal(t, 1, f.factory.Latest("acct-1").Disconnects())
	assert.Equal(t, 1, f.router.detached["acct-1"])
}

func TestRegistry_EndToEndReconnect(t *testing.T) {
	f := newFixture(t, Config{})
	cred := f.link(t, "acct-1", "tok-abc")

	report := f.registry.PreloadAll(context.Background(), []credential.Credential{cred})
	require.Equal(t, 1, report.Ready)

	first, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
	again, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, f.factory.Connects())

	oldAdapter := f.factory.Latest("acct-1")
	oldAdapter.Drop()

	second, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Greater(t, second.Generation(), first.Generation())
	assert.Equal(t, 2, f.factory.Connects())
	assert.Equal(t, 1, oldAdapter.Disconnects())

	snaps := f.registry.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "ready", snaps[0].Auth.State)
	assert.Equal(t, second.Generation(), snaps[0].Generation)
	assert.True(t, snaps[0].Healthy)

	// the stale handle refuses to send through the dropped adapter
	_, err = first.Send(context.Background(), entities.OutboundMessage{Recipient: "chat", Text: "hi"})
	require.ErrorIs(t, err, sessionerrors.ErrStaleHandle)

	sent, err := second.Send(context.Background(), entities.OutboundMessage{Recipient: "chat", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ExternalID)
}

func TestRegistry_FatalStoredSecretNeedsReset(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", adaptertest.TokenRejected)

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	require.ErrorIs(t, err, sessionerrors.ErrUnrecoverable)

	_, err = f.registry.Ensure(context.Background(), "acct-1")
	require.ErrorIs(t, err, sessionerrors.ErrUnrecoverable)
	assert.Equal(t, 1, f.factory.Connects(), "failed sessions are not retried automatically")
	assert.Equal(t, 1, f.factory.Latest("acct-1").Disconnects())

	_, err = f.registry.SubmitAuthInput(context.Background(), "acct-1", entities.StepToken, "tok-new")
	require.ErrorIs(t, err, sessionerrors.ErrUnrecoverable)

	f.relink(t, "acct-1", "tok-new")

	h, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", h.AccountKey())
}

func TestRegistry_AwaitingInputFlow(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "")

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	var authRequired *sessionerrors.AuthRequiredError
	require.ErrorAs(t, err, &authRequired)
	assert.Equal(t, entities.Awaiting{Step: entities.StepToken}, authRequired.State)

	state, err := f.registry.SubmitAuthInput(context.Background(), "acct-1", entities.StepToken, adaptertest.TokenMistyped)
	var authErr *sessionerrors.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Retryable)
	assert.Equal(t, entities.Awaiting{Step: entities.StepToken}, state)

	state, err = f.registry.SubmitAuthInput(context.Background(), "acct-1", entities.StepToken, "tok-fresh")
	require.NoError(t, err)
	assert.Equal(t, entities.Ready{}, state)

	// the accepted token is stored sealed, never in plaintext
	stored, err := f.store.FindByAccountKey(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.NotEqual(t, "tok-fresh", stored.Secrets[credential.SecretToken])
	plaintext, err := f.vault.Decrypt(stored.Secrets[credential.SecretToken])
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", plaintext)

	_, err = f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.factory.Connects())
}

func TestRegistry_SubmitWithoutSession(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.registry.SubmitAuthInput(context.Background(), "missing", entities.StepToken, "tok")
	require.ErrorIs(t, err, sessionerrors.ErrSessionNotFound)
}

func TestRegistry_ConnectBackoff(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: time.Minute, BackoffMax: time.Hour})
	f.link(t, "acct-1", adaptertest.TokenUnreached)

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	var connErr *sessionerrors.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, time.Minute, connErr.RetryAfter)

	_, err = f.registry.Ensure(context.Background(), "acct-1")
	require.ErrorAs(t, err, &connErr)
	assert.Greater(t, connErr.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, f.factory.Connects(), "no connect while backing off")
	assert.Empty(t, f.registry.Snapshot())

	f.relink(t, "acct-1", "tok")
	_, err = f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
}

func TestRegistry_CallerMayAbandonEnsure(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "tok")

	release := f.factory.Block()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.registry.Ensure(ctx, "acct-1")
		done <- err
	}()

	require.Eventually(t, func() bool { return f.factory.Connects() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// the abandoned attempt still completes and serves the next caller
	release()
	require.Eventually(t, func() bool {
		snaps := f.registry.Snapshot()
		return len(snaps) == 1 && snaps[0].Auth.State == "ready"
	}, time.Second, 5*time.Millisecond)

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.factory.Connects())
}

func TestRegistry_EnsureUnknownAccount(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.registry.Ensure(context.Background(), "missing")
	require.ErrorIs(t, err, credentialerrors.ErrCredentialNotFound)
}

func TestRegistry_EnsureUnsupportedNetwork(t *testing.T) {
	f := newFixture(t, Config{})
	cred := &credential.Credential{AccountKey: "mail-1", Network: credential.NetworkEmail, IsActive: true, Secrets: map[string]string{}}
	require.NoError(t, f.store.Save(context.Background(), cred))

	_, err := f.registry.Ensure(context.Background(), "mail-1")
	require.ErrorIs(t, err, sessionerrors.ErrUnsupportedNetwork)
}

func TestRegistry_EventsReachRouter(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "tok")

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)

	f.factory.Latest("acct-1").Emit("hello")
	f.factory.Latest("acct-1").Emit("world")

	f.router.mu.Lock()
	defer f.router.mu.Unlock()
	events := f.router.events["acct-1"]
	require.Len(t, events, 2)
	assert.Equal(t, entities.TextContent{Text: "hello"}, events[0].Message.Content)
	assert.Equal(t, entities.TextContent{Text: "world"}, events[1].Message.Content)
}

func TestRegistry_Webhook(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "tok")

	_, err := f.registry.Webhook("acct-1")
	require.ErrorIs(t, err, sessionerrors.ErrSessionNotFound)

	_, err = f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)

	receiver, err := f.registry.Webhook("acct-1")
	require.NoError(t, err)
	require.NoError(t, receiver.ReceiveWebhook(context.Background(), []byte("pushed")))
	assert.Len(t, f.router.events["acct-1"], 1)
}

func TestRegistry_Shutdown(t *testing.T) {
	f := newFixture(t, Config{ShutdownTimeout: time.Second})
	f.link(t, "acct-1", "tok")
	f.link(t, "acct-2", "tok")

	for _, key := range []string{"acct-1", "acct-2"} {
		_, err := f.registry.Ensure(context.Background(), key)
		require.NoError(t, err)
	}

	require.NoError(t, f.registry.Shutdown(context.Background()))
	assert.Empty(t, f.registry.Snapshot())
	assert.Equal(t, 1, f.factory.Latest("acct-1").Disconnects())
	assert.Equal(t, 1, f.factory.Latest("acct-2").Disconnects())

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	require.ErrorIs(t, err, sessionerrors.ErrShuttingDown)
}

func TestRegistry_SweepHealthReconnectsDroppedSessions(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "tok")

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
	f.factory.Latest("acct-1").Drop()

	f.registry.SweepHealth(context.Background())

	require.Eventually(t, func() bool { return f.factory.Connects() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		snaps := f.registry.Snapshot()
		return len(snaps) == 1 && snaps[0].Healthy
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_AwaitingSessionKeptAcrossEnsure(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "")

	for i := 0; i < 3; i++ {
		_, err := f.registry.Ensure(context.Background(), "acct-1")
		var authRequired *sessionerrors.AuthRequiredError
		require.ErrorAs(t, err, &authRequired)
	}

	assert.Equal(t, 1, f.factory.Connects())
	require.Len(t, f.factory.Adapters("acct-1"), 1)
	assert.Equal(t, 0, f.factory.Latest("acct-1").Disconnects())
	assert.Equal(t, 0, f.router.detachCount("acct-1"))
}

func TestRegistry_AwaitingBotSessionKeptAcrossEnsure(t *testing.T) {
	f := newFixture(t, Config{})
	reg := f.build(Config{}, nil, gateway.NewFactory("", nil, zerolog.Nop()))
	f.link(t, "bot-1", "")

	var generation uint64
	for i := 0; i < 3; i++ {
		_, err := reg.Ensure(context.Background(), "bot-1")
		var authRequired *sessionerrors.AuthRequiredError
		require.ErrorAs(t, err, &authRequired)
		assert.Equal(t, entities.Awaiting{Step: entities.StepToken}, authRequired.State)

		snaps := reg.Snapshot()
		require.Len(t, snaps, 1)
		assert.True(t, snaps[0].Healthy)
		if i == 0 {
			generation = snaps[0].Generation
		}
		assert.Equal(t, generation, snaps[0].Generation)
	}

	assert.Equal(t, 0, f.router.detachCount("bot-1"))
	require.NoError(t, reg.Teardown(context.Background(), "bot-1"))
}

func TestRegistry_AwaitingSessionRebuiltAfterConnectionLoss(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "")

	var authRequired *sessionerrors.AuthRequiredError
	_, err := f.registry.Ensure(context.Background(), "acct-1")
	require.ErrorAs(t, err, &authRequired)

	old := f.factory.Latest("acct-1")
	old.Drop()

	_, err = f.registry.Ensure(context.Background(), "acct-1")
	require.ErrorAs(t, err, &authRequired)
	assert.Equal(t, 2, f.factory.Connects())
	assert.Equal(t, 1, old.Disconnects())
}

func TestRegistry_SweepHealthRenewsLiveLeases(t *testing.T) {
	f := newFixture(t, Config{})
	lease := newScriptedLease()
	reg := f.build(Config{}, lease, f.factory)
	f.link(t, "ready-1", "tok")
	f.link(t, "waiting-1", "")

	_, err := reg.Ensure(context.Background(), "ready-1")
	require.NoError(t, err)
	_, err = reg.Ensure(context.Background(), "waiting-1")
	var authRequired *sessionerrors.AuthRequiredError
	require.ErrorAs(t, err, &authRequired)

	reg.SweepHealth(context.Background())

	renewals, _ := lease.counts("ready-1")
	assert.Equal(t, 1, renewals)
	renewals, _ = lease.counts("waiting-1")
	assert.Equal(t, 1, renewals)
	assert.Len(t, reg.Snapshot(), 2)
}

func TestRegistry_SweepHealthDropsSessionsWithLostLease(t *testing.T) {
	f := newFixture(t, Config{})
	lease := newScriptedLease()
	reg := f.build(Config{}, lease, f.factory)
	f.link(t, "ready-1", "tok")
	f.link(t, "waiting-1", "")

	_, err := reg.Ensure(context.Background(), "ready-1")
	require.NoError(t, err)
	_, err = reg.Ensure(context.Background(), "waiting-1")
	var authRequired *sessionerrors.AuthRequiredError
	require.ErrorAs(t, err, &authRequired)

	lease.lose("ready-1")
	lease.lose("waiting-1")
	reg.SweepHealth(context.Background())

	assert.Empty(t, reg.Snapshot())
	for _, key := range []string{"ready-1", "waiting-1"} {
		assert.Equal(t, 1, f.factory.Latest(key).Disconnects(), key)
		assert.Equal(t, 1, f.router.detachCount(key), key)
		_, released := lease.counts(key)
		assert.Equal(t, 1, released, key)
	}
	assert.Equal(t, 2, f.factory.Connects(), "a lost lease is not reconnected")
}

func TestRegistry_ShutdownDuringConnect(t *testing.T) {
	f := newFixture(t, Config{})
	lease := newScriptedLease()
	release := lease.holdAcquire()
	reg := f.build(Config{ShutdownTimeout: time.Second}, lease, f.factory)
	f.link(t, "acct-1", "tok")

	done := make(chan error, 1)
	go func() {
		_, err := reg.Ensure(context.Background(), "acct-1")
		done <- err
	}()

	// the connect is past its closed check and waiting on the lease
	<-lease.acquiring
	require.NoError(t, reg.Shutdown(context.Background()))
	release()

	require.ErrorIs(t, <-done, sessionerrors.ErrShuttingDown)
	assert.Empty(t, reg.Snapshot())
	assert.Equal(t, 0, f.factory.Connects())
	require.Len(t, f.factory.Adapters("acct-1"), 1)
	assert.Equal(t, 1, f.factory.Latest("acct-1").Disconnects())
	_, released := lease.counts("acct-1")
	assert.Equal(t, 1, released)
}

func TestRegistry_KeyLocksArePruned(t *testing.T) {
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "tok")
	f.link(t, "acct-2", "")

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	require.NoError(t, err)
	_, _ = f.registry.Ensure(context.Background(), "acct-2")
	require.NoError(t, f.registry.Teardown(context.Background(), "acct-1"))

	f.registry.mu.RLock()
	defer f.registry.mu.RUnlock()
	assert.Empty(t, f.registry.keyLocks)
}

func TestRegistry_RotateRefusesWritesFromReplacedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.link(t, "acct-1", "")

	_, err := f.registry.Ensure(ctx, "acct-1")
	var authRequired *sessionerrors.AuthRequiredError
	require.ErrorAs(t, err, &authRequired)
	old := f.factory.Latest("acct-1")

	sealed, err := f.vault.Encrypt("tok-rotated")
	require.NoError(t, err)
	require.NoError(t, f.registry.Rotate(ctx, "acct-1", func(ctx context.Context) error {
		cred, err := f.store.FindByAccountKey(ctx, "acct-1")
		if err != nil {
			return err
		}
		cred.Secrets = map[string]string{credential.SecretToken: sealed}
		return f.store.Save(ctx, cred)
	}))
	assert.Equal(t, 1, old.Disconnects())
	assert.Empty(t, f.registry.Snapshot())

	// the old adapter still holds its writer
	_, err = old.SubmitAuthInput(ctx, entities.StepToken, "tok-old")
	require.ErrorIs(t, err, sessionerrors.ErrStaleHandle)

	stored, err := f.store.FindByAccountKey(ctx, "acct-1")
	require.NoError(t, err)
	plaintext, err := f.vault.Decrypt(stored.Secrets[credential.SecretToken])
	require.NoError(t, err)
	assert.Equal(t, "tok-rotated", plaintext)

	h, err := f.registry.Ensure(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", h.AccountKey())
}

func TestRegistry_RotateFailureKeepsBackoff(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: time.Minute, BackoffMax: time.Hour})
	f.link(t, "acct-1", adaptertest.TokenUnreached)

	_, err := f.registry.Ensure(context.Background(), "acct-1")
	var connErr *sessionerrors.ConnectError
	require.ErrorAs(t, err, &connErr)

	boom := errors.New("db down")
	require.ErrorIs(t, f.registry.Rotate(context.Background(), "acct-1", func(context.Context) error { return boom }), boom)

	wait, _ := f.registry.backoffRemaining("acct-1")
	assert.Greater(t, wait, time.Duration(0))
}
