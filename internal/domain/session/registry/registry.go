// Package registry owns the live client sessions of every linked account.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	credentialdeps "github.com/Conte777/connector-service/internal/domain/credential/deps"
	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	credentialerrors "github.com/Conte777/connector-service/internal/domain/credential/errors"
	"github.com/Conte777/connector-service/internal/domain/session/authflow"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

// Failure reasons recorded on sessions that never reached an adapter connect
const (
	ReasonDecryptionFailed   = "decryption_failed"
	ReasonConstructionFailed = "adapter_construction_failed"
)

// Config holds registry tuning
type Config struct {
	ConnectTimeout  time.Duration
	ShutdownTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxConcurrent   int
}

// Deps holds registry collaborators. Lease and Metrics are optional.
type Deps struct {
	Store     credentialdeps.CredentialStore
	Cipher    deps.Cipher
	Factories []deps.AdapterFactory
	Router    deps.EventRouter
	Lease     deps.SessionLease
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// connectFailure tracks backoff state after transient connect errors
type connectFailure struct {
	policy *backoff.ExponentialBackOff
	until  time.Time
	err    error
}

// keyLock serializes lifecycle changes of one account. It is dropped from
// the registry once nobody holds or waits for it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Registry maps account keys to live sessions.
// Same-key initialization is single-flight; different keys never wait on each other.
type Registry struct {
	cfg       Config
	store     credentialdeps.CredentialStore
	cipher    deps.Cipher
	factories map[credential.Network]deps.AdapterFactory
	router    deps.EventRouter
	lease     deps.SessionLease
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*liveSession
	failures map[string]*connectFailure
	keyLocks map[string]*keyLock
	closed   bool

	flights    singleflight.Group
	generation atomic.Uint64
	secretsMu  sync.Mutex
}

var _ deps.SessionRegistry = (*Registry)(nil)

// New creates an empty registry
func New(cfg Config, d Deps) *Registry {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}

	factories := make(map[credential.Network]deps.AdapterFactory, len(d.Factories))
	for _, f := range d.Factories {
		factories[f.Network()] = f
	}

	lease := d.Lease
	if lease == nil {
		lease = localLease{}
	}
	m := d.Metrics
	if m == nil {
		m = metrics.GetDefaultMetrics()
	}

	return &Registry{
		cfg:       cfg,
		store:     d.Store,
		cipher:    d.Cipher,
		factories: factories,
		router:    d.Router,
		lease:     lease,
		metrics:   m,
		logger:    d.Logger.With().Str("component", "registry").Logger(),
		sessions:  make(map[string]*liveSession),
		failures:  make(map[string]*connectFailure),
		keyLocks:  make(map[string]*keyLock),
	}
}

// Ensure returns the handle of a healthy session, connecting or reconnecting when needed.
// A caller whose ctx ends stops waiting; the connect attempt itself continues.
func (r *Registry) Ensure(ctx context.Context, accountKey string) (deps.Handle, error) {
	if s := r.get(accountKey); s != nil {
		if h, err, settled := r.classify(s); settled {
			return h, err
		}
	}

	ch := r.flights.DoChan(accountKey, func() (interface{}, error) {
		return r.establish(accountKey, nil)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(deps.Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify resolves a session without I/O. settled is false when the
// session must be (re)connected.
func (r *Registry) classify(s *liveSession) (deps.Handle, error, bool) {
	switch st := s.machine.State().(type) {
	case entities.Failed:
		return nil, sessionerrors.Unrecoverable(s.accountKey, st.Reason), true
	case entities.Uninitialized:
		return nil, nil, false
	case entities.Awaiting:
		if !s.isHealthy() {
			return nil, nil, false
		}
		return nil, &sessionerrors.AuthRequiredError{AccountKey: s.accountKey, State: st}, true
	case entities.Ready:
		if !s.isHealthy() {
			return nil, nil, false
		}
		return s.handle, nil, true
	}
	return nil, nil, false
}

// establish runs inside the single flight for accountKey.
// cred is nil when the credential must be loaded from the store.
func (r *Registry) establish(accountKey string, cred *credential.Credential) (deps.Handle, error) {
	defer r.lockKey(accountKey)()

	if r.isClosed() {
		return nil, sessionerrors.ErrShuttingDown
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnectTimeout)
	defer cancel()

	if old := r.get(accountKey); old != nil {
		if h, err, settled := r.classify(old); settled {
			return h, err
		}
		if _, ok := old.machine.State().(entities.Uninitialized); !ok {
			r.metrics.RecordReconnection(string(old.network))
			r.logger.Info().
				Str("account_key", accountKey).
				Uint64("generation", old.generation).
				Msg("Session unhealthy, replacing")
		}
		r.remove(ctx, old)
	}

	if wait, lastErr := r.backoffRemaining(accountKey); wait > 0 {
		return nil, &sessionerrors.ConnectError{AccountKey: accountKey, RetryAfter: wait, Err: lastErr}
	}

	if cred == nil {
		stored, err := r.store.FindByAccountKey(ctx, accountKey)
		if err != nil {
			return nil, err
		}
		cred = stored
	}
	if !cred.IsActive {
		return nil, fmt.Errorf("%w: account %s is inactive", credentialerrors.ErrCredentialNotFound, accountKey)
	}

	return r.start(ctx, cred)
}

// start builds and connects a new session. The caller holds the key lock
// and has removed any previous session.
func (r *Registry) start(ctx context.Context, cred *credential.Credential) (deps.Handle, error) {
	key := cred.AccountKey
	logger := r.logger.With().
		Str("account_key", key).
		Str("network", string(cred.Network)).
		Logger()

	factory, ok := r.factories[cred.Network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrUnsupportedNetwork, cred.Network)
	}

	acquired, err := r.lease.Acquire(ctx, key)
	if err != nil {
		return nil, r.recordConnectFailure(key, sessionerrors.NewConnectError(key, fmt.Errorf("acquire lease: %w", err)))
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrLeaseHeld, key)
	}

	machine := authflow.New(factory.Flow())
	s := newLiveSession(cred, r.generation.Add(1), machine, r.metrics)

	secrets, err := r.decrypt(cred.Secrets)
	if err != nil {
		logger.Error().Err(err).Msg("Stored secrets cannot be decrypted")
		return nil, r.failSession(ctx, s, ReasonDecryptionFailed)
	}

	adapter, err := factory.New(deps.AdapterConfig{
		AccountKey: key,
		Logger:     logger,
		Secrets:    &secretWriter{registry: r, accountKey: key, session: s},
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to construct adapter")
		return nil, r.failSession(ctx, s, ReasonConstructionFailed)
	}
	s.adapter = adapter
	if r.router != nil {
		adapter.Subscribe(r.router.Attach(key, cred.Network))
	}
	if !r.put(s) {
		r.release(ctx, s)
		return nil, sessionerrors.ErrShuttingDown
	}

	decrypted := entities.DecryptedCredential{
		AccountKey:  key,
		Network:     cred.Network,
		OwnerID:     cred.OwnerID,
		DisplayName: cred.DisplayName,
		Secrets:     secrets,
	}

	startedAt := time.Now()
	state, err := machine.Begin(ctx, func(ctx context.Context) (entities.AuthState, error) {
		return adapter.Connect(ctx, decrypted)
	})
	elapsed := time.Since(startedAt).Seconds()

	switch st := state.(type) {
	case entities.Ready:
		r.clearFailure(key)
		s.markConnected(time.Now())
		r.metrics.RecordConnect(string(cred.Network), "ready", elapsed)
		logger.Info().Uint64("generation", s.generation).Msg("Session ready")
		return s.handle, nil

	case entities.Awaiting:
		r.clearFailure(key)
		r.metrics.RecordConnect(string(cred.Network), "awaiting_input", elapsed)
		logger.Info().Str("step", string(st.Step)).Msg("Session awaiting auth input")
		return nil, &sessionerrors.AuthRequiredError{AccountKey: key, State: st}

	case entities.Failed:
		r.metrics.RecordConnect(string(cred.Network), "failed", elapsed)
		logger.Warn().Err(err).Str("reason", st.Reason).Msg("Stored secrets rejected, session failed")
		r.release(ctx, s)
		return nil, sessionerrors.Unrecoverable(key, st.Reason)
	}

	// still Uninitialized: a transient failure, nothing is kept
	r.metrics.RecordConnect(string(cred.Network), "connect_error", elapsed)
	r.remove(ctx, s)

	var connErr *sessionerrors.ConnectError
	if !errors.As(err, &connErr) {
		connErr = sessionerrors.NewConnectError(key, err)
	}
	connErr = r.recordConnectFailure(key, connErr)
	logger.Warn().Err(err).Dur("retry_after", connErr.RetryAfter).Msg("Connect failed")
	return nil, connErr
}

// failSession records s as Failed without a live adapter
func (r *Registry) failSession(ctx context.Context, s *liveSession, reason string) error {
	s.machine.Fail(reason)
	registered := r.put(s)
	if err := r.lease.Release(ctx, s.accountKey); err != nil {
		r.logger.Warn().Err(err).Str("account_key", s.accountKey).Msg("Failed to release lease")
	}
	if !registered {
		return sessionerrors.ErrShuttingDown
	}
	return sessionerrors.Unrecoverable(s.accountKey, reason)
}

// SubmitAuthInput forwards one user input to the session's state machine
func (r *Registry) SubmitAuthInput(ctx context.Context, accountKey string, step entities.AuthStep, value string) (entities.AuthState, error) {
	s := r.get(accountKey)
	if s == nil {
		return nil, sessionerrors.ErrSessionNotFound
	}
	_, wasFailed := s.machine.State().(entities.Failed)

	state, err := s.machine.Submit(ctx, step, value, func(ctx context.Context, step entities.AuthStep, value string) (entities.AuthState, error) {
		return s.adapter.SubmitAuthInput(ctx, step, value)
	})

	var authErr *sessionerrors.AuthError
	switch {
	case err == nil:
		r.metrics.RecordAuthSubmission(string(step), "accepted")
	case errors.As(err, &authErr) && authErr.Retryable:
		r.metrics.RecordAuthSubmission(string(step), "retryable")
	default:
		r.metrics.RecordAuthSubmission(string(step), "rejected")
	}

	switch state.(type) {
	case entities.Ready:
		if err == nil {
			s.markConnected(time.Now())
			r.logger.Info().Str("account_key", accountKey).Msg("Session authorized")
		}
	case entities.Failed:
		if !wasFailed {
			r.releaseIfCurrent(ctx, s)
		}
	}

	return state, err
}

// Teardown disconnects and removes a session. A missing session is a no-op.
func (r *Registry) Teardown(ctx context.Context, accountKey string) error {
	defer r.lockKey(accountKey)()

	s := r.get(accountKey)
	if s == nil {
		return nil
	}
	r.remove(ctx, s)
	r.metrics.RecordTeardown()
	r.logger.Info().Str("account_key", accountKey).Msg("Session torn down")
	return nil
}

// Rotate tears the session down and runs apply while no session of
// accountKey can start or persist secrets, then forgets connect backoff
func (r *Registry) Rotate(ctx context.Context, accountKey string, apply func(ctx context.Context) error) error {
	defer r.lockKey(accountKey)()

	if s := r.get(accountKey); s != nil {
		r.remove(ctx, s)
		r.metrics.RecordTeardown()
	}

	r.secretsMu.Lock()
	err := apply(ctx)
	r.secretsMu.Unlock()
	if err != nil {
		return err
	}

	r.clearFailure(accountKey)
	r.logger.Info().Str("account_key", accountKey).Msg("Session secrets rotated")
	return nil
}

// Snapshot returns a sorted read-only view of all sessions
func (r *Registry) Snapshot() []entities.SessionSnapshot {
	r.mu.RLock()
	sessions := make([]*liveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]entities.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountKey < out[j].AccountKey })
	return out
}

// Webhook returns the push receiver of a ready session
func (r *Registry) Webhook(accountKey string) (deps.WebhookReceiver, error) {
	s := r.get(accountKey)
	if s == nil {
		return nil, sessionerrors.ErrSessionNotFound
	}
	if _, ok := s.machine.State().(entities.Ready); !ok {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrNotReady, entities.StateName(s.machine.State()))
	}
	receiver, ok := s.adapter.(deps.WebhookReceiver)
	if !ok {
		return nil, sessionerrors.ErrWebhookUnsupported
	}
	return receiver, nil
}

// release frees the adapter and route of a session that stays registered
func (r *Registry) release(ctx context.Context, s *liveSession) {
	if r.router != nil {
		r.router.Detach(s.accountKey)
	}
	if s.adapter != nil {
		if err := s.adapter.Disconnect(ctx); err != nil {
			r.logger.Warn().Err(err).Str("account_key", s.accountKey).Msg("Failed to disconnect adapter")
		}
	}
	if err := r.lease.Release(ctx, s.accountKey); err != nil {
		r.logger.Warn().Err(err).Str("account_key", s.accountKey).Msg("Failed to release lease")
	}
}

// releaseIfCurrent releases s unless it was replaced meanwhile, in which
// case its resources are already gone and the route belongs to the successor
func (r *Registry) releaseIfCurrent(ctx context.Context, s *liveSession) {
	defer r.lockKey(s.accountKey)()

	if r.get(s.accountKey) == s {
		r.release(ctx, s)
	}
}

// remove unregisters s and releases everything it owns
func (r *Registry) remove(ctx context.Context, s *liveSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.accountKey]; ok && cur == s {
		delete(r.sessions, s.accountKey)
	}
	r.mu.Unlock()

	r.release(ctx, s)
}

func (r *Registry) get(accountKey string) *liveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[accountKey]
}

// put registers s unless the registry is shutting down
func (r *Registry) put(s *liveSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.accountKey] = s
	return true
}

// lockKey locks accountKey and returns the matching unlock
func (r *Registry) lockKey(accountKey string) (unlock func()) {
	r.mu.Lock()
	lock, ok := r.keyLocks[accountKey]
	if !ok {
		lock = &keyLock{}
		r.keyLocks[accountKey] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.keyLocks, accountKey)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Registry) decrypt(sealed map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(sealed))
	for name, ciphertext := range sealed {
		plaintext, err := r.cipher.Decrypt(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", name, err)
		}
		out[name] = plaintext
	}
	return out, nil
}

// localLease is used when no cross-instance lease is configured
type localLease struct{}

func (localLease) Acquire(context.Context, string) (bool, error) { return true, nil }
func (localLease) Renew(context.Context, string) error           { return nil }
func (localLease) Release(context.Context, string) error         { return nil }
