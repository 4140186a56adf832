package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

// PreloadAll brings up one session per active credential.
// Failures are recorded per account and never stop the others.
func (r *Registry) PreloadAll(ctx context.Context, creds []credential.Credential) *entities.PreloadReport {
	report := &entities.PreloadReport{
		Errors: make(map[string]error),
	}

	active := make([]credential.Credential, 0, len(creds))
	for _, c := range creds {
		if c.IsActive {
			active = append(active, c)
		}
	}
	report.Total = len(active)

	if len(active) == 0 {
		r.logger.Warn().Msg("No active credentials to preload")
		return report
	}

	r.logger.Info().
		Int("count", len(active)).
		Int("max_concurrent", r.cfg.MaxConcurrent).
		Msg("Starting session preload")

	startedAt := time.Now()

	var wg sync.WaitGroup
	var reportMu sync.Mutex
	semaphore := make(chan struct{}, r.cfg.MaxConcurrent)

	record := func(key string, err error) {
		reportMu.Lock()
		defer reportMu.Unlock()

		var authRequired *sessionerrors.AuthRequiredError
		var connErr *sessionerrors.ConnectError
		switch {
		case err == nil:
			report.Ready++
			return
		case errors.As(err, &authRequired):
			report.AwaitingInput++
			return
		case errors.As(err, &connErr), errors.Is(err, sessionerrors.ErrLeaseHeld), errors.Is(err, context.Canceled):
			report.Deferred++
		default:
			report.Failed++
		}
		report.Errors[key] = err
	}

	for i := range active {
		cred := active[i]
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				record(cred.AccountKey, ctx.Err())
				return
			}

			_, err, _ := r.flights.Do(cred.AccountKey, func() (interface{}, error) {
				return r.establish(cred.AccountKey, &cred)
			})
			record(cred.AccountKey, err)
		}()
	}

	wg.Wait()
	r.metrics.RecordPreload(time.Since(startedAt).Seconds())
	r.refreshGauges()

	r.logger.Info().
		Int("total", report.Total).
		Int("ready", report.Ready).
		Int("awaiting_input", report.AwaitingInput).
		Int("failed", report.Failed).
		Int("deferred", report.Deferred).
		Msg("Session preload completed")

	return report
}

// Shutdown tears down every session concurrently. Sessions still
// disconnecting when ShutdownTimeout elapses are abandoned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()

	r.logger.Info().Int("sessions", len(keys)).Msg("Draining sessions")

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = r.Teardown(ctx, key)
		}(key)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("All sessions drained")
		return nil
	case <-ctx.Done():
		r.logger.Warn().Int("remaining", len(r.Snapshot())).Msg("Shutdown timeout, abandoning remaining sessions")
		return ctx.Err()
	}
}

// SweepHealth refreshes cached health, renews leases of live sessions and
// starts reconnects for ready sessions whose connection dropped
func (r *Registry) SweepHealth(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*liveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	now := time.Now()
	for _, s := range sessions {
		s.markChecked(now)

		_, ready := s.machine.State().(entities.Ready)
		_, awaiting := s.machine.State().(entities.Awaiting)
		if !ready && !awaiting {
			continue
		}

		if s.isHealthy() {
			r.renewLease(ctx, s)
			continue
		}
		if !ready {
			continue
		}

		key := s.accountKey
		go func() {
			if _, err := r.Ensure(ctx, key); err != nil {
				r.logger.Debug().Err(err).Str("account_key", key).Msg("Background reconnect did not complete")
			}
		}()
	}

	r.refreshGauges()
}

// renewLease extends the lease of s and drops s when another instance owns it
func (r *Registry) renewLease(ctx context.Context, s *liveSession) {
	err := r.lease.Renew(ctx, s.accountKey)
	switch {
	case err == nil:
		return
	case !errors.Is(err, sessionerrors.ErrLeaseHeld):
		r.logger.Warn().Err(err).Str("account_key", s.accountKey).Msg("Failed to renew lease")
		return
	}

	unlock := r.lockKey(s.accountKey)
	defer unlock()
	if r.get(s.accountKey) != s {
		return
	}

	r.remove(ctx, s)
	r.metrics.RecordLeaseLost(string(s.network))
	r.metrics.RecordTeardown()
	r.logger.Warn().
		Err(err).
		Str("account_key", s.accountKey).
		Uint64("generation", s.generation).
		Msg("Lease taken by another instance, session dropped")
}

func (r *Registry) refreshGauges() {
	counts := make(map[string]map[string]int)
	for _, snap := range r.Snapshot() {
		network := string(snap.Network)
		if counts[network] == nil {
			counts[network] = make(map[string]int)
		}
		counts[network][snap.Auth.State]++
	}
	r.metrics.SetSessionStates(counts)
}

// backoffRemaining returns how long the key must wait before the next connect
func (r *Registry) backoffRemaining(accountKey string) (time.Duration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.failures[accountKey]
	if !ok {
		return 0, nil
	}
	wait := time.Until(f.until)
	if wait <= 0 {
		return 0, nil
	}
	return wait, f.err
}

// recordConnectFailure schedules exponential backoff and annotates err with it
func (r *Registry) recordConnectFailure(accountKey string, err *sessionerrors.ConnectError) *sessionerrors.ConnectError {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.failures[accountKey]
	if !ok {
		f = &connectFailure{policy: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(r.cfg.BackoffBase),
			backoff.WithMaxInterval(r.cfg.BackoffMax),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxElapsedTime(0),
		)}
		r.failures[accountKey] = f
	}

	delay := f.policy.NextBackOff()
	if err.RetryAfter > delay {
		delay = err.RetryAfter
	}

	f.until = time.Now().Add(delay)
	f.err = err.Err
	err.RetryAfter = delay
	return err
}

func (r *Registry) clearFailure(accountKey string) {
	r.mu.Lock()
	delete(r.failures, accountKey)
	r.mu.Unlock()
}
