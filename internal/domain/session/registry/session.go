package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/authflow"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

// liveSession is the registry's record for one account.
// adapter is nil when the session failed before an adapter existed.
type liveSession struct {
	accountKey  string
	network     credential.Network
	ownerID     string
	displayName string
	generation  uint64

	adapter deps.Adapter
	machine *authflow.Machine
	handle  *handle

	mu              sync.Mutex
	connectedSince  time.Time
	lastHealthCheck time.Time
}

func newLiveSession(cred *credential.Credential, generation uint64, machine *authflow.Machine, m *metrics.Metrics) *liveSession {
	s := &liveSession{
		accountKey:  cred.AccountKey,
		network:     cred.Network,
		ownerID:     cred.OwnerID,
		displayName: cred.DisplayName,
		generation:  generation,
		machine:     machine,
	}
	s.handle = &handle{session: s, metrics: m}
	return s
}

// isHealthy reports cached liveness. A session without an adapter is never healthy.
func (s *liveSession) isHealthy() bool {
	if s.adapter == nil {
		return false
	}
	return s.adapter.IsHealthy()
}

func (s *liveSession) markConnected(now time.Time) {
	s.mu.Lock()
	s.connectedSince = now
	s.lastHealthCheck = now
	s.mu.Unlock()
}

func (s *liveSession) markChecked(now time.Time) {
	s.mu.Lock()
	s.lastHealthCheck = now
	s.mu.Unlock()
}

func (s *liveSession) snapshot() entities.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := entities.SessionSnapshot{
		AccountKey:  s.accountKey,
		Network:     s.network,
		OwnerID:     s.ownerID,
		DisplayName: s.displayName,
		Auth:        entities.ViewOf(s.machine.State()),
		Healthy:     s.isHealthy(),
		Generation:  s.generation,
	}
	if !s.connectedSince.IsZero() {
		t := s.connectedSince
		snap.ConnectedSince = &t
	}
	if !s.lastHealthCheck.IsZero() {
		t := s.lastHealthCheck
		snap.LastHealthCheck = &t
	}
	return snap
}

// handle is returned by Ensure; repeated ensures of a healthy session return the same handle
type handle struct {
	session *liveSession
	metrics *metrics.Metrics
}

var _ deps.Handle = (*handle)(nil)

func (h *handle) AccountKey() string { return h.session.accountKey }

func (h *handle) Generation() uint64 { return h.session.generation }

// Send fails once the session behind the handle has left Ready
func (h *handle) Send(ctx context.Context, msg entities.OutboundMessage) (*entities.SentMessage, error) {
	s := h.session
	if _, ok := s.machine.State().(entities.Ready); !ok {
		return nil, fmt.Errorf("%w: %s", sessionerrors.ErrNotReady, entities.StateName(s.machine.State()))
	}
	if s.adapter == nil || !s.adapter.IsHealthy() {
		return nil, sessionerrors.ErrStaleHandle
	}

	sent, err := s.adapter.Send(ctx, msg)
	if err != nil {
		h.metrics.RecordSend(string(s.network), "error")
		return nil, err
	}
	h.metrics.RecordSend(string(s.network), "ok")
	return sent, nil
}
