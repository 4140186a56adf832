// Package router moves adapter events to the downstream sink without
// letting a slow sink stall any adapter.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

const (
	defaultBuffer  = 256
	handleTimeout  = 10 * time.Second
	dropBufferFull = "buffer_full"
	dropClosed     = "route_closed"
)

// route is one account's bounded queue and its consumer
type route struct {
	accountKey string
	network    credential.Network
	events     chan entities.Event

	mu     sync.RWMutex
	closed bool
}

// push never blocks; it reports the drop reason when the event is not queued
func (rt *route) push(ev entities.Event) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if rt.closed {
		return dropClosed, false
	}
	select {
	case rt.events <- ev:
		return "", true
	default:
		return dropBufferFull, false
	}
}

func (rt *route) close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.closed {
		rt.closed = true
		close(rt.events)
	}
}

// Router owns one route per attached account
type Router struct {
	sink    deps.EventSink
	buffer  int
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	routes map[string]*route
	closed bool
	wg     sync.WaitGroup
}

var _ deps.EventRouter = (*Router)(nil)

// New creates a router delivering to sink
func New(sink deps.EventSink, buffer int, m *metrics.Metrics, logger zerolog.Logger) *Router {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if m == nil {
		m = metrics.GetDefaultMetrics()
	}
	return &Router{
		sink:    sink,
		buffer:  buffer,
		metrics: m,
		logger:  logger.With().Str("component", "event_router").Logger(),
		routes:  make(map[string]*route),
	}
}

// Attach opens a route for accountKey, closing any previous one, and
// returns the callback the adapter subscribes with. Events passing through
// the callback are stamped with accountKey.
func (r *Router) Attach(accountKey string, network credential.Network) deps.EventHandler {
	rt := &route{
		accountKey: accountKey,
		network:    network,
		events:     make(chan entities.Event, r.buffer),
	}

	r.mu.Lock()
	if r.closed {
		rt.closed = true
	} else {
		if old, ok := r.routes[accountKey]; ok {
			old.close()
		}
		r.routes[accountKey] = rt
		r.wg.Add(1)
		go r.consume(rt)
	}
	r.mu.Unlock()

	return func(ev entities.Event) {
		ev.AccountKey = rt.accountKey
		ev.Network = rt.network
		if reason, ok := rt.push(ev); !ok {
			r.metrics.RecordEventDropped(string(rt.network), reason)
			r.logger.Warn().
				Str("account_key", rt.accountKey).
				Str("reason", reason).
				Str("kind", string(ev.Kind)).
				Msg("Event dropped")
		}
	}
}

// Detach closes the route; events already queued are still delivered
func (r *Router) Detach(accountKey string) {
	r.mu.Lock()
	rt, ok := r.routes[accountKey]
	if ok {
		delete(r.routes, accountKey)
	}
	r.mu.Unlock()

	if ok {
		rt.close()
	}
}

// Close closes every route and waits for queued events to drain
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	routes := r.routes
	r.routes = make(map[string]*route)
	r.mu.Unlock()

	for _, rt := range routes {
		rt.close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event router drain: %w", ctx.Err())
	}
}

// Routes returns the number of open routes
func (r *Router) Routes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

func (r *Router) consume(rt *route) {
	defer r.wg.Done()

	for ev := range rt.events {
		r.deliver(rt, ev)
	}
}

func (r *Router) deliver(rt *route, ev entities.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RecordEventSinkError()
			r.logger.Error().
				Str("account_key", rt.accountKey).
				Interface("panic", rec).
				Msg("Event sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if err := r.sink.Handle(ctx, rt.accountKey, ev); err != nil {
		r.metrics.RecordEventSinkError()
		r.logger.Error().
			Err(err).
			Str("account_key", rt.accountKey).
			Str("kind", string(ev.Kind)).
			Msg("Failed to hand event to sink")
		return
	}
	r.metrics.RecordEventRouted(string(rt.network), string(ev.Kind))
}
