package session

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
	credentialdeps "github.com/Conte777/connector-service/internal/domain/credential/deps"
	sessionhttp "github.com/Conte777/connector-service/internal/domain/session/delivery/http"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/registry"
	"github.com/Conte777/connector-service/internal/domain/session/router"
	"github.com/Conte777/connector-service/internal/domain/session/usecase/business"
	"github.com/Conte777/connector-service/internal/domain/session/workers"
	"github.com/Conte777/connector-service/internal/infrastructure/http/server"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
	"github.com/Conte777/connector-service/internal/infrastructure/vault"
)

// Module provides the client registry, event router and session API for fx DI
var Module = fx.Module("session",
	fx.Provide(
		NewRouterFx,
		NewRegistryFx,
		func(r *registry.Registry) deps.SessionRegistry { return r },
		func(r *registry.Registry) deps.SessionSupervisor { return r },
		func(r *registry.Registry) credentialdeps.SessionLifecycle { return r },
		business.NewUseCase,
		sessionhttp.NewSessionHandler,
		sessionhttp.NewRouter,
	),
	workers.Module,
	fx.Invoke(RegisterRoutes),
)

// NewRouterFx creates the event router and drains it on stop
func NewRouterFx(
	lc fx.Lifecycle,
	sink deps.EventSink,
	cfg *config.RegistryConfig,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *router.Router {
	r := router.New(sink, cfg.RouterBuffer, m, logger)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return r.Close(ctx)
		},
	})

	return r
}

// RegistryParams defines registry dependencies. Lease is nil without Redis.
type RegistryParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.RegistryConfig
	Networks  *config.NetworksConfig
	Store     credentialdeps.CredentialStore
	Vault     *vault.Vault
	Factories []deps.AdapterFactory `group:"adapter_factories"`
	Router    *router.Router
	Lease     deps.SessionLease `optional:"true"`
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// NewRegistryFx creates the client registry for the enabled networks and
// tears every session down on stop
func NewRegistryFx(p RegistryParams) *registry.Registry {
	factories := make([]deps.AdapterFactory, 0, len(p.Factories))
	for _, f := range p.Factories {
		if !p.Networks.Has(string(f.Network())) {
			continue
		}
		factories = append(factories, f)
		p.Logger.Info().Str("network", string(f.Network())).Msg("Network adapter enabled")
	}

	r := registry.New(registry.Config{
		ConnectTimeout:  p.Config.ConnectTimeout,
		ShutdownTimeout: p.Config.ShutdownTimeout,
		BackoffBase:     p.Config.BackoffBase,
		BackoffMax:      p.Config.BackoffMax,
		MaxConcurrent:   p.Config.MaxConcurrent,
	}, registry.Deps{
		Store:     p.Store,
		Cipher:    p.Vault,
		Factories: factories,
		Router:    p.Router,
		Lease:     p.Lease,
		Metrics:   p.Metrics,
		Logger:    p.Logger,
	})

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return r.Shutdown(ctx)
		},
	})

	return r
}

// RegisterRoutes registers session routes on the server
func RegisterRoutes(srv *server.Server, r *sessionhttp.Router) {
	r.RegisterRoutes(srv.API())
}
