package workers

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
)

// Module provides session workers for fx DI
var Module = fx.Module("session-workers",
	fx.Provide(NewHealthSweeperFx),
	fx.Provide(NewPreloader),
	fx.Invoke(registerLifecycle),
)

// NewHealthSweeperFx creates the health sweeper from registry config
func NewHealthSweeperFx(supervisor deps.SessionSupervisor, cfg *config.RegistryConfig, logger zerolog.Logger) *HealthSweeper {
	return NewHealthSweeper(supervisor, cfg.HealthInterval, logger)
}

// registerLifecycle starts preload and the sweeper with the application
func registerLifecycle(lc fx.Lifecycle, p *Preloader, w *HealthSweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Start()
			return w.Start()
		},
		OnStop: func(ctx context.Context) error {
			w.Stop(ctx)
			p.Stop()
			return nil
		},
	})
}
