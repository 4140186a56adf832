package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
	"github.com/Conte777/connector-service/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the connector server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// runServe blocks until SIGINT or SIGTERM
func runServe() error {
	fxApp := fx.New(
		app.CreateApp(),
		fx.Invoke(announce),
	)
	if err := fxApp.Err(); err != nil {
		return err
	}

	fxApp.Run()
	return nil
}

func announce(lc fx.Lifecycle, cfg *config.Config, logger zerolog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info().
				Str("service", cfg.Service.Name).
				Str("port", cfg.Service.Port).
				Strs("networks", cfg.Networks.Enabled).
				Str("version", Version).
				Msg("Connector service initialized successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info().Msg("Shutting down connector service...")
			return nil
		},
	})
}
