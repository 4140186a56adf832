package http

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/infrastructure/database"
	"github.com/Conte777/connector-service/internal/infrastructure/http/server"
	"github.com/Conte777/connector-service/internal/infrastructure/kafka"
)

// Module provides the health endpoint for fx DI
var Module = fx.Module("health",
	fx.Provide(NewHealthHandlerFx),
	fx.Invoke(RegisterHealthRoute),
)

// NewHealthHandlerFx wires the health handler to the live components
func NewHealthHandlerFx(
	sessions deps.SessionRegistry,
	producer *kafka.EventProducer,
	db *gorm.DB,
	logger zerolog.Logger,
) *HealthHandler {
	return NewHealthHandler(sessions, producer, func(ctx context.Context) error {
		return database.Ping(ctx, db)
	}, logger.With().Str("handler", "health").Logger())
}

// RegisterHealthRoute mounts GET /health outside the API group
func RegisterHealthRoute(srv *server.Server, h *HealthHandler) {
	srv.Router.GET("/health", h.Handle)
}
