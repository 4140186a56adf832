// Package adapters registers one adapter factory per supported network
package adapters

import (
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/infrastructure/business"
	"github.com/Conte777/connector-service/internal/infrastructure/email"
	"github.com/Conte777/connector-service/internal/infrastructure/gateway"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
	"github.com/Conte777/connector-service/internal/infrastructure/mtproto"
)

const factoryGroup = `group:"adapter_factories"`

// Module provides adapter factories for fx DI.
// The registry keeps only the networks enabled in CONNECTOR_NETWORKS.
var Module = fx.Module("adapters",
	fx.Provide(
		asFactory(NewMTProtoFactory),
		asFactory(NewGatewayFactory),
		asFactory(NewEmailFactory),
		asFactory(NewBusinessFactory),
	),
)

func asFactory(constructor interface{}) interface{} {
	return fx.Annotate(
		constructor,
		fx.As(new(deps.AdapterFactory)),
		fx.ResultTags(factoryGroup),
	)
}

// NewMTProtoFactory creates the Telegram user account factory
func NewMTProtoFactory(cfg *config.TelegramConfig, m *metrics.Metrics, logger zerolog.Logger) *mtproto.Factory {
	return mtproto.NewFactory(cfg, m, logger)
}

// NewGatewayFactory creates the Telegram bot factory
func NewGatewayFactory(cfg *config.TelegramConfig, m *metrics.Metrics, logger zerolog.Logger) *gateway.Factory {
	return gateway.NewFactory(cfg.BotAPIURL, m, logger)
}

// NewEmailFactory creates the mailbox factory
func NewEmailFactory(cfg *config.EmailConfig) *email.Factory {
	return email.NewFactory(cfg)
}

// NewBusinessFactory creates the business API factory
func NewBusinessFactory(cfg *config.BusinessConfig, m *metrics.Metrics) *business.Factory {
	return business.NewFactory(cfg, m)
}
