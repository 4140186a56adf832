package gateway

import (
	"github.com/rs/zerolog"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

// Factory builds bot adapters
type Factory struct {
	serverURL string
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

var _ deps.AdapterFactory = (*Factory)(nil)

// NewFactory creates a factory. An empty serverURL uses the public Bot API.
func NewFactory(serverURL string, m *metrics.Metrics, logger zerolog.Logger) *Factory {
	if m == nil {
		m = metrics.GetDefaultMetrics()
	}
	return &Factory{
		serverURL: serverURL,
		metrics:   m,
		logger:    logger,
	}
}

func (f *Factory) Network() credential.Network { return credential.NetworkTelegramBot }
func (f *Factory) Flow() entities.AuthFlow     { return entities.TokenFlow(credential.NetworkTelegramBot) }

func (f *Factory) New(cfg deps.AdapterConfig) (deps.Adapter, error) {
	return &Adapter{
		accountKey: cfg.AccountKey,
		serverURL:  f.serverURL,
		secrets:    cfg.Secrets,
		metrics:    f.metrics,
		logger:     cfg.Logger.With().Str("component", "bot_gateway").Logger(),
	}, nil
}
