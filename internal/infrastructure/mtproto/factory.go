package mtproto

import (
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Conte777/connector-service/config"
	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

// Options holds MTProto application and device parameters shared by all accounts
type Options struct {
	APIID         int
	APIHash       string
	DeviceModel   string
	SystemVersion string
	AppVersion    string
	LangCode      string
	SendRate      float64
}

// Factory builds MTProto adapters
type Factory struct {
	options Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

var _ deps.AdapterFactory = (*Factory)(nil)

// NewFactory creates a factory from telegram configuration
func NewFactory(cfg *config.TelegramConfig, m *metrics.Metrics, logger zerolog.Logger) *Factory {
	if m == nil {
		m = metrics.GetDefaultMetrics()
	}
	return &Factory{
		options: Options{
			APIID:         cfg.APIID,
			APIHash:       cfg.APIHash,
			DeviceModel:   cfg.DeviceModel,
			SystemVersion: cfg.SystemVersion,
			AppVersion:    cfg.AppVersion,
			LangCode:      cfg.LangCode,
			SendRate:      cfg.SendRate,
		},
		metrics: m,
		logger:  logger.With().Str("component", "mtproto").Logger(),
	}
}

func (f *Factory) Network() credential.Network { return credential.NetworkTelegramUser }

// Flow is phone, then code, then the optional two-factor password
func (f *Factory) Flow() entities.AuthFlow {
	return entities.AuthFlow{
		Network: credential.NetworkTelegramUser,
		Steps:   []entities.AuthStep{entities.StepPhone, entities.StepCode, entities.StepPassword},
	}
}

// New creates an adapter for one account
func (f *Factory) New(cfg deps.AdapterConfig) (deps.Adapter, error) {
	if f.options.APIID == 0 || f.options.APIHash == "" {
		return nil, fmt.Errorf("telegram api id and hash are required")
	}

	sendRate := f.options.SendRate
	if sendRate <= 0 {
		sendRate = 10
	}
	burst := int(sendRate)
	if burst < 1 {
		burst = 1
	}

	logger := cfg.Logger.With().Str("component", "mtproto").Logger()

	return &Adapter{
		accountKey: cfg.AccountKey,
		options:    f.options,
		secrets:    cfg.Secrets,
		metrics:    f.metrics,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(sendRate), burst),
		updates:    newUpdateMapper(cfg.AccountKey, logger),
	}, nil
}
