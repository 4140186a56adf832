package business

import (
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/Conte777/connector-service/config"
	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

// Factory builds business API adapters sharing one HTTP client
type Factory struct {
	api      *apiClient
	sendRate float64
	metrics  *metrics.Metrics
}

var _ deps.AdapterFactory = (*Factory)(nil)

// NewFactory creates a factory from business API configuration
func NewFactory(cfg *config.BusinessConfig, m *metrics.Metrics) *Factory {
	return newFactory(cfg, &fasthttp.Client{
		Name:                "connector-service",
		ReadTimeout:         cfg.Timeout,
		WriteTimeout:        cfg.Timeout,
		MaxIdleConnDuration: time.Minute,
	}, m)
}

func newFactory(cfg *config.BusinessConfig, client *fasthttp.Client, m *metrics.Metrics) *Factory {
	if m == nil {
		m = metrics.GetDefaultMetrics()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Factory{
		api: &apiClient{
			baseURL: cfg.BaseURL,
			timeout: timeout,
			http:    client,
		},
		sendRate: cfg.SendRate,
		metrics:  m,
	}
}

func (f *Factory) Network() credential.Network { return credential.NetworkBusiness }
func (f *Factory) Flow() entities.AuthFlow     { return entities.TokenFlow(credential.NetworkBusiness) }

func (f *Factory) New(cfg deps.AdapterConfig) (deps.Adapter, error) {
	if f.api.baseURL == "" {
		return nil, fmt.Errorf("business api base url is required")
	}

	limit := rate.Inf
	if f.sendRate > 0 {
		limit = rate.Limit(f.sendRate)
	}

	return &Adapter{
		accountKey: cfg.AccountKey,
		api:        f.api,
		limiter:    rate.NewLimiter(limit, 1),
		secrets:    cfg.Secrets,
		metrics:    f.metrics,
		logger:     cfg.Logger.With().Str("component", "business").Logger(),
	}, nil
}
