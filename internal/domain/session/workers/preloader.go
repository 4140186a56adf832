package workers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	credentialdeps "github.com/Conte777/connector-service/internal/domain/credential/deps"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
)

// Preloader brings up sessions for all stored credentials in the background
// so a slow network never delays process startup
type Preloader struct {
	store      credentialdeps.CredentialStore
	supervisor deps.SessionSupervisor
	logger     zerolog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPreloader creates a preloader
func NewPreloader(store credentialdeps.CredentialStore, supervisor deps.SessionSupervisor, logger zerolog.Logger) *Preloader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Preloader{
		store:      store,
		supervisor: supervisor,
		logger:     logger.With().Str("component", "preloader").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the preload
func (p *Preloader) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(p.ctx)
	}()
}

// Run loads active credentials and preloads them; it returns the report or nil
// when credentials cannot be loaded
func (p *Preloader) Run(ctx context.Context) *entities.PreloadReport {
	creds, err := p.store.FindActive(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to load credentials for preload")
		return nil
	}

	report := p.supervisor.PreloadAll(ctx, creds)
	for key, err := range report.Errors {
		p.logger.Warn().Err(err).Str("account_key", key).Msg("Account not ready after preload")
	}
	return report
}

// Stop cancels pending preload work and waits for it
func (p *Preloader) Stop() {
	p.cancel()
	p.wg.Wait()
}
