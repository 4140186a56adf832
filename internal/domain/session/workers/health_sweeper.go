package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Conte777/connector-service/internal/domain/session/deps"
)

// HealthSweeper periodically refreshes cached session health and
// reconnects sessions whose connection dropped
type HealthSweeper struct {
	supervisor deps.SessionSupervisor
	interval   time.Duration
	timeout    time.Duration
	cron       *cron.Cron
	logger     zerolog.Logger
}

// NewHealthSweeper creates a sweeper running every interval
func NewHealthSweeper(supervisor deps.SessionSupervisor, interval time.Duration, logger zerolog.Logger) *HealthSweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthSweeper{
		supervisor: supervisor,
		interval:   interval,
		timeout:    interval,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:     logger.With().Str("component", "health_sweeper").Logger(),
	}
}

// Start schedules the sweep
func (w *HealthSweeper) Start() error {
	if _, err := w.cron.AddFunc(fmt.Sprintf("@every %s", w.interval), w.sweep); err != nil {
		return fmt.Errorf("schedule health sweep: %w", err)
	}
	w.cron.Start()

	w.logger.Info().Dur("interval", w.interval).Msg("Health sweeper started")
	return nil
}

// Stop waits for a running sweep to finish
func (w *HealthSweeper) Stop(ctx context.Context) {
	stopped := w.cron.Stop()
	select {
	case <-stopped.Done():
		w.logger.Info().Msg("Health sweeper stopped")
	case <-ctx.Done():
		w.logger.Warn().Msg("Health sweeper stop timed out")
	}
}

func (w *HealthSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.supervisor.SweepHealth(ctx)
}
