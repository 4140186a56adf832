package lease

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
)

// Module provides the session lease for fx DI
var Module = fx.Module("lease",
	fx.Provide(NewLeaseFx),
)

// NewLeaseFx connects to Redis when REDIS_ADDR is set. Without it the
// result is nil and the registry serves every account locally.
func NewLeaseFx(lc fx.Lifecycle, cfg *config.RedisConfig, svc *config.ServiceConfig, logger zerolog.Logger) (deps.SessionLease, error) {
	if !cfg.Enabled() {
		logger.Info().Msg("Redis is not configured, session leases are local")
		return nil, nil
	}

	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	instanceID := fmt.Sprintf("%s-%s", svc.Name, uuid.NewString())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := cli.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			logger.Info().
				Str("addr", cfg.Addr).
				Str("instance_id", instanceID).
				Dur("ttl", cfg.LeaseTTL).
				Msg("Session leases enabled")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return cli.Close()
		},
	})

	return New(cli, instanceID, cfg.LeaseTTL), nil
}
