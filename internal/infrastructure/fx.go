package infrastructure

import (
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/internal/infrastructure/adapters"
	"github.com/Conte777/connector-service/internal/infrastructure/database"
	httpfx "github.com/Conte777/connector-service/internal/infrastructure/http"
	"github.com/Conte777/connector-service/internal/infrastructure/kafka"
	"github.com/Conte777/connector-service/internal/infrastructure/lease"
	"github.com/Conte777/connector-service/internal/infrastructure/logger"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
	"github.com/Conte777/connector-service/internal/infrastructure/vault"
)

// Module aggregates all infrastructure modules
var Module = fx.Module("infrastructure",
	logger.Module,
	database.Module, // runs migrations before the credential store is used
	metrics.Module,
	vault.Module,
	kafka.Module,
	lease.Module,
	adapters.Module,
	httpfx.Module,
)
