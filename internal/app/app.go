package app

import (
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
	healthhttp "github.com/Conte777/connector-service/internal/delivery/http"
	"github.com/Conte777/connector-service/internal/delivery/kafka"
	"github.com/Conte777/connector-service/internal/domain/credential"
	"github.com/Conte777/connector-service/internal/domain/session"
	"github.com/Conte777/connector-service/internal/infrastructure"
)

// CreateApp creates the fx application options
func CreateApp() fx.Option {
	return fx.Options(
		fx.Provide(config.Out),
		infrastructure.Module,
		// Domain modules
		credential.Module,
		session.Module, // depends on the credential store and adapter factories
		// Delivery
		healthhttp.Module,
		kafka.Module,
	)
}
