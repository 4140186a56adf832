package credential

import (
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/internal/domain/credential/delivery/http"
	"github.com/Conte777/connector-service/internal/domain/credential/deps"
	"github.com/Conte777/connector-service/internal/domain/credential/repository/postgres"
	"github.com/Conte777/connector-service/internal/domain/credential/usecase/business"
	"github.com/Conte777/connector-service/internal/infrastructure/http/server"
	"github.com/Conte777/connector-service/internal/infrastructure/vault"
)

// Module provides credential domain components for fx DI
var Module = fx.Module("credential",
	fx.Provide(
		postgres.NewRepository,
		// the vault seals secrets on their way into the store
		func(v *vault.Vault) deps.SecretSealer {
			return v
		},
		business.NewUseCase,
		http.NewAccountHandler,
		http.NewRouter,
	),
	fx.Invoke(RegisterRoutes),
)

// RegisterRoutes registers account routes on the server
func RegisterRoutes(srv *server.Server, r *http.Router) {
	r.RegisterRoutes(srv.API())
}
