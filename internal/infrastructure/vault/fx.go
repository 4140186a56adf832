package vault

import (
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/Conte777/connector-service/config"
)

// Module provides the credential vault for fx DI
var Module = fx.Module("vault",
	fx.Provide(NewVaultFx),
)

// NewVaultFx builds the vault from config; a bad key aborts startup
func NewVaultFx(cfg *config.VaultConfig, logger zerolog.Logger) (*Vault, error) {
	v, err := NewFromHex(cfg.MasterKeyHex)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("Credential vault initialized")
	return v, nil
}
