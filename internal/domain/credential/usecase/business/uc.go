package business

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Conte777/connector-service/internal/domain/credential/deps"
	"github.com/Conte777/connector-service/internal/domain/credential/entities"
	credentialerrors "github.com/Conte777/connector-service/internal/domain/credential/errors"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

// UseCase implements credential management. Plaintext secrets are sealed
// before they reach the store and never leave this layer.
type UseCase struct {
	store    deps.CredentialStore
	sealer   deps.SecretSealer
	sessions deps.SessionLifecycle
	logger   zerolog.Logger
}

// NewUseCase creates a new credential use case
func NewUseCase(
	store deps.CredentialStore,
	sealer deps.SecretSealer,
	sessions deps.SessionLifecycle,
	logger zerolog.Logger,
) deps.CredentialService {
	return &UseCase{
		store:    store,
		sealer:   sealer,
		sessions: sessions,
		logger:   logger.With().Str("usecase", "credential").Logger(),
	}
}

// Link stores a new credential. The session starts on the first ensure.
func (u *UseCase) Link(ctx context.Context, req deps.LinkRequest) (*entities.Credential, error) {
	if !req.Network.Valid() {
		return nil, credentialerrors.ErrUnsupportedNetwork
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, credentialerrors.ErrOwnerRequired
	}

	accountKey := strings.TrimSpace(req.AccountKey)
	if accountKey == "" {
		accountKey = fmt.Sprintf("%s-%s", req.Network, uuid.NewString())
	}

	sealed, err := u.sealer.EncryptMap(nonEmpty(req.Secrets))
	if err != nil {
		return nil, fmt.Errorf("failed to seal secrets: %w", err)
	}

	cred := &entities.Credential{
		AccountKey:  accountKey,
		Network:     req.Network,
		OwnerID:     strings.TrimSpace(req.OwnerID),
		DisplayName: req.DisplayName,
		Secrets:     sealed,
		IsActive:    true,
	}
	if err := u.store.Save(ctx, cred); err != nil {
		return nil, err
	}

	u.logger.Info().
		Str("account_key", cred.AccountKey).
		Str("network", string(cred.Network)).
		Str("owner_id", cred.OwnerID).
		Msg("Account linked")

	return cred, nil
}

// Get returns a stored credential
func (u *UseCase) Get(ctx context.Context, accountKey string) (*entities.Credential, error) {
	return u.store.FindByAccountKey(ctx, strings.TrimSpace(accountKey))
}

// RotateSecrets replaces all secrets of a credential, resets its session and
// reconnects with the new material. Rotation is the way out of a failed session.
func (u *UseCase) RotateSecrets(ctx context.Context, accountKey string, secrets map[string]string) (*entities.Credential, error) {
	accountKey = strings.TrimSpace(accountKey)

	if _, err := u.store.FindByAccountKey(ctx, accountKey); err != nil {
		return nil, err
	}

	sealed, err := u.sealer.EncryptMap(nonEmpty(secrets))
	if err != nil {
		return nil, fmt.Errorf("failed to seal secrets: %w", err)
	}

	var cred *entities.Credential
	err = u.sessions.Rotate(ctx, accountKey, func(ctx context.Context) error {
		stored, err := u.store.FindByAccountKey(ctx, accountKey)
		if err != nil {
			return err
		}
		stored.Secrets = sealed
		stored.IsActive = true
		if err := u.store.Save(ctx, stored); err != nil {
			return err
		}
		cred = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = u.sessions.Ensure(ctx, accountKey)
	var authRequired *sessionerrors.AuthRequiredError
	switch {
	case err == nil:
		u.logger.Info().Str("account_key", accountKey).Msg("Secrets rotated, session ready")
	case errors.As(err, &authRequired):
		u.logger.Info().Str("account_key", accountKey).Msg("Secrets rotated, session awaits input")
	default:
		u.logger.Warn().Err(err).Str("account_key", accountKey).Msg("Secrets rotated, reconnect failed")
	}

	return cred, nil
}

// Unlink deletes the credential, then tears the session down. No ensure
// can bring the account back once the credential is gone.
func (u *UseCase) Unlink(ctx context.Context, accountKey string) error {
	accountKey = strings.TrimSpace(accountKey)

	if err := u.store.Delete(ctx, accountKey); err != nil {
		return err
	}
	if err := u.sessions.Teardown(ctx, accountKey); err != nil {
		return fmt.Errorf("failed to teardown session: %w", err)
	}

	u.logger.Info().Str("account_key", accountKey).Msg("Account unlinked")
	return nil
}

func nonEmpty(secrets map[string]string) map[string]string {
	out := make(map[string]string, len(secrets))
	for k, v := range secrets {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
