package deps

import (
	"context"

	"github.com/Conte777/connector-service/internal/domain/credential/entities"
	sessiondeps "github.com/Conte777/connector-service/internal/domain/session/deps"
)

// CredentialStore persists account credentials. Secrets are ciphertext.
type CredentialStore interface {
	// FindActive returns all active, non-deleted credentials
	FindActive(ctx context.Context) ([]entities.Credential, error)
	// FindByAccountKey returns errors.ErrCredentialNotFound when absent or deleted
	FindByAccountKey(ctx context.Context, accountKey string) (*entities.Credential, error)
	// Save inserts a credential with a nil ID, otherwise updates it
	Save(ctx context.Context, cred *entities.Credential) error
	// Delete logically deletes the credential
	Delete(ctx context.Context, accountKey string) error
}

// SecretSealer encrypts secret values before they reach the store
type SecretSealer interface {
	EncryptMap(secrets map[string]string) (map[string]string, error)
}

// SessionLifecycle is the part of the client registry the credential use cases drive
type SessionLifecycle interface {
	Teardown(ctx context.Context, accountKey string) error
	// Rotate runs apply with the session torn down and secret writes blocked
	Rotate(ctx context.Context, accountKey string, apply func(ctx context.Context) error) error
	Ensure(ctx context.Context, accountKey string) (sessiondeps.Handle, error)
}

// CredentialService defines credential management operations
type CredentialService interface {
	Link(ctx context.Context, req LinkRequest) (*entities.Credential, error)
	Get(ctx context.Context, accountKey string) (*entities.Credential, error)
	RotateSecrets(ctx context.Context, accountKey string, secrets map[string]string) (*entities.Credential, error)
	Unlink(ctx context.Context, accountKey string) error
}

// LinkRequest carries plaintext secrets for a new link
type LinkRequest struct {
	Network     entities.Network
	AccountKey  string
	OwnerID     string
	DisplayName string
	Secrets     map[string]string
}
