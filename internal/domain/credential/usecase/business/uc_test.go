package business

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conte777/connector-service/internal/domain/credential/deps"
	"github.com/Conte777/connector-service/internal/domain/credential/entities"
	credentialerrors "github.com/Conte777/connector-service/internal/domain/credential/errors"
	sessiondeps "github.com/Conte777/connector-service/internal/domain/session/deps"
	sessionentities "github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	"github.com/Conte777/connector-service/internal/infrastructure/vault"
)

type memStore struct {
	creds   map[string]*entities.Credential
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*entities.Credential)}
}

func (s *memStore) FindActive(_ context.Context) ([]entities.Credential, error) {
	var out []entities.Credential
	for _, c := range s.creds {
		if c.IsActive {
			out = append(out, *c.Clone())
		}
	}
	return out, nil
}

func (s *memStore) FindByAccountKey(_ context.Context, accountKey string) (*entities.Credential, error) {
	c, ok := s.creds[accountKey]
	if !ok {
		return nil, credentialerrors.ErrCredentialNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) Save(_ context.Context, cred *entities.Credential) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	if cred.ID == uuid.Nil {
		if _, exists := s.creds[cred.AccountKey]; exists {
			return credentialerrors.ErrCredentialExists
		}
		cred.ID = uuid.New()
	}
	s.creds[cred.AccountKey] = cred.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, accountKey string) error {
	if _, ok := s.creds[accountKey]; !ok {
		return credentialerrors.ErrCredentialNotFound
	}
	delete(s.creds, accountKey)
	return nil
}

// stubSessions records lifecycle calls in order and whether the
// credential was still stored when the session was torn down
type stubSessions struct {
	store     *memStore
	calls     []string
	ensureErr error

	storedAtTeardown []bool
}

func (s *stubSessions) Teardown(_ context.Context, accountKey string) error {
	s.calls = append(s.calls, "teardown:"+accountKey)
	_, stored := s.store.creds[accountKey]
	s.storedAtTeardown = append(s.storedAtTeardown, stored)
	return nil
}

func (s *stubSessions) Rotate(ctx context.Context, accountKey string, apply func(ctx context.Context) error) error {
	s.calls = append(s.calls, "rotate:"+accountKey)
	return apply(ctx)
}

func (s *stubSessions) Ensure(_ context.Context, accountKey string) (sessiondeps.Handle, error) {
	s.calls = append(s.calls, "ensure:"+accountKey)
	return nil, s.ensureErr
}

func newTestUseCase(t *testing.T) (deps.CredentialService, *memStore, *stubSessions, *vault.Vault) {
	t.Helper()

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.NewFromHex(key)
	require.NoError(t, err)

	store := newMemStore()
	sessions := &stubSessions{store: store}
	return NewUseCase(store, v, sessions, zerolog.Nop()), store, sessions, v
}

func TestLink_SealsSecrets(t *testing.T) {
	uc, store, _, v := newTestUseCase(t)

	cred, err := uc.Link(context.Background(), deps.LinkRequest{
		Network:     entities.NetworkTelegramBot,
		AccountKey:  "bot-1",
		OwnerID:     "owner-1",
		DisplayName: "Support bot",
		Secrets:     map[string]string{entities.SecretToken: "123:abc", "empty": ""},
	})
	require.NoError(t, err)
	assert.True(t, cred.IsActive)

	stored := store.creds["bot-1"]
	require.NotNil(t, stored)
	assert.NotContains(t, stored.Secrets, "empty")
	assert.NotEqual(t, "123:abc", stored.Secrets[entities.SecretToken])

	plain, err := v.Decrypt(stored.Secrets[entities.SecretToken])
	require.NoError(t, err)
	assert.Equal(t, "123:abc", plain)
}

func TestLink_GeneratesAccountKey(t *testing.T) {
	uc, _, _, _ := newTestUseCase(t)

	cred, err := uc.Link(context.Background(), deps.LinkRequest{
		Network: entities.NetworkEmail,
		OwnerID: "owner-1",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cred.AccountKey, "email-"))
}

func TestLink_Validation(t *testing.T) {
	uc, _, _, _ := newTestUseCase(t)

	_, err := uc.Link(context.Background(), deps.LinkRequest{Network: "fax", OwnerID: "o"})
	assert.ErrorIs(t, err, credentialerrors.ErrUnsupportedNetwork)

	_, err = uc.Link(context.Background(), deps.LinkRequest{Network: entities.NetworkEmail, OwnerID: "  "})
	assert.ErrorIs(t, err, credentialerrors.ErrOwnerRequired)
}

func TestLink_DuplicateKey(t *testing.T) {
	uc, _, _, _ := newTestUseCase(t)
	req := deps.LinkRequest{Network: entities.NetworkBusiness, AccountKey: "biz", OwnerID: "o"}

	_, err := uc.Link(context.Background(), req)
	require.NoError(t, err)

	_, err = uc.Link(context.Background(), req)
	assert.ErrorIs(t, err, credentialerrors.ErrCredentialExists)
}

func TestRotateSecrets_ResetsAndReconnects(t *testing.T) {
	uc, store, sessions, v := newTestUseCase(t)
	_, err := uc.Link(context.Background(), deps.LinkRequest{
		Network:    entities.NetworkTelegramUser,
		AccountKey: "user-1",
		OwnerID:    "o",
		Secrets:    map[string]string{entities.SecretPhone: "+15550001111", entities.SecretSession: "stale"},
	})
	require.NoError(t, err)

	sessions.ensureErr = &sessionerrors.AuthRequiredError{
		AccountKey: "user-1",
		State:      sessionentities.Awaiting{Step: sessionentities.StepCode},
	}
	_, err = uc.RotateSecrets(context.Background(), "user-1", map[string]string{entities.SecretPhone: "+15550002222"})
	require.NoError(t, err)

	assert.Equal(t, []string{"rotate:user-1", "ensure:user-1"}, sessions.calls)

	stored := store.creds["user-1"]
	assert.NotContains(t, stored.Secrets, entities.SecretSession)
	phone, err := v.Decrypt(stored.Secrets[entities.SecretPhone])
	require.NoError(t, err)
	assert.Equal(t, "+15550002222", phone)
}

func TestRotateSecrets_ReconnectFailureIsNotFatal(t *testing.T) {
	uc, _, sessions, _ := newTestUseCase(t)
	_, err := uc.Link(context.Background(), deps.LinkRequest{Network: entities.NetworkBusiness, AccountKey: "biz", OwnerID: "o"})
	require.NoError(t, err)

	sessions.ensureErr = sessionerrors.NewConnectError("biz", errors.New("dial timeout"))
	cred, err := uc.RotateSecrets(context.Background(), "biz", map[string]string{entities.SecretToken: "t2"})
	require.NoError(t, err)
	assert.Equal(t, "biz", cred.AccountKey)
}

func TestRotateSecrets_UnknownAccount(t *testing.T) {
	uc, _, sessions, _ := newTestUseCase(t)

	_, err := uc.RotateSecrets(context.Background(), "ghost", map[string]string{"token": "x"})
	assert.ErrorIs(t, err, credentialerrors.ErrCredentialNotFound)
	assert.Empty(t, sessions.calls)
}

func TestUnlink_DeletesBeforeTeardown(t *testing.T) {
	uc, store, sessions, _ := newTestUseCase(t)
	_, err := uc.Link(context.Background(), deps.LinkRequest{Network: entities.NetworkEmail, AccountKey: "mail", OwnerID: "o"})
	require.NoError(t, err)

	require.NoError(t, uc.Unlink(context.Background(), "mail"))
	assert.Equal(t, []string{"teardown:mail"}, sessions.calls)
	assert.Equal(t, []bool{false}, sessions.storedAtTeardown, "the credential is gone before the session stops")
	assert.Empty(t, store.creds)

	assert.ErrorIs(t, uc.Unlink(context.Background(), "mail"), credentialerrors.ErrCredentialNotFound)
	assert.Len(t, sessions.calls, 1)
}

func TestRotateSecrets_SaveFailureSkipsReconnect(t *testing.T) {
	uc, store, sessions, _ := newTestUseCase(t)
	_, err := uc.Link(context.Background(), deps.LinkRequest{Network: entities.NetworkBusiness, AccountKey: "biz", OwnerID: "o"})
	require.NoError(t, err)

	store.saveErr = errors.New("db down")
	_, err = uc.RotateSecrets(context.Background(), "biz", map[string]string{entities.SecretToken: "t2"})
	require.Error(t, err)
	assert.Equal(t, []string{"rotate:biz"}, sessions.calls)
}
