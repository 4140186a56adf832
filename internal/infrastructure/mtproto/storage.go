package mtproto

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotd/td/session"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
)

// secretStorage implements session.Storage on top of the account's sealed
// secrets. The blob is loaded once from the decrypted credential and every
// store goes back through the secret writer, so it is encrypted at rest.
type secretStorage struct {
	mu     sync.Mutex
	data   []byte
	writer deps.SecretWriter
}

func newSecretStorage(blob string, writer deps.SecretWriter) *secretStorage {
	s := &secretStorage{writer: writer}
	if blob != "" {
		s.data = []byte(blob)
	}
	return s
}

// LoadSession returns the stored MTProto session
func (s *secretStorage) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

// StoreSession persists a new MTProto session
func (s *secretStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if string(data) == string(s.data) {
		return nil
	}

	if s.writer != nil {
		if err := s.writer.WriteSecrets(ctx, map[string]string{credential.SecretSession: string(data)}); err != nil {
			return fmt.Errorf("failed to persist session: %w", err)
		}
	}

	s.data = append(s.data[:0], data...)
	return nil
}

// HasSession reports whether a session blob is present
func (s *secretStorage) HasSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) > 0
}

var _ session.Storage = (*secretStorage)(nil)
