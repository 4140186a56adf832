package registry

import (
	"context"
	"fmt"

	"github.com/Conte777/connector-service/internal/domain/session/deps"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

// secretWriter persists secret material an adapter produced during auth.
// Values are encrypted before they reach the store. Writes from a session
// that was torn down or replaced are refused.
type secretWriter struct {
	registry   *Registry
	accountKey string
	session    *liveSession
}

var _ deps.SecretWriter = (*secretWriter)(nil)

func (w *secretWriter) WriteSecrets(ctx context.Context, secrets map[string]string) error {
	if len(secrets) == 0 {
		return nil
	}
	r := w.registry

	sealed := make(map[string]string, len(secrets))
	for name, value := range secrets {
		ciphertext, err := r.cipher.Encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypt secret %s: %w", name, err)
		}
		sealed[name] = ciphertext
	}

	// adapters may write from their own goroutines; merge one write at a time
	r.secretsMu.Lock()
	defer r.secretsMu.Unlock()

	if r.get(w.accountKey) != w.session {
		return fmt.Errorf("%w: generation %d no longer owns %s", sessionerrors.ErrStaleHandle, w.session.generation, w.accountKey)
	}

	cred, err := r.store.FindByAccountKey(ctx, w.accountKey)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	cred = cred.Clone()
	for name, ciphertext := range sealed {
		cred.Secrets[name] = ciphertext
	}
	if err := r.store.Save(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	r.logger.Debug().
		Str("account_key", w.accountKey).
		Int("secrets", len(sealed)).
		Msg("Persisted secrets produced during auth")
	return nil
}
