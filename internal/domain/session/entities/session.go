package entities

import (
	"time"

	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
)

// DecryptedCredential is a credential with plaintext secrets.
// It lives only in memory for the duration of a connect.
type DecryptedCredential struct {
	AccountKey  string
	Network     credential.Network
	OwnerID     string
	DisplayName string
	Secrets     map[string]string
}

// Secret returns a plaintext secret or ""
func (c DecryptedCredential) Secret(name string) string {
	return c.Secrets[name]
}

// SessionSnapshot is a read-only view of one live session
type SessionSnapshot struct {
	AccountKey      string             `json:"account_key"`
	Network         credential.Network `json:"network"`
	OwnerID         string             `json:"owner_id"`
	DisplayName     string             `json:"display_name"`
	Auth            StateView          `json:"auth"`
	Healthy         bool               `json:"healthy"`
	Generation      uint64             `json:"generation"`
	ConnectedSince  *time.Time         `json:"connected_since,omitempty"`
	LastHealthCheck *time.Time         `json:"last_health_check,omitempty"`
}

// PreloadReport summarizes a startup preload
type PreloadReport struct {
	Total         int
	Ready         int
	AwaitingInput int
	Failed        int
	Deferred      int // transient connect errors, retried on next ensure
	Errors        map[string]error
}
