package dto

import (
	"sort"
	"time"

	"github.com/Conte777/connector-service/internal/domain/credential/deps"
	"github.com/Conte777/connector-service/internal/domain/credential/entities"
)

// LinkAccountRequest is the body of POST /api/v1/accounts
type LinkAccountRequest struct {
	Network     string            `json:"network"`
	AccountKey  string            `json:"account_key,omitempty"`
	OwnerID     string            `json:"owner_id"`
	DisplayName string            `json:"display_name"`
	Secrets     map[string]string `json:"secrets"`
}

// ToLinkRequest converts the body to a use case request
func (r LinkAccountRequest) ToLinkRequest() deps.LinkRequest {
	return deps.LinkRequest{
		Network:     entities.Network(r.Network),
		AccountKey:  r.AccountKey,
		OwnerID:     r.OwnerID,
		DisplayName: r.DisplayName,
		Secrets:     r.Secrets,
	}
}

// RotateSecretsRequest is the body of PUT /api/v1/accounts/{account_key}/secrets
type RotateSecretsRequest struct {
	Secrets map[string]string `json:"secrets"`
}

// AccountResponse exposes a credential without its secrets
type AccountResponse struct {
	entities.Metadata
	SecretNames []string  `json:"secret_names"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewAccountResponse maps a credential to its public form
func NewAccountResponse(cred *entities.Credential) AccountResponse {
	names := make([]string, 0, len(cred.Secrets))
	for name := range cred.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	return AccountResponse{
		Metadata:    cred.Metadata(),
		SecretNames: names,
		CreatedAt:   cred.CreatedAt,
		UpdatedAt:   cred.UpdatedAt,
	}
}
