package entities

import (
	"time"

	"github.com/google/uuid"
)

// Network identifies an external communication network
type Network string

const (
	NetworkTelegramUser Network = "telegram_user"
	NetworkTelegramBot  Network = "telegram_bot"
	NetworkEmail        Network = "email"
	NetworkBusiness     Network = "business"
)

// Valid reports whether n is a known network
func (n Network) Valid() bool {
	switch n {
	case NetworkTelegramUser, NetworkTelegramBot, NetworkEmail, NetworkBusiness:
		return true
	}
	return false
}

// Well-known secret names
const (
	SecretToken    = "token"
	SecretPhone    = "phone"
	SecretSession  = "session"
	SecretAPIID    = "api_id"
	SecretAPIHash  = "api_hash"
	SecretUsername = "username"
	SecretPassword = "password"
	SecretIMAPAddr = "imap_addr"
	SecretSMTPAddr = "smtp_addr"
)

// Credential links an internal owner to one external network identity.
// Secrets holds ciphertext only.
type Credential struct {
	ID          uuid.UUID
	AccountKey  string
	Network     Network
	OwnerID     string
	Secrets     map[string]string
	DisplayName string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a copy with its own secrets map
func (c *Credential) Clone() *Credential {
	out := *c
	out.Secrets = make(map[string]string, len(c.Secrets))
	for k, v := range c.Secrets {
		out.Secrets[k] = v
	}
	return &out
}

// Metadata is the non-secret part of a credential exposed to callers
type Metadata struct {
	AccountKey  string  `json:"account_key"`
	Network     Network `json:"network"`
	OwnerID     string  `json:"owner_id"`
	DisplayName string  `json:"display_name"`
	IsActive    bool    `json:"is_active"`
}

// Metadata returns the non-secret fields
func (c *Credential) Metadata() Metadata {
	return Metadata{
		AccountKey:  c.AccountKey,
		Network:     c.Network,
		OwnerID:     c.OwnerID,
		DisplayName: c.DisplayName,
		IsActive:    c.IsActive,
	}
}
