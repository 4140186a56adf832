package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Conte777/connector-service/internal/domain/credential/entities"
)

// CredentialModel is the gorm mapping of the credentials table
type CredentialModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	AccountKey  string            `gorm:"size:255;not null"`
	Network     string            `gorm:"size:32;not null"`
	OwnerID     string            `gorm:"size:255;not null;index"`
	DisplayName string            `gorm:"size:255;not null"`
	Secrets     map[string]string `gorm:"type:jsonb;serializer:json;not null"`
	IsActive    bool              `gorm:"not null"`
	CreatedAt   time.Time         `gorm:"autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime"`
	DeletedAt   gorm.DeletedAt    `gorm:"index"`
}

// TableName returns the table name for CredentialModel
func (CredentialModel) TableName() string {
	return "credentials"
}

// ToEntity converts the model to a domain credential
func (m *CredentialModel) ToEntity() *entities.Credential {
	secrets := m.Secrets
	if secrets == nil {
		secrets = map[string]string{}
	}
	return &entities.Credential{
		ID:          m.ID,
		AccountKey:  m.AccountKey,
		Network:     entities.Network(m.Network),
		OwnerID:     m.OwnerID,
		Secrets:     secrets,
		DisplayName: m.DisplayName,
		IsActive:    m.IsActive,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func fromEntity(c *entities.Credential) *CredentialModel {
	return &CredentialModel{
		ID:          c.ID,
		AccountKey:  c.AccountKey,
		Network:     string(c.Network),
		OwnerID:     c.OwnerID,
		DisplayName: c.DisplayName,
		Secrets:     c.Secrets,
		IsActive:    c.IsActive,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}
