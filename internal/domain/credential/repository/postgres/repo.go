package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Conte777/connector-service/internal/domain/credential/deps"
	"github.com/Conte777/connector-service/internal/domain/credential/entities"
	credentialerrors "github.com/Conte777/connector-service/internal/domain/credential/errors"
)

// Repository implements deps.CredentialStore using PostgreSQL
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new PostgreSQL credential repository
func NewRepository(db *gorm.DB) deps.CredentialStore {
	return &Repository{db: db}
}

// FindActive retrieves all active credentials ordered by account key
func (r *Repository) FindActive(ctx context.Context) ([]entities.Credential, error) {
	var models []CredentialModel
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("account_key").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to find active credentials: %w", err)
	}

	creds := make([]entities.Credential, len(models))
	for i := range models {
		creds[i] = *models[i].ToEntity()
	}

	return creds, nil
}

// FindByAccountKey retrieves a live credential by its account key
func (r *Repository) FindByAccountKey(ctx context.Context, accountKey string) (*entities.Credential, error) {
	var model CredentialModel
	if err := r.db.WithContext(ctx).
		Where("account_key = ?", accountKey).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, credentialerrors.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return model.ToEntity(), nil
}

// Save inserts a new credential or updates an existing one
func (r *Repository) Save(ctx context.Context, cred *entities.Credential) error {
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
		model := fromEntity(cred)
		if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
			cred.ID = uuid.Nil
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return credentialerrors.ErrCredentialExists
			}
			return fmt.Errorf("failed to create credential: %w", err)
		}
		cred.CreatedAt = model.CreatedAt
		cred.UpdatedAt = model.UpdatedAt
		return nil
	}

	model := fromEntity(cred)
	result := r.db.WithContext(ctx).
		Model(model).
		Select("owner_id", "display_name", "secrets", "is_active", "updated_at").
		Updates(model)
	if result.Error != nil {
		return fmt.Errorf("failed to update credential: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return credentialerrors.ErrCredentialNotFound
	}

	cred.UpdatedAt = model.UpdatedAt
	return nil
}

// Delete soft-deletes a credential by account key
func (r *Repository) Delete(ctx context.Context, accountKey string) error {
	result := r.db.WithContext(ctx).
		Where("account_key = ?", accountKey).
		Delete(&CredentialModel{})

	if result.Error != nil {
		return fmt.Errorf("failed to delete credential: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return credentialerrors.ErrCredentialNotFound
	}

	return nil
}
