package errors

import (
	pkgerrors "github.com/Conte777/connector-service/pkg/errors"
)

var (
	ErrCredentialNotFound = pkgerrors.NewNotFoundError("credential not found")
	ErrCredentialExists   = pkgerrors.NewConflictError("credential already exists for this account key")
	ErrUnsupportedNetwork = pkgerrors.NewValidationError("unsupported network")
	ErrOwnerRequired      = pkgerrors.NewValidationError("owner_id is required")
)
