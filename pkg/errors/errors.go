package errors

// httpError carries a client-facing message; the concrete type picks the status
type httpError struct {
	message string
}

func (e *httpError) Error() string {
	return e.message
}

// ValidationError is a malformed request (HTTP 400)
type ValidationError struct {
	httpError
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{httpError{message: message}}
}

// NotFoundError is a missing resource (HTTP 404)
type NotFoundError struct {
	httpError
}

func NewNotFoundError(message string) *NotFoundError {
	return &NotFoundError{httpError{message: message}}
}

// ConflictError is a request that clashes with stored state (HTTP 409)
type ConflictError struct {
	httpError
}

func NewConflictError(message string) *ConflictError {
	return &ConflictError{httpError{message: message}}
}
