package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
	pkgerrors "github.com/Conte777/connector-service/pkg/errors"
)

var (
	ErrSessionNotFound    = errors.New("no live session for account")
	ErrUnrecoverable      = errors.New("session unrecoverable, re-authentication required")
	ErrUnsupportedNetwork = errors.New("no adapter registered for network")
	ErrStepMismatch       = errors.New("auth input does not match the awaited step")
	ErrNotAwaitingInput   = errors.New("session is not awaiting auth input")
	ErrAlreadyStarted     = errors.New("authorization already started")
	ErrInvalidTransition  = errors.New("adapter proposed an invalid auth transition")
	ErrEmptyInput         = errors.New("auth input is empty")
	ErrNotReady           = errors.New("session is not ready")
	ErrNotConnected       = errors.New("adapter is not connected")
	ErrLeaseHeld          = errors.New("account is served by another instance")
	ErrWebhookUnsupported = errors.New("network does not accept webhooks")
	ErrShuttingDown       = errors.New("registry is shutting down")
	ErrStaleHandle        = errors.New("session handle is stale, ensure again")
)

var (
	ErrAccountKeyRequired = pkgerrors.NewValidationError("account_key is required")
	ErrUnknownStep        = pkgerrors.NewValidationError("unknown auth step")
	ErrRecipientRequired  = pkgerrors.NewValidationError("recipient is required")
	ErrTextRequired       = pkgerrors.NewValidationError("text is required")
)

// ConnectError is a transient failure to establish a session.
// The registry retries it with backoff on the next ensure.
type ConnectError struct {
	AccountKey string
	RetryAfter time.Duration
	Err        error
}

func (e *ConnectError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("connect %s: %v (retry after %s)", e.AccountKey, e.Err, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("connect %s: %v", e.AccountKey, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError wraps err as a transient connect failure
func NewConnectError(accountKey string, err error) *ConnectError {
	return &ConnectError{AccountKey: accountKey, Err: err}
}

// AuthError is an auth input or stored secret rejected by the network
type AuthError struct {
	Step      entities.AuthStep
	Retryable bool
	Reason    string
	Err       error
}

func (e *AuthError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Step != "" {
		return fmt.Sprintf("auth %s rejected (%s): %s", e.Step, kind, e.Reason)
	}
	return fmt.Sprintf("auth rejected (%s): %s", kind, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Retryable builds an AuthError the user may resubmit
func Retryable(step entities.AuthStep, reason string, err error) *AuthError {
	return &AuthError{Step: step, Retryable: true, Reason: reason, Err: err}
}

// Fatal builds an AuthError that fails the session
func Fatal(step entities.AuthStep, reason string, err error) *AuthError {
	return &AuthError{Step: step, Retryable: false, Reason: reason, Err: err}
}

// AuthRequiredError reports that a session waits for user input
type AuthRequiredError struct {
	AccountKey string
	State      entities.AuthState
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("account %s needs authentication: %s", e.AccountKey, entities.StateName(e.State))
}

// Unrecoverable wraps ErrUnrecoverable with the failure reason
func Unrecoverable(accountKey, reason string) error {
	return fmt.Errorf("%w: account %s: %s", ErrUnrecoverable, accountKey, reason)
}
