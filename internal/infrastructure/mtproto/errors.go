package mtproto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

// Telegram RPC error types that end a login for good
var fatalErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"PHONE_NUMBER_BANNED",
	"API_ID_INVALID",
	"API_ID_PUBLISHED_FLOOD",
}

// Errors the user can fix by submitting the step again
var retryableErrors = map[string]entities.AuthStep{
	"PHONE_NUMBER_INVALID":  entities.StepPhone,
	"PHONE_NUMBER_FLOOD":    entities.StepPhone,
	"PHONE_CODE_INVALID":    entities.StepCode,
	"PHONE_CODE_EMPTY":      entities.StepCode,
	"PHONE_CODE_EXPIRED":    entities.StepCode,
	"PASSWORD_HASH_INVALID": entities.StepPassword,
}

// classify maps an error from an auth call at step to a domain error
func classify(accountKey string, step entities.AuthStep, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, auth.ErrPasswordInvalid) {
		return sessionerrors.Retryable(entities.StepPassword, "password_invalid", err)
	}

	var signUp *auth.SignUpRequired
	if errors.As(err, &signUp) {
		return sessionerrors.Fatal(step, "sign_up_required", err)
	}

	if d, ok := tgerr.AsFloodWait(err); ok {
		ce := sessionerrors.NewConnectError(accountKey, err)
		ce.RetryAfter = d
		return ce
	}

	for _, typ := range fatalErrors {
		if tgerr.Is(err, typ) {
			return sessionerrors.Fatal(step, reasonOf(typ), err)
		}
	}

	if rpcErr, ok := tgerr.As(err); ok {
		if retryStep, found := retryableErrors[rpcErr.Type]; found {
			return sessionerrors.Retryable(retryStep, reasonOf(rpcErr.Type), err)
		}
		// any other RPC error is a rejection of this input
		return sessionerrors.Retryable(step, reasonOf(rpcErr.Type), err)
	}

	return sessionerrors.NewConnectError(accountKey, fmt.Errorf("telegram: %w", err))
}

func reasonOf(rpcType string) string {
	return strings.ToLower(rpcType)
}
