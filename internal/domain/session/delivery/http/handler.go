package http

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/dto"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
	pkgerrors "github.com/Conte777/connector-service/pkg/errors"
	"github.com/Conte777/connector-service/pkg/httputil"
)

// Machine-readable error codes returned next to the message
const (
	CodeNeedsRelink    = "needs_relink"
	CodeAuthRejected   = "auth_rejected"
	CodeConnectFailed  = "connect_failed"
	CodeInvalidState   = "invalid_state"
	CodeLeaseHeld      = "lease_held"
	CodeUnavailable    = "unavailable"
	CodeNotFound       = "not_found"
	CodeInvalidRequest = "invalid_request"
)

// SessionHandler handles session HTTP requests
type SessionHandler struct {
	useCase deps.SessionService
	mapper  *pkgerrors.Mapper
	logger  zerolog.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(useCase deps.SessionService, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		useCase: useCase,
		mapper:  pkgerrors.NewMapper(logger),
		logger:  logger.With().Str("handler", "session").Logger(),
	}
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(ctx *fasthttp.RequestCtx) {
	sessions := h.useCase.Snapshot(ctx)
	httputil.WriteResponse(ctx, dto.SessionListResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// Ensure handles POST /api/v1/sessions/{account_key}/ensure
func (h *SessionHandler) Ensure(ctx *fasthttp.RequestCtx) {
	accountKey, ok := httputil.PathParam(ctx, "account_key")
	if !ok {
		httputil.WriteErrorWithCode(ctx, "account_key is required", CodeInvalidRequest, fasthttp.StatusBadRequest)
		return
	}

	snap, err := h.useCase.Ensure(ctx, accountKey)
	if err != nil {
		h.handleError(ctx, accountKey, err)
		return
	}

	httputil.WriteResponse(ctx, snap)
}

// SubmitAuthInput handles POST /api/v1/sessions/{account_key}/auth
func (h *SessionHandler) SubmitAuthInput(ctx *fasthttp.RequestCtx) {
	accountKey, ok := httputil.PathParam(ctx, "account_key")
	if !ok {
		httputil.WriteErrorWithCode(ctx, "account_key is required", CodeInvalidRequest, fasthttp.StatusBadRequest)
		return
	}

	var req dto.AuthInputRequest
	if err := httputil.DecodeJSON(ctx, &req); err != nil {
		httputil.WriteErrorWithCode(ctx, "invalid request body", CodeInvalidRequest, fasthttp.StatusBadRequest)
		return
	}

	state, err := h.useCase.SubmitAuthInput(ctx, accountKey, req.Step, req.Value)
	if err != nil {
		h.handleError(ctx, accountKey, err)
		return
	}

	status := fasthttp.StatusOK
	if _, awaiting := state.(entities.Awaiting); awaiting {
		status = fasthttp.StatusAccepted
	}
	httputil.WriteResponseWithStatus(ctx, dto.NewAuthStateResponse(accountKey, state), status)
}

// Send handles POST /api/v1/sessions/{account_key}/messages
func (h *SessionHandler) Send(ctx *fasthttp.RequestCtx) {
	accountKey, ok := httputil.PathParam(ctx, "account_key")
	if !ok {
		httputil.WriteErrorWithCode(ctx, "account_key is required", CodeInvalidRequest, fasthttp.StatusBadRequest)
		return
	}

	var req dto.SendMessageRequest
	if err := httputil.DecodeJSON(ctx, &req); err != nil {
		httputil.WriteErrorWithCode(ctx, "invalid request body", CodeInvalidRequest, fasthttp.StatusBadRequest)
		return
	}

	sent, err := h.useCase.Send(ctx, accountKey, req.ToEntity())
	if err != nil {
		h.handleError(ctx, accountKey, err)
		return
	}

	httputil.WriteResponse(ctx, dto.SendMessageResponse{
		ExternalID: sent.ExternalID,
		SentAt:     sent.SentAt,
	})
}

// Teardown handles DELETE /api/v1/sessions/{account_key}
func (h *SessionHandler) Teardown(ctx *fasthttp.RequestCtx) {
	accountKey, ok := httputil.PathParam(ctx, "account_key")
	if !ok {
		httputil.WriteErrorWithCode(ctx, "account_key is required", CodeInvalidRequest, fasthttp.StatusBadRequest)
		return
	}

	if err := h.useCase.Teardown(ctx, accountKey); err != nil {
		h.handleError(ctx, accountKey, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// BusinessWebhook handles POST /api/v1/webhooks/business/{account_key}
func (h *SessionHandler) BusinessWebhook(ctx *fasthttp.RequestCtx) {
	accountKey, ok := httputil.PathParam(ctx, "account_key")
	if !ok {
		httputil.WriteErrorWithCode(ctx, "account_key is required", CodeInvalidRequest, fasthttp.StatusBadRequest)
		return
	}

	// the request body is reused by fasthttp after the handler returns
	payload := append([]byte(nil), ctx.PostBody()...)
	if err := h.useCase.DeliverWebhook(ctx, accountKey, payload); err != nil {
		h.handleError(ctx, accountKey, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

// handleError maps domain errors to HTTP status codes
func (h *SessionHandler) handleError(ctx *fasthttp.RequestCtx, accountKey string, err error) {
	var authRequired *sessionerrors.AuthRequiredError
	var authErr *sessionerrors.AuthError
	var connErr *sessionerrors.ConnectError

	switch {
	case errors.As(err, &authRequired):
		httputil.WriteResponseWithStatus(ctx, dto.NewAuthStateResponse(accountKey, authRequired.State), fasthttp.StatusAccepted)
	case errors.Is(err, sessionerrors.ErrUnrecoverable):
		httputil.WriteErrorWithCode(ctx, err.Error(), CodeNeedsRelink, fasthttp.StatusConflict)
	case errors.As(err, &authErr):
		if authErr.Retryable {
			httputil.WriteErrorWithCode(ctx, authErr.Error(), CodeAuthRejected, fasthttp.StatusUnprocessableEntity)
			return
		}
		httputil.WriteErrorWithCode(ctx, authErr.Error(), CodeNeedsRelink, fasthttp.StatusConflict)
	case errors.As(err, &connErr):
		httputil.SetRetryAfter(ctx, connErr.RetryAfter)
		httputil.WriteErrorWithCode(ctx, connErr.Error(), CodeConnectFailed, fasthttp.StatusServiceUnavailable)
	case errors.Is(err, sessionerrors.ErrSessionNotFound):
		httputil.WriteErrorWithCode(ctx, "session not found", CodeNotFound, fasthttp.StatusNotFound)
	case errors.Is(err, sessionerrors.ErrStepMismatch),
		errors.Is(err, sessionerrors.ErrNotAwaitingInput),
		errors.Is(err, sessionerrors.ErrNotReady):
		httputil.WriteErrorWithCode(ctx, err.Error(), CodeInvalidState, fasthttp.StatusConflict)
	case errors.Is(err, sessionerrors.ErrLeaseHeld):
		httputil.WriteErrorWithCode(ctx, err.Error(), CodeLeaseHeld, fasthttp.StatusConflict)
	case errors.Is(err, sessionerrors.ErrEmptyInput),
		errors.Is(err, sessionerrors.ErrUnsupportedNetwork),
		errors.Is(err, sessionerrors.ErrWebhookUnsupported):
		httputil.WriteErrorWithCode(ctx, err.Error(), CodeInvalidRequest, fasthttp.StatusBadRequest)
	case errors.Is(err, sessionerrors.ErrShuttingDown),
		errors.Is(err, sessionerrors.ErrNotConnected),
		errors.Is(err, sessionerrors.ErrStaleHandle):
		httputil.WriteErrorWithCode(ctx, err.Error(), CodeUnavailable, fasthttp.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteErrorWithCode(ctx, "timed out waiting for the network", CodeUnavailable, fasthttp.StatusGatewayTimeout)
	default:
		status, message := h.mapper.MapErrorToHTTP(err)
		httputil.WriteErrorResponse(ctx, message, status)
	}
}
