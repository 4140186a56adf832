package http

import (
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/Conte777/connector-service/internal/domain/credential/deps"
	"github.com/Conte777/connector-service/internal/domain/credential/dto"
	pkgerrors "github.com/Conte777/connector-service/pkg/errors"
	"github.com/Conte777/connector-service/pkg/httputil"
)

// AccountHandler handles account link HTTP requests
type AccountHandler struct {
	useCase deps.CredentialService
	mapper  *pkgerrors.Mapper
	logger  zerolog.Logger
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(useCase deps.CredentialService, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{
		useCase: useCase,
		mapper:  pkgerrors.NewMapper(logger),
		logger:  logger.With().Str("handler", "account").Logger(),
	}
}

// Link handles POST /api/v1/accounts
func (h *AccountHandler) Link(ctx *fasthttp.RequestCtx) {
	var req dto.LinkAccountRequest
	if err := httputil.DecodeJSON(ctx, &req); err != nil {
		httputil.WriteErrorResponse(ctx, "invalid request body", fasthttp.StatusBadRequest)
		return
	}

	cred, err := h.useCase.Link(ctx, req.ToLinkRequest())
	if err != nil {
		h.handleError(ctx, err)
		return
	}

	httputil.WriteResponseWithStatus(ctx, dto.NewAccountResponse(cred), fasthttp.StatusCreated)
}

// Get handles GET /api/v1/accounts/{account_key}
func (h *AccountHandler) Get(ctx *fasthttp.RequestCtx) {
	accountKey, ok := httputil.PathParam(ctx, "account_key")
	if !ok {
		httputil.WriteErrorResponse(ctx, "account_key is required", fasthttp.StatusBadRequest)
		return
	}

	cred, err := h.useCase.Get(ctx, accountKey)
	if err != nil {
		h.handleError(ctx, err)
		return
	}

	httputil.WriteResponse(ctx, dto.NewAccountResponse(cred))
}

// RotateSecrets handles PUT /api/v1/accounts/{account_key}/secrets
func (h *AccountHandler) RotateSecrets(ctx *fasthttp.RequestCtx) {
	accountKey, ok := httputil.PathParam(ctx, "account_key")
	if !ok {
		httputil.WriteErrorResponse(ctx, "account_key is required", fasthttp.StatusBadRequest)
		return
	}

	var req dto.RotateSecretsRequest
	if err := httputil.DecodeJSON(ctx, &req); err != nil {
		httputil.WriteErrorResponse(ctx, "invalid request body", fasthttp.StatusBadRequest)
		return
	}
	if len(req.Secrets) == 0 {
		httputil.WriteErrorResponse(ctx, "secrets are required", fasthttp.StatusBadRequest)
		return
	}

	cred, err := h.useCase.RotateSecrets(ctx, accountKey, req.Secrets)
	if err != nil {
		h.handleError(ctx, err)
		return
	}

	httputil.WriteResponse(ctx, dto.NewAccountResponse(cred))
}

// Unlink handles DELETE /api/v1/accounts/{account_key}
func (h *AccountHandler) Unlink(ctx *fasthttp.RequestCtx) {
	accountKey, ok := httputil.PathParam(ctx, "account_key")
	if !ok {
		httputil.WriteErrorResponse(ctx, "account_key is required", fasthttp.StatusBadRequest)
		return
	}

	if err := h.useCase.Unlink(ctx, accountKey); err != nil {
		h.handleError(ctx, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *AccountHandler) handleError(ctx *fasthttp.RequestCtx, err error) {
	status, message := h.mapper.MapErrorToHTTP(err)
	httputil.WriteErrorResponse(ctx, message, status)
}
