package http

import (
	"github.com/rs/zerolog"

	"github.com/Conte777/connector-service/pkg/httputil"
)

// Router registers account HTTP routes
type Router struct {
	handler *AccountHandler
	logger  zerolog.Logger
}

// NewRouter creates a new account router
func NewRouter(handler *AccountHandler, logger zerolog.Logger) *Router {
	return &Router{
		handler: handler,
		logger:  logger,
	}
}

// RegisterRoutes registers account routes on the /api/v1 group
func (r *Router) RegisterRoutes(api *httputil.MiddlewareGroup) {
	api.POST("/accounts", r.handler.Link)
	api.GET("/accounts/{account_key}", r.handler.Get)
	api.PUT("/accounts/{account_key}/secrets", r.handler.RotateSecrets)
	api.DELETE("/accounts/{account_key}", r.handler.Unlink)

	r.logger.Info().Msg("Account routes registered")
}
