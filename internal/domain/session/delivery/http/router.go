package http

import (
	"github.com/rs/zerolog"

	"github.com/Conte777/connector-service/pkg/httputil"
)

// Router registers session HTTP routes
type Router struct {
	handler *SessionHandler
	logger  zerolog.Logger
}

// NewRouter creates a new session router
func NewRouter(handler *SessionHandler, logger zerolog.Logger) *Router {
	return &Router{
		handler: handler,
		logger:  logger,
	}
}

// RegisterRoutes registers session routes on the /api/v1 group
func (r *Router) RegisterRoutes(api *httputil.MiddlewareGroup) {
	api.GET("/sessions", r.handler.List)
	api.POST("/sessions/{account_key}/ensure", r.handler.Ensure)
	api.POST("/sessions/{account_key}/auth", r.handler.SubmitAuthInput)
	api.POST("/sessions/{account_key}/messages", r.handler.Send)
	api.DELETE("/sessions/{account_key}", r.handler.Teardown)

	api.POST("/webhooks/business/{account_key}", r.handler.BusinessWebhook)

	r.logger.Info().Msg("Session routes registered")
}
