// Package http serves the service health endpoint
package http

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/Conte777/connector-service/internal/domain/session/entities"
	"github.com/Conte777/connector-service/pkg/httputil"
)

// SessionLister reports the live sessions
type SessionLister interface {
	Snapshot() []entities.SessionSnapshot
}

// ProducerHealthChecker reports event sink connectivity
type ProducerHealthChecker interface {
	IsHealthy() bool
}

// PingFunc checks a backing store
type PingFunc func(ctx context.Context) error

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health status of a single component
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the JSON response for health check
type HealthResponse struct {
	Status     HealthStatus      `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentHealth `json:"components"`
}

// HealthHandler handles health check requests
type HealthHandler struct {
	sessions SessionLister
	producer ProducerHealthChecker
	database PingFunc
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(
	sessions SessionLister,
	producer ProducerHealthChecker,
	database PingFunc,
	logger zerolog.Logger,
) *HealthHandler {
	return &HealthHandler{
		sessions: sessions,
		producer: producer,
		database: database,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// Handle serves GET /health. Only an unreachable database or event sink
// makes the service unhealthy; disconnected accounts degrade it.
func (h *HealthHandler) Handle(ctx *fasthttp.RequestCtx) {
	checkCtx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	components := h.checkComponents(checkCtx)
	status := determineOverallStatus(components)

	logEvent := h.logger.Debug()
	switch status {
	case HealthStatusUnhealthy:
		logEvent = h.logger.Warn()
	case HealthStatusDegraded:
		logEvent = h.logger.Info()
	}
	logEvent.
		Str("status", string(status)).
		Interface("components", components).
		Msg("Health check completed")

	httputil.WriteHealthResponse(ctx, HealthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Components: components,
	}, status != HealthStatusUnhealthy)
}

func (h *HealthHandler) checkComponents(ctx context.Context) []ComponentHealth {
	components := make([]ComponentHealth, 0, 3)

	dbHealth := ComponentHealth{Name: "database", Healthy: true}
	if err := h.database(ctx); err != nil {
		dbHealth.Healthy = false
		dbHealth.Message = err.Error()
	}
	components = append(components, dbHealth)

	producerHealth := ComponentHealth{Name: "kafka_producer", Healthy: h.producer.IsHealthy()}
	if !producerHealth.Healthy {
		producerHealth.Message = "Kafka producer is not healthy"
	}
	components = append(components, producerHealth)

	return append(components, sessionHealth(h.sessions.Snapshot()))
}

// sessionHealth is degraded while any ready session has lost its connection
func sessionHealth(sessions []entities.SessionSnapshot) ComponentHealth {
	var ready, healthy int
	for _, s := range sessions {
		if s.Auth.State != entities.StateName(entities.Ready{}) {
			continue
		}
		ready++
		if s.Healthy {
			healthy++
		}
	}

	return ComponentHealth{
		Name:    "sessions",
		Healthy: healthy == ready,
		Message: fmt.Sprintf("%d of %d ready sessions connected, %d live", healthy, ready, len(sessions)),
	}
}

func determineOverallStatus(components []ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range components {
		if c.Healthy {
			continue
		}
		if c.Name == "sessions" {
			status = HealthStatusDegraded
			continue
		}
		return HealthStatusUnhealthy
	}
	return status
}
