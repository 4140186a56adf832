package http

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	"github.com/Conte777/connector-service/internal/infrastructure/http/server"
	"github.com/Conte777/connector-service/internal/infrastructure/metrics"
)

// TestMetricsEndpoint verifies /metrics exposes the connector collectors
func TestMetricsEndpoint(t *testing.T) {
	m := metrics.GetDefaultMetrics()
	m.RecordTeardown()
	m.RecordEventSinkError()

	srv := server.NewServer("connector-service", "0", zerolog.Nop())
	srv.RegisterMetrics()

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/metrics")
	srv.Handler()(&ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Header.ContentType()), "text/plain")

	body := string(ctx.Response.Body())
	assert.True(t, strings.Contains(body, "go_goroutines"))
	for _, name := range []string{
		"connector_teardowns_total",
		"connector_event_sink_errors_total",
		"connector_kafka_messages_produced_total",
	} {
		assert.Contains(t, body, name)
	}
}
