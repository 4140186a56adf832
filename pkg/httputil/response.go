package httputil

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// WriteResponse writes a successful JSON response
func WriteResponse(ctx *fasthttp.RequestCtx, data interface{}) {
	WriteResponseWithStatus(ctx, data, fasthttp.StatusOK)
}

// WriteResponseWithStatus writes a successful JSON response with custom status
func WriteResponseWithStatus(ctx *fasthttp.RequestCtx, data interface{}, status int) {
	resp := Response{
		Success: true,
		Data:    data,
	}
	writeJSON(ctx, resp, status)
}

// WriteErrorResponse writes an error JSON response
func WriteErrorResponse(ctx *fasthttp.RequestCtx, message string, status int) {
	resp := Response{
		Success: false,
		Error:   message,
	}
	writeJSON(ctx, resp, status)
}

// WriteErrorWithCode writes an error JSON response carrying a machine-readable code
func WriteErrorWithCode(ctx *fasthttp.RequestCtx, message, code string, status int) {
	resp := Response{
		Success: false,
		Error:   message,
		Code:    code,
	}
	writeJSON(ctx, resp, status)
}

// WriteError writes an error response with error object
func WriteError(ctx *fasthttp.RequestCtx, err error, status int) {
	message := "internal server error"
	if err != nil {
		message = err.Error()
	}
	WriteErrorResponse(ctx, message, status)
}

// writeJSON writes JSON response to context
func writeJSON(ctx *fasthttp.RequestCtx, data interface{}, status int) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)

	body, err := json.Marshal(data)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBody([]byte(`{"success":false,"error":"failed to marshal response"}`))
		return
	}

	ctx.SetBody(body)
}

// WriteHealthResponse writes a health check response
func WriteHealthResponse(ctx *fasthttp.RequestCtx, data interface{}, healthy bool) {
	status := fasthttp.StatusOK
	if !healthy {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, data, status)
}

// PathParam returns a non-empty router path parameter
func PathParam(ctx *fasthttp.RequestCtx, name string) (string, bool) {
	value, ok := ctx.UserValue(name).(string)
	return value, ok && value != ""
}

// DecodeJSON unmarshals the request body into v
func DecodeJSON(ctx *fasthttp.RequestCtx, v interface{}) error {
	return json.Unmarshal(ctx.PostBody(), v)
}

// SetRetryAfter sets the Retry-After header rounded up to whole seconds
func SetRetryAfter(ctx *fasthttp.RequestCtx, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int((d + time.Second - 1) / time.Second)
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
}
