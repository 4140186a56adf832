package httputil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestWriteResponse(t *testing.T) {
	var ctx fasthttp.RequestCtx

	WriteResponseWithStatus(&ctx, map[string]string{"state": "ready"}, fasthttp.StatusAccepted)

	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	var resp Response
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.True(t, resp.Success)
}

func TestWriteError(t *testing.T) {
	var ctx fasthttp.RequestCtx

	WriteError(&ctx, nil, fasthttp.StatusInternalServerError)

	var resp Response
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "internal server error", resp.Error)
}

func TestSetRetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx

	SetRetryAfter(&ctx, 1500*time.Millisecond)
	assert.Equal(t, "2", string(ctx.Response.Header.Peek("Retry-After")))

	var empty fasthttp.RequestCtx
	SetRetryAfter(&empty, 0)
	assert.Empty(t, empty.Response.Header.Peek("Retry-After"))
}

func TestPathParam(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.SetUserValue("account_key", "acct-1")

	v, ok := PathParam(&ctx, "account_key")
	assert.True(t, ok)
	assert.Equal(t, "acct-1", v)

	_, ok = PathParam(&ctx, "missing")
	assert.False(t, ok)
}

func TestRecover(t *testing.T) {
	handler := Recover(zerolog.Nop())(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	var ctx fasthttp.RequestCtx
	handler(&ctx)

	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}
