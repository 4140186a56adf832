package business

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/Conte777/connector-service/config"
	credential "github.com/Conte777/connector-service/internal/domain/credential/entities"
	"github.com/Conte777/connector-service/internal/domain/session/deps"
	"github.com/Conte777/connector-service/internal/domain/session/entities"
	sessionerrors "github.com/Conte777/connector-service/internal/domain/session/errors"
)

const validToken = "biz-token-1"

type capturedWrites struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (w *capturedWrites) WriteSecrets(_ context.Context, secrets map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		w.secrets = make(map[string]string)
	}
	for k, v := range secrets {
		w.secrets[k] = v
	}
	return nil
}

// fakeAPI serves /v1/me and /v1/messages over an in-memory listener
type fakeAPI struct {
	mu         sync.Mutex
	sendStatus int
	retryAfter string
	sent       []sendRequest
}

func (f *fakeAPI) handle(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	if string(ctx.Request.Header.Peek("Authorization")) != "Bearer "+validToken {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString(`{"error":"invalid token"}`)
		return
	}

	switch string(ctx.Path()) {
	case "/v1/me":
		ctx.SetBodyString(`{"id":"p-1","name":"Acme Support"}`)
	case "/v1/messages":
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.sendStatus != 0 {
			ctx.SetStatusCode(f.sendStatus)
			if f.retryAfter != "" {
				ctx.Response.Header.Set("Retry-After", f.retryAfter)
			}
			ctx.SetBodyString(`{"error":"rejected"}`)
			return
		}
		var req sendRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		f.sent = append(f.sent, req)
		ctx.SetBodyString(`{"id":"msg-42","sent_at":1700000000}`)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func newTestFactory(t *testing.T, api *fakeAPI) *Factory {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, api.handle) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
	cfg := &config.BusinessConfig{BaseURL: "http://business.test", Timeout: 2 * time.Second}
	return newFactory(cfg, client, nil)
}

func newTestAdapter(t *testing.T, api *fakeAPI, secrets deps.SecretWriter) *Adapter {
	t.Helper()
	adapter, err := newTestFactory(t, api).New(deps.AdapterConfig{
		AccountKey: "biz-1",
		Logger:     zerolog.Nop(),
		Secrets:    secrets,
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func credentialWith(token string) entities.DecryptedCredential {
	cred := entities.DecryptedCredential{AccountKey: "biz-1", Network: credential.NetworkBusiness}
	if token != "" {
		cred.Secrets = map[string]string{credential.SecretToken: token}
	}
	return cred
}

func TestFactory(t *testing.T) {
	f := newTestFactory(t, &fakeAPI{})
	assert.Equal(t, credential.NetworkBusiness, f.Network())
	assert.Equal(t, []entities.AuthStep{entities.StepToken}, f.Flow().Steps)

	empty := newFactory(&config.BusinessConfig{}, &fasthttp.Client{}, nil)
	_, err := empty.New(deps.AdapterConfig{AccountKey: "biz-1"})
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		wantState entities.AuthState
		wantFatal bool
	}{
		{name: "no token awaits input", token: "", wantState: entities.Awaiting{Step: entities.StepToken}},
		{name: "valid token", token: validToken, wantState: entities.Ready{}},
		{name: "revoked token", token: "revoked", wantFatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, &fakeAPI{}, nil)

			state, err := adapter.Connect(context.Background(), credentialWith(tt.token))
			if tt.wantFatal {
				var authErr *sessionerrors.AuthError
				require.ErrorAs(t, err, &authErr)
				assert.False(t, authErr.Retryable)
				assert.Equal(t, "token_rejected", authErr.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantState, adapter.AuthState())
			assert.True(t, adapter.IsHealthy())
		})
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := &config.BusinessConfig{BaseURL: "http://business.test", Timeout: time.Second}
	client := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return nil, &net.OpError{Op: "dial", Err: assert.AnError} },
	}
	adapter, err := newFactory(cfg, client, nil).New(deps.AdapterConfig{AccountKey: "biz-1", Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = adapter.Connect(context.Background(), credentialWith(validToken))
	var connErr *sessionerrors.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "biz-1", connErr.AccountKey)
}

func TestAwaitingToken_LiveUntilDisconnect(t *testing.T) {
	adapter := newTestAdapter(t, &fakeAPI{}, nil)

	_, err := adapter.Connect(context.Background(), credentialWith(""))
	require.NoError(t, err)
	assert.True(t, adapter.IsHealthy())

	_, err = adapter.Send(context.Background(), entities.OutboundMessage{Recipient: "c-1", Text: "hi"})
	require.ErrorIs(t, err, sessionerrors.ErrNotConnected)
	require.ErrorIs(t, adapter.ReceiveWebhook(context.Background(), []byte(`{"events":[]}`)), sessionerrors.ErrNotConnected)

	require.NoError(t, adapter.Disconnect(context.Background()))
	assert.False(t, adapter.IsHealthy())
}

func TestSubmitAuthInput(t *testing.T) {
	writes := &capturedWrites{}
	adapter := newTestAdapter(t, &fakeAPI{}, writes)

	_, err := adapter.SubmitAuthInput(context.Background(), entities.StepPassword, "x")
	require.ErrorIs(t, err, sessionerrors.ErrStepMismatch)

	_, err = adapter.SubmitAuthInput(context.Background(), entities.StepToken, "typo")
	var authErr *sessionerrors.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Retryable)
	assert.Empty(t, writes.secrets)

	state, err := adapter.SubmitAuthInput(context.Background(), entities.StepToken, " "+validToken+" ")
	require.NoError(t, err)
	assert.Equal(t, entities.Ready{}, state)
	assert.True(t, adapter.IsHealthy())
	assert.Equal(t, map[string]string{credential.SecretToken: validToken}, writes.secrets)
}

func TestSend(t *testing.T) {
	api := &fakeAPI{}
	adapter := newTestAdapter(t, api, nil)

	_, err := adapter.Send(context.Background(), entities.OutboundMessage{Recipient: "c-1", Text: "hi"})
	require.ErrorIs(t, err, sessionerrors.ErrNotConnected)

	_, err = adapter.Connect(context.Background(), credentialWith(validToken))
	require.NoError(t, err)

	sent, err := adapter.Send(context.Background(), entities.OutboundMessage{Recipient: "c-1", Text: "hello", Subject: "s"})
	require.NoError(t, err)
	assert.Equal(t, "msg-42", sent.ExternalID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), sent.SentAt)

	api.mu.Lock()
	assert.Equal(t, []sendRequest{{To: "c-1", Text: "hello", Subject: "s"}}, api.sent)
	api.mu.Unlock()
}

func TestSend_Rejections(t *testing.T) {
	t.Run("rate limited keeps the adapter healthy", func(t *testing.T) {
		api := &fakeAPI{sendStatus: fasthttp.StatusTooManyRequests, retryAfter: "7"}
		adapter := newTestAdapter(t, api, nil)
		_, err := adapter.Connect(context.Background(), credentialWith(validToken))
		require.NoError(t, err)

		_, err = adapter.Send(context.Background(), entities.OutboundMessage{Recipient: "c-1", Text: "x"})
		var apiErr *apiError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
		assert.True(t, adapter.IsHealthy())
	})

	t.Run("revoked token marks the adapter unhealthy", func(t *testing.T) {
		api := &fakeAPI{sendStatus: fasthttp.StatusUnauthorized}
		adapter := newTestAdapter(t, api, nil)
		_, err := adapter.Connect(context.Background(), credentialWith(validToken))
		require.NoError(t, err)

		_, err = adapter.Send(context.Background(), entities.OutboundMessage{Recipient: "c-1", Text: "x"})
		require.Error(t, err)
		assert.False(t, adapter.IsHealthy())
	})
}

func TestReceiveWebhook(t *testing.T) {
	adapter := newTestAdapter(t, &fakeAPI{}, nil)

	var events []entities.Event
	adapter.Subscribe(func(ev entities.Event) { events = append(events, ev) })

	payload := []byte(`{"events":[
		{"id":"e1","type":"message","chat_id":"c-1","from":{"id":"u-1","name":"Ann"},"text":"first","timestamp":1700000001},
		{"id":"e2","type":"message","chat_id":"c-1","from":{"id":"u-1","name":"Ann"},"media":{"type":"image","caption":"look","file_name":"a.png"}},
		{"id":"e3","type":"reaction","chat_id":"c-1"},
		{"type":"status","status":"disconnected"}
	]}`)

	require.ErrorIs(t, adapter.ReceiveWebhook(context.Background(), payload), sessionerrors.ErrNotConnected)

	_, err := adapter.Connect(context.Background(), credentialWith(validToken))
	require.NoError(t, err)
	events = nil

	require.NoError(t, adapter.ReceiveWebhook(context.Background(), payload))
	require.Len(t, events, 4)

	first := events[0]
	assert.Equal(t, entities.EventKindMessage, first.Kind)
	assert.Equal(t, "biz-1", first.AccountKey)
	assert.Equal(t, time.Unix(1700000001, 0).UTC(), first.OccurredAt)
	assert.Equal(t, entities.InboundMessage{
		ExternalID: "e1",
		ChatID:     "c-1",
		SenderID:   "u-1",
		SenderName: "Ann",
		Content:    entities.TextContent{Text: "first"},
	}, *first.Message)

	assert.Equal(t, entities.MediaContent{MediaType: "image", Caption: "look", FileName: "a.png"}, events[1].Message.Content)
	assert.Equal(t, entities.UnsupportedContent{Kind: "reaction"}, events[2].Message.Content)

	require.Equal(t, entities.EventKindStatus, events[3].Kind)
	assert.False(t, events[3].Status.Connected)

	assert.Error(t, adapter.ReceiveWebhook(context.Background(), []byte("{not json")))
}

func TestDisconnect(t *testing.T) {
	adapter := newTestAdapter(t, &fakeAPI{}, nil)
	_, err := adapter.Connect(context.Background(), credentialWith(validToken))
	require.NoError(t, err)

	var statuses []bool
	adapter.Subscribe(func(ev entities.Event) {
		if ev.Status != nil {
			statuses = append(statuses, ev.Status.Connected)
		}
	})

	require.NoError(t, adapter.Disconnect(context.Background()))
	require.NoError(t, adapter.Disconnect(context.Background()))
	assert.False(t, adapter.IsHealthy())
	assert.Equal(t, []bool{false}, statuses)

	_, err = adapter.Connect(context.Background(), credentialWith(validToken))
	var connErr *sessionerrors.ConnectError
	assert.ErrorAs(t, err, &connErr)
}
