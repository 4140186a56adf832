// Package business connects accounts of the business messaging API
package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// apiError is a non-2xx reply of the business API
type apiError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("business api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("business api: status %d", e.Status)
}

func (e *apiError) unauthorized() bool {
	return e.Status == fasthttp.StatusUnauthorized || e.Status == fasthttp.StatusForbidden
}

// Profile identifies the account a token belongs to
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type sendRequest struct {
	To      string `json:"to"`
	Text    string `json:"text"`
	Subject string `json:"subject,omitempty"`
}

type sendResponse struct {
	ID     string `json:"id"`
	SentAt int64  `json:"sent_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// apiClient is a thin JSON client over fasthttp
type apiClient struct {
	baseURL string
	timeout time.Duration
	http    *fasthttp.Client
}

func (c *apiClient) me(ctx context.Context, token string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, fasthttp.MethodGet, "/v1/me", token, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *apiClient) send(ctx context.Context, token string, body sendRequest) (*sendResponse, error) {
	var out sendResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/v1/messages", token, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(payload)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return fmt.Errorf("business api %s %s: %w", method, path, context.DeadlineExceeded)
		}
		return fmt.Errorf("business api %s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		apiErr := &apiError{Status: status}
		var body errorResponse
		if json.Unmarshal(resp.Body(), &body) == nil {
			apiErr.Message = body.Error
		}
		if secs, err := strconv.Atoi(string(resp.Header.Peek("Retry-After"))); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
