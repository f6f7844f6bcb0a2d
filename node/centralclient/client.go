// Package centralclient is the node's client for the central run API.
package centralclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/internal/runstate"
	"github.com/BaSui01/fedrun/types"
)

// Client calls the central API with the node's credential.
type Client struct {
	baseURL string
	http    *http.Client
	token   func() string
	logger  *zap.Logger
}

// New creates a client. token is consulted on every call so a refreshed
// credential takes effect immediately.
func New(baseURL string, httpClient *http.Client, token func() string, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if token == nil {
		token = func() string { return "" }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   token,
		logger:  logger.With(zap.String("component", "centralclient")),
	}
}

func (c *Client) StartRun(ctx context.Context, consortiumID string) (*runstate.Run, error) {
	var run runstate.Run
	err := c.do(ctx, http.MethodPost, "/api/v1/runs", api.StartRunRequest{ConsortiumID: consortiumID}, &run)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*runstate.Run, error) {
	var run runstate.Run
	if err := c.do(ctx, http.MethodGet, runPath(runID, ""), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) MarkReady(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, runPath(runID, "ready"), nil, nil)
}

func (c *Client) ReportError(ctx context.Context, runID, message string) error {
	return c.do(ctx, http.MethodPost, runPath(runID, "error"), api.ReportErrorRequest{Message: message}, nil)
}

func (c *Client) ReportComplete(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, runPath(runID, "complete"), nil, nil)
}

// ReportMetadata replaces the run's metadata.
func (c *Client) ReportMetadata(ctx context.Context, runID string, metadata map[string]any) error {
	return c.do(ctx, http.MethodPut, runPath(runID, "metadata"), api.ReportMetadataRequest{Metadata: metadata}, nil)
}

// RunToken fetches a fresh run-scoped file credential for the caller.
func (c *Client) RunToken(ctx context.Context, runID string) (string, error) {
	var out api.TokenResponse
	if err := c.do(ctx, http.MethodPost, runPath(runID, "token"), nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", types.NewError(types.ErrInternalError, "central returned an empty run token")
	}
	return out.Token, nil
}

func runPath(runID, action string) string {
	p := "/api/v1/runs/" + url.PathEscape(runID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return types.NewError(types.ErrInvalidRequest, "failed to encode request").WithCause(err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "failed to build request").WithCause(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "central unreachable").
			WithCause(err).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "failed to read response").WithCause(err).WithRetryable(true)
	}

	var env api.Envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapHTTPError(resp.StatusCode, env.Error, strings.TrimSpace(string(raw)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if decodeErr != nil {
		return types.NewError(types.ErrInternalError, "malformed response").WithCause(decodeErr)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return types.NewError(types.ErrInternalError, "malformed response data").WithCause(err)
	}
	c.logger.Debug("central call", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
	return nil
}

// mapHTTPError turns a non-2xx response into a typed error. The server's own
// code wins over the status mapping.
func mapHTTPError(status int, body *api.ErrorBody, raw string) *types.Error {
	if body != nil && body.Code != "" {
		return types.NewError(types.ErrorCode(body.Code), body.Message).
			WithHTTPStatus(status).
			WithRetryable(body.Retryable || status >= 500)
	}

	var code types.ErrorCode
	switch status {
	case http.StatusBadRequest:
		code = types.ErrInvalidRequest
	case http.StatusUnauthorized:
		code = types.ErrUnauthorized
	case http.StatusForbidden:
		code = types.ErrForbidden
	case http.StatusNotFound:
		code = types.ErrNotFound
	case http.StatusConflict:
		code = types.ErrConflict
	case http.StatusTooManyRequests:
		code = types.ErrRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		code = types.ErrServiceUnavailable
	default:
		code = types.ErrInternalError
	}
	msg := raw
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = fmt.Sprintf("central returned %d", status)
	}
	return types.NewError(code, msg).
		WithHTTPStatus(status).
		WithRetryable(status == http.StatusTooManyRequests || status >= 500)
}
