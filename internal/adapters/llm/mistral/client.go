// Package mistral opens interpretation streams on the backend's
// /api/mistral endpoint.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

// Client implements ports.StreamOpener.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	origin         string
	fallbackModels []string
	logger         *slog.Logger
}

func NewClient(httpClient *http.Client, baseURL, origin string, fallbackModels []string, logger *slog.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
		origin:         origin,
		fallbackModels: fallbackModels,
		logger:         logger,
	}
}

// OpenStream posts req and returns the event-stream body. When the
// requested model cannot be opened the fallback models are tried in order;
// once a stream is open no fallback happens.
func (c *Client) OpenStream(ctx context.Context, req ports.InterpretRequest) (io.ReadCloser, error) {
	models := candidates(req.Model, c.fallbackModels)

	var lastErr error
	for _, model := range models {
		req.Model = model
		body, err := c.open(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if errors.Is(err, domain.ErrUnauthenticated) || ctx.Err() != nil {
			break
		}
		if len(models) > 1 {
			c.logger.WarnContext(ctx, "model failed, trying next", "model", model, "error", err)
		}
	}
	return nil, lastErr
}

func (c *Client) open(ctx context.Context, req ports.InterpretRequest) (io.ReadCloser, error) {
	req.Stream = true
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ports.PathInterpret, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.origin != "" {
		httpReq.Header.Set("Origin", c.origin)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %w", domain.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		re := &domain.ResponseError{Status: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, re)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, re)
	}
	return resp.Body, nil
}

func candidates(primary string, fallbacks []string) []string {
	models := make([]string, 0, 1+len(fallbacks))
	seen := make(map[string]bool, 1+len(fallbacks))
	for _, m := range append([]string{primary}, fallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	if len(models) == 0 {
		models = append(models, "")
	}
	return models
}
