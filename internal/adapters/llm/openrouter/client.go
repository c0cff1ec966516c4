package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/stream"
)

// Client implements ports.Interpreter by streaming chat completions from
// the OpenRouter API.
type Client struct {
	httpClient     *http.Client
	apiKey         string
	baseURL        string
	model          string
	fallbackModels []string
	idle           time.Duration
	logger         *slog.Logger
}

func NewClient(httpClient *http.Client, apiKey, baseURL, model string, fallbackModels []string, idle time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		apiKey:         apiKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		model:          model,
		fallbackModels: fallbackModels,
		idle:           idle,
		logger:         logger,
	}
}

// Interpret streams the completion of req, calling emit with every delta.
// A model that fails before producing any text is replaced by the next
// fallback; after the first delta the failure is returned as is.
func (c *Client) Interpret(ctx context.Context, req ports.InterpretRequest, emit func(string) error) (string, error) {
	models := make([]string, 0, 2+len(c.fallbackModels))
	if req.Model != "" && req.Model != c.model {
		models = append(models, req.Model)
	}
	models = append(models, c.model)
	models = append(models, c.fallbackModels...)

	var lastErr error
	for _, model := range models {
		started, err := c.interpretWithModel(ctx, req, model, emit)
		if err == nil {
			return model, nil
		}
		lastErr = err
		if started || ctx.Err() != nil {
			break
		}
		if len(models) > 1 {
			c.logger.WarnContext(ctx, "model failed, trying next", "model", model, "error", err)
		}
	}
	return "", lastErr
}

func (c *Client) interpretWithModel(ctx context.Context, req ports.InterpretRequest, model string, emit func(string) error) (bool, error) {
	req.Model = model
	consumer := stream.NewConsumer(c, func(uint64) bool { return true },
		stream.WithIdleTimeout(c.idle), stream.WithLogger(c.logger))

	s, err := consumer.Consume(ctx, &stream.Session{}, req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrUpstreamLLM, err)
	}
	started := false
	for chunk, err := range s.All(ctx) {
		if err != nil {
			return started, fmt.Errorf("%w: %w", domain.ErrUpstreamLLM, err)
		}
		started = true
		if err := emit(chunk.Text); err != nil {
			return started, err
		}
	}
	return started, nil
}

// OpenStream posts a streaming chat completion and returns its event stream.
func (c *Client) OpenStream(ctx context.Context, req ports.InterpretRequest) (io.ReadCloser, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http call: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.Body, nil
}
