// Package backend is the HTTP client of the tarot backend: draws, the
// draw-count check, history and interpretation storage.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

const maxBody = 4 << 20

// Client implements the ports.SpreadSource, ports.AllowanceSource,
// ports.HistorySource and ports.InterpretationSink contracts over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	origin     string
	logger     *slog.Logger
}

func NewClient(httpClient *http.Client, baseURL, origin string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		origin:     origin,
		logger:     logger,
	}
}

type drawResponse struct {
	ID        json.RawMessage         `json:"id"`
	Positions []ports.PositionPayload `json:"positions"`
}

func (c *Client) DrawSpread(ctx context.Context, kind domain.SpreadKind, id domain.Identity) (ports.SpreadPayload, error) {
	path := ports.DrawPath(kind)
	if path == "" {
		return ports.SpreadPayload{}, fmt.Errorf("%w: %q", domain.ErrUnknownSpread, kind)
	}

	resp, body, err := c.do(ctx, http.MethodGet, path, id, nil)
	if err != nil {
		return ports.SpreadPayload{}, err
	}
	q := parseQuota(resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		d := domain.QuotaDecision{DrawQuota: domain.DrawQuota{Remaining: 0, ResetAt: q.ResetAt, Mode: domain.QuotaAuthenticated}}
		if !q.ResetAt.IsZero() {
			d.Cooldown = time.Until(q.ResetAt)
		}
		return ports.SpreadPayload{}, &domain.QuotaError{Decision: d}
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return ports.SpreadPayload{}, err
	}

	var dr drawResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		c.logger.ErrorContext(ctx, "undecodable draw response", "kind", kind, "error", err, "body", string(body))
		return ports.SpreadPayload{}, fmt.Errorf("%w: decode draw: %w", domain.ErrMalformedResponse,
			&domain.ResponseError{Status: resp.StatusCode, Body: string(body)})
	}

	return ports.SpreadPayload{
		ID:        rawID(dr.ID),
		Positions: dr.Positions,
		Quota:     q,
		Raw:       body,
	}, nil
}

func (c *Client) CanDraw(ctx context.Context, id domain.Identity) (ports.Allowance, error) {
	resp, body, err := c.do(ctx, http.MethodGet, ports.PathCanDraw, id, nil)
	if err != nil {
		return ports.Allowance{}, err
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return ports.Allowance{}, err
	}
	var a ports.Allowance
	if err := json.Unmarshal(body, &a); err != nil {
		return ports.Allowance{}, fmt.Errorf("%w: decode can-draw: %w", domain.ErrMalformedResponse,
			&domain.ResponseError{Status: resp.StatusCode, Body: string(body)})
	}
	return a, nil
}

// historyRecord lets the id be a number or a string.
type historyRecord struct {
	ports.DrawRecordPayload
	ID json.RawMessage `json:"id"`
}

func (c *Client) ListDraws(ctx context.Context, id domain.Identity) ([]domain.HistoryEntry, error) {
	resp, body, err := c.do(ctx, http.MethodGet, ports.PathUserDraws, id, nil)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return nil, err
	}
	var records []historyRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%w: decode user-draws: %w", domain.ErrMalformedResponse,
			&domain.ResponseError{Status: resp.StatusCode, Body: string(body)})
	}

	entries := make([]domain.HistoryEntry, 0, len(records))
	for _, r := range records {
		kind, err := domain.ParseSpreadKind(r.Kind)
		if err != nil {
			c.logger.WarnContext(ctx, "history entry of unknown kind", "id", rawID(r.ID), "kind", r.Kind)
			kind = domain.SpreadKind(r.Kind)
		}
		cards := make([]string, len(r.Positions))
		for i, p := range r.Positions {
			cards[i] = fmt.Sprintf("%s: %s (%s)", p.PositionName, p.Card, p.Orientation)
		}
		entries = append(entries, domain.HistoryEntry{
			ID:        rawID(r.ID),
			Kind:      kind,
			CreatedAt: r.CreatedAt,
			Cards:     cards,
			Response:  r.Response,
		})
	}
	return entries, nil
}

func (c *Client) DeleteDraw(ctx context.Context, id domain.Identity, drawID string) error {
	resp, body, err := c.do(ctx, http.MethodDelete, ports.PathUserDraws+"/"+url.PathEscape(drawID), id, nil)
	if err != nil {
		return err
	}
	return statusError(resp.StatusCode, body)
}

// StoreInterpretation sends the assembled text with the caller's credentials.
func (c *Client) StoreInterpretation(ctx context.Context, kind domain.SpreadKind, id domain.Identity, drawID, text string) error {
	payload, err := json.Marshal(ports.StoreRequest{DrawID: drawID, UserID: id.UserID, Response: text})
	if err != nil {
		return fmt.Errorf("marshal store request: %w", err)
	}
	resp, body, err := c.do(ctx, http.MethodPost, ports.StorePath(kind), id, payload)
	if err != nil {
		return err
	}
	return statusError(resp.StatusCode, body)
}

// do performs one request and reads the whole body. Transport failures wrap
// domain.ErrNetwork.
func (c *Client) do(ctx context.Context, method, path string, id domain.Identity, payload []byte) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id.Token != "" {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}
	if id.UserID != "" {
		req.Header.Set(ports.HeaderUserID, id.UserID)
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %s: %w", domain.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %w", domain.ErrNetwork, path, err)
	}
	return resp, body, nil
}

// statusError maps a non-2xx status onto the domain errors.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	re := &domain.ResponseError{Status: status, Body: string(body)}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", domain.ErrUnauthenticated, re)
	default:
		return fmt.Errorf("%w: %w", domain.ErrNetwork, re)
	}
}

// parseQuota reads the rate-limit headers. Reset is unix seconds; an
// RFC 3339 timestamp is accepted too.
func parseQuota(h http.Header) ports.ServerQuota {
	raw := strings.TrimSpace(h.Get(ports.HeaderRemaining))
	if raw == "" {
		return ports.ServerQuota{}
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return ports.ServerQuota{}
	}
	q := ports.ServerQuota{Known: true, Remaining: max(0, remaining)}

	reset := strings.TrimSpace(h.Get(ports.HeaderReset))
	if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
		q.ResetAt = time.Unix(secs, 0)
	} else if t, err := time.Parse(time.RFC3339, reset); err == nil {
		q.ResetAt = t
	}
	return q
}

// rawID accepts both numeric and string ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
