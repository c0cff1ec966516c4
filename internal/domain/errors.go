package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidN      = errors.New("n must be between 1 and 10")
	ErrNExceedsDeck  = errors.New("n exceeds number of cards in deck")
	ErrDeckNotFound  = errors.New("deck not found")
	ErrUpstreamLLM   = errors.New("upstream LLM failure")
	ErrUnknownSpread = errors.New("unknown spread kind")

	ErrUnauthenticated   = errors.New("authentication required")
	ErrQuotaExceeded     = errors.New("draw quota exceeded")
	ErrNetwork           = errors.New("network error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrStream            = errors.New("interpretation stream failed")
	ErrSuperseded        = errors.New("draw superseded by a newer request")
)

// ResponseError keeps the raw status and body of a failed or unparseable
// backend response for diagnostics.
type ResponseError struct {
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("status %d: %s", e.Status, body)
}

// QuotaError is returned when a draw is blocked by the quota tracker.
type QuotaError struct {
	Decision QuotaDecision
}

func (e *QuotaError) Error() string {
	if e.Decision.Mode == QuotaAnonymous && e.Decision.Cooldown > 0 {
		return fmt.Sprintf("%s: next draw in %s", ErrQuotaExceeded, FormatCooldown(e.Decision.Cooldown))
	}
	return ErrQuotaExceeded.Error()
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }
