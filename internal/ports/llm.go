package ports

import (
	"context"
	"io"
)

// ChatMessage is one message of an OpenAI-compatible chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InterpretRequest is the body of the interpretation endpoint.
type InterpretRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// StreamOpener starts an interpretation and returns the raw event stream.
// The caller owns the returned body.
type StreamOpener interface {
	OpenStream(ctx context.Context, req InterpretRequest) (io.ReadCloser, error)
}

// Interpreter produces an interpretation incrementally, calling emit for
// every text delta in order. It returns the model that answered.
type Interpreter interface {
	Interpret(ctx context.Context, req InterpretRequest, emit func(delta string) error) (string, error)
}
