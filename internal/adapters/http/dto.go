package http

import "github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"

// DrawResponse is the JSON shape returned by the draw endpoints.
type DrawResponse struct {
	ID        string                  `json:"id"`
	Positions []ports.PositionPayload `json:"positions"`
}

// streamChunk is one event of the interpretation stream, in the
// OpenAI-compatible delta shape.
type streamChunk struct {
	Model   string         `json:"model,omitempty"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
}

type streamDelta struct {
	Content string `json:"content"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
