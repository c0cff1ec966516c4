package openrouter_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/llm/openrouter"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

func testRequest() ports.InterpretRequest {
	return ports.InterpretRequest{
		Messages: []ports.ChatMessage{
			{Role: "system", Content: "You are a tarot reader."},
			{Role: "user", Content: "Past: The Fool - upright\nPresent: The Tower - reversed\nFuture: The Star - upright"},
		},
	}
}

func sse(w http.ResponseWriter, deltas ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, d := range deltas {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func TestClient_Interpret_Success(t *testing.T) {
	var gotReq map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify method and path.
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %s", r.URL.Path)
		}
		// Verify headers.
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("bad auth header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("bad content-type: %s", r.Header.Get("Content-Type"))
		}

		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)

		sse(w, "A thoughtful ", "interpretation.")
	}))
	defer srv.Close()

	client := openrouter.NewClient(srv.Client(), "test-key", srv.URL, "test-model", nil, 0, slog.Default())

	var text strings.Builder
	model, err := client.Interpret(context.Background(), testRequest(), func(d string) error {
		text.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if text.String() != "A thoughtful interpretation." {
		t.Errorf("unexpected text: %s", text.String())
	}
	if model != "test-model" {
		t.Errorf("unexpected model: %s", model)
	}

	// Verify the request body asks for a stream of our model.
	if gotReq["model"] != "test-model" {
		t.Errorf("request model: %v", gotReq["model"])
	}
	if gotReq["stream"] != true {
		t.Errorf("request stream: %v", gotReq["stream"])
	}
}

func TestClient_Interpret_FallbackModel(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ports.InterpretRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		models = append(models, req.Model)
		if req.Model == "primary" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		sse(w, "from backup")
	}))
	defer srv.Close()

	client := openrouter.NewClient(srv.Client(), "k", srv.URL, "primary", []string{"backup"}, 0, slog.Default())

	var text string
	model, err := client.Interpret(context.Background(), testRequest(), func(d string) error {
		text += d
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != "backup" {
		t.Errorf("expected backup model, got %s", model)
	}
	if text != "from backup" {
		t.Errorf("unexpected text: %s", text)
	}
	if len(models) != 2 {
		t.Errorf("expected 2 calls, got %v", models)
	}
}

func TestClient_Interpret_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	client := openrouter.NewClient(srv.Client(), "k", srv.URL, "m", nil, 0, slog.Default())

	_, err := client.Interpret(context.Background(), testRequest(), func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrUpstreamLLM) {
		t.Errorf("expected ErrUpstreamLLM, got %v", err)
	}
}

func TestClient_Interpret_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"half\"}}]}\n\n")
	}))
	defer srv.Close()

	client := openrouter.NewClient(srv.Client(), "k", srv.URL, "m", []string{"other"}, 0, slog.Default())

	calls := 0
	_, err := client.Interpret(context.Background(), testRequest(), func(string) error {
		calls++
		return nil
	})
	if !errors.Is(err, domain.ErrStream) {
		t.Errorf("expected stream error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("no fallback after text was emitted, got %d deltas", calls)
	}
}
