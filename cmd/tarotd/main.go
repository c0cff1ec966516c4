package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/decks"
	httpadapter "github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/http"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/llm/openrouter"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/storage/sqlite"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/transport"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/app"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/config"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

// stdRNG delegates to math/rand/v2 (auto-seeded).
type stdRNG struct{}

func (stdRNG) Intn(n int) int { return rand.IntN(n) }

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, err := sqlite.Open(cfg.ServerDBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.ServerDBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	deckStore := decks.NewEmbeddedStore()

	var interp ports.Interpreter
	switch cfg.LLMProvider {
	case "openrouter":
		// The idle timeout of the upstream stream replaces a client timeout.
		interp = openrouter.NewClient(
			transport.NewClient(0),
			cfg.OpenRouterAPIKey,
			cfg.OpenRouterBaseURL,
			cfg.LLMModel,
			cfg.LLMFallbackModels,
			cfg.LLMTimeout,
			logger,
		)
	default:
		interp = app.NewTemplateInterpreter(deckStore, decks.DefaultDeck, cfg.TemplateDelay)
	}

	svc := app.NewTarotService(deckStore, store, stdRNG{}, decks.DefaultDeck, cfg.DailyLimit)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(httpadapter.RequestIDMiddleware())
	e.Use(httpadapter.LoggingMiddleware(logger))
	e.Use(middleware.CORS())
	e.Use(middleware.Gzip())
	e.Use(httpadapter.AuthMiddleware([]byte(cfg.JWTSecret)))

	handler := httpadapter.NewHandler(svc, interp, logger)
	handler.Register(e)

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		logger.Info("starting server", "addr", cfg.HTTPAddr, "llm", cfg.LLMProvider, "auth", cfg.JWTSecret != "")
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
