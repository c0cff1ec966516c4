package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/backend"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/llm/mistral"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/storage/sqlite"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/transport"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/app"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/config"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/draw"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/quota"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/sequencer"
)

// env is everything a command needs, built from the config.
type env struct {
	cfg      config.Config
	logger   *slog.Logger
	printer  *message.Printer
	store    *sqlite.Store
	backend  *backend.Client
	tracker  *quota.Tracker
	identity domain.Identity
	closers  []func() error
}

// openEnv loads the config and opens the local store. With logToFile the
// log goes to a file so it cannot corrupt a full-screen view.
func openEnv(logToFile bool) (*env, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, printer: message.NewPrinter(language.Make(cfg.Language))}

	var logOut io.Writer = os.Stderr
	if logToFile {
		path := cfg.LogFile
		if path == "" {
			path = filepath.Join(filepath.Dir(cfg.DBPath), "tarotmancer.log")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		e.closers = append(e.closers, f.Close)
		logOut = f
	}
	e.logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(e.logger)

	e.store, err = sqlite.Open(cfg.DBPath)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open local store: %w", err)
	}
	e.closers = append(e.closers, e.store.Close)

	userID, token := cfg.UserID, cfg.Token
	if opts.UserID != "" {
		userID = opts.UserID
	}
	if opts.Token != "" {
		token = opts.Token
	}
	e.identity = domain.NewIdentity(userID, token)

	e.backend = backend.NewClient(transport.NewClient(cfg.HTTPTimeout), cfg.BaseURL, cfg.Origin, e.logger)
	e.tracker = quota.NewTracker(e.store, e.backend, quota.WithLogger(e.logger))
	return e, nil
}

// pipeline builds the reading pipeline around a view.
func (e *env) pipeline(animator app.Animator, observer sequencer.Observer, viewport func() domain.Viewport) *app.Pipeline {
	// No client timeout on the stream; the consumer's idle timeout covers it.
	interp := mistral.NewClient(transport.NewClient(0), e.cfg.BaseURL, e.cfg.Origin, e.cfg.FallbackModels, e.logger)

	drawOpts := []draw.Option{draw.WithWindow(e.cfg.DrawWindow)}
	if viewport != nil {
		drawOpts = append(drawOpts, draw.WithViewport(viewport))
	}
	return app.NewPipeline(e.backend, e.tracker, interp, animator,
		app.WithModel(e.cfg.Model),
		app.WithLanguage(e.cfg.Language),
		app.WithReadingStore(e.store),
		app.WithInterpretationSink(e.backend),
		app.WithIdleTimeout(e.cfg.IdleTimeout),
		app.WithDrawOptions(drawOpts...),
		app.WithObserver(observer),
		app.WithLogger(e.logger),
	)
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
