package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/text/language"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/render"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/tui"
)

// DrawCmd draws a spread. Without --plain it opens the interactive view.
type DrawCmd struct {
	Plain bool          `long:"plain" description:"print the reading instead of opening the interactive view"`
	Step  time.Duration `long:"step" default:"250ms" description:"pause between two cards"`
	Args  struct {
		Kind string `positional-arg-name:"kind" description:"three_card, celtic or elemental_insight"`
	} `positional-args:"yes"`
}

func (c *DrawCmd) Execute(_ []string) error {
	var kind domain.SpreadKind
	if c.Args.Kind != "" {
		k, err := domain.ParseSpreadKind(c.Args.Kind)
		if err != nil {
			return fmt.Errorf("%w: %q", err, c.Args.Kind)
		}
		kind = k
	}

	e, err := openEnv(!c.Plain)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	if !c.Plain {
		bridge := tui.NewBridge(c.Step)
		p := e.pipeline(bridge, bridge, bridge.Viewport)
		line := func() string {
			return render.QuotaLine(e.printer, e.tracker.CanDraw(ctx, e.identity), time.Now())
		}
		return tui.Run(ctx, p, bridge, e.identity, kind, line)
	}

	if kind == "" {
		kind = domain.SpreadThreeCard
	}
	r := render.New(os.Stdout, render.WithStep(c.Step), render.WithLanguage(language.Make(e.cfg.Language)))
	p := e.pipeline(r, r, nil)
	reading, err := p.Run(ctx, kind, e.identity)
	if err != nil {
		// The renderer has already shown the failure.
		if errors.Is(err, domain.ErrQuotaExceeded) {
			fmt.Println(render.QuotaLine(e.printer, e.tracker.CanDraw(ctx, e.identity), time.Now()))
		}
		return err
	}
	fmt.Print("\n" + render.Table(reading.Spread))
	return nil
}
