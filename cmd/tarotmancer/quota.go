package main

import (
	"fmt"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/render"
)

type QuotaCmd struct{}

func (c *QuotaCmd) Execute(_ []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	d := e.tracker.CanDraw(ctx, e.identity)
	fmt.Println(render.QuotaLine(e.printer, d, time.Now()))
	e.logger.Debug("quota checked", "mode", d.Mode, "fingerprint", e.tracker.Fingerprint())
	return nil
}
