package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/storage/sqlite"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/render"
)

// HistoryCmd lists draws. Signed-in users see the backend history unless
// --local is given; everyone else sees the readings saved on this machine.
type HistoryCmd struct {
	Local  bool   `long:"local" description:"list readings saved on this machine"`
	Limit  int    `short:"n" long:"limit" default:"20" description:"number of local readings to list"`
	Delete string `long:"delete" value-name:"ID" description:"delete one draw"`
}

func (c *HistoryCmd) Execute(_ []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()
	now := time.Now()
	remote := !c.Local && !e.identity.Anonymous(now)

	if c.Delete != "" {
		if remote {
			if err := e.backend.DeleteDraw(ctx, e.identity, c.Delete); err != nil {
				return err
			}
		}
		if err := e.store.DeleteReading(ctx, c.Delete); err != nil && (!remote || !errors.Is(err, sqlite.ErrNotFound)) {
			return err
		}
		fmt.Printf("Deleted %s\n", c.Delete)
		return nil
	}

	if remote {
		entries, err := e.backend.ListDraws(ctx, e.identity)
		if err != nil {
			return err
		}
		fmt.Print(render.History(entries, now))
		return nil
	}
	readings, err := e.store.ListReadings(ctx, c.Limit)
	if err != nil {
		return err
	}
	fmt.Print(render.Readings(readings, now))
	return nil
}
