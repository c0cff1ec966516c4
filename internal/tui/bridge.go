package tui

import (
	"context"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/sequencer"
)

type phaseMsg sequencer.Transition

type cardMsg sequencer.CardEvent

type textMsg struct {
	epoch uint64
	chunk string
}

type doneMsg struct {
	reading domain.Reading
	err     error
}

type quotaMsg string

// Map area the layout is computed for, in terminal cells.
const (
	mapWidth  = 56
	mapHeight = 13
)

// Bridge connects the pipeline to a running program. It is the sequencer
// observer, forwarding every change as a message, and the animator, pacing
// the deal and reveal. Messages sent before Attach are dropped.
type Bridge struct {
	mu   sync.Mutex
	send func(tea.Msg)
	step time.Duration
}

func NewBridge(step time.Duration) *Bridge {
	return &Bridge{step: step}
}

// Attach starts forwarding to send, usually a tea.Program's Send.
func (b *Bridge) Attach(send func(tea.Msg)) {
	b.mu.Lock()
	b.send = send
	b.mu.Unlock()
}

// Viewport is the layout area, for draw.WithViewport.
func (b *Bridge) Viewport() domain.Viewport {
	return domain.Viewport{Width: mapWidth, Height: mapHeight}
}

func (b *Bridge) forward(msg tea.Msg) {
	b.mu.Lock()
	send := b.send
	b.mu.Unlock()
	if send != nil {
		send(msg)
	}
}

func (b *Bridge) OnPhase(t sequencer.Transition)   { b.forward(phaseMsg(t)) }
func (b *Bridge) OnCard(ev sequencer.CardEvent)    { b.forward(cardMsg(ev)) }
func (b *Bridge) OnText(epoch uint64, chunk string) { b.forward(textMsg{epoch: epoch, chunk: chunk}) }

func (b *Bridge) Deal(ctx context.Context, _ uint64, spread domain.Spread, dealt func(int)) error {
	return b.each(ctx, len(spread.Positions), dealt)
}

// Reveal turns the cards over in position order.
func (b *Bridge) Reveal(ctx context.Context, _ uint64, spread domain.Spread, revealed func(int)) error {
	return b.each(ctx, len(spread.Positions), revealed)
}

func (b *Bridge) each(ctx context.Context, n int, fn func(int)) error {
	for i := range n {
		if b.step > 0 {
			t := time.NewTimer(b.step)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		fn(i)
	}
	return nil
}
