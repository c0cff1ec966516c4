package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

// TemplateModel is the model name reported by TemplateInterpreter.
const TemplateModel = "template"

// TemplateInterpreter writes a deterministic interpretation from the deck's
// keywords, streamed word by word. It stands in for a language model when
// none is configured.
type TemplateInterpreter struct {
	deckStore ports.DeckStore
	deckID    string
	delay     time.Duration
}

func NewTemplateInterpreter(ds ports.DeckStore, deckID string, delay time.Duration) *TemplateInterpreter {
	return &TemplateInterpreter{deckStore: ds, deckID: deckID, delay: delay}
}

func (t *TemplateInterpreter) Interpret(ctx context.Context, req ports.InterpretRequest, emit func(string) error) (string, error) {
	var summary string
	for _, m := range req.Messages {
		if m.Role == "user" {
			summary = m.Content
		}
	}
	positions := parseSummary(summary)
	if len(positions) == 0 {
		return "", fmt.Errorf("%w: no spread in request", domain.ErrUpstreamLLM)
	}

	deck, err := t.deckStore.GetDeck(ctx, t.deckID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUpstreamLLM, err)
	}
	byName := make(map[string]domain.DeckCard, len(deck.Cards))
	for _, c := range deck.Cards {
		byName[strings.ToLower(c.Name)] = c
	}

	text := compose(positions, byName)
	for _, word := range words(text) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := emit(word); err != nil {
			return "", err
		}
		if t.delay > 0 {
			select {
			case <-time.After(t.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return TemplateModel, nil
}

func compose(positions []ports.PositionPayload, byName map[string]domain.DeckCard) string {
	var b strings.Builder
	var themes []string
	for _, p := range positions {
		fmt.Fprintf(&b, "## %s: %s (%s)\n\n", p.PositionName, p.Card, p.Orientation)
		card, ok := byName[strings.ToLower(p.Card)]
		if !ok {
			fmt.Fprintf(&b, "%s sits in the place of %s. Consider what it brings up for you.\n\n", p.Card, strings.ToLower(p.PositionName))
			continue
		}
		keywords := strings.Join(card.Keywords, ", ")
		if o, _ := domain.ParseOrientation(p.Orientation); o == domain.Reversed {
			fmt.Fprintf(&b, "%s Reversed, its themes of %s may be turned inward or delayed.\n\n", card.Short, keywords)
		} else {
			fmt.Fprintf(&b, "%s Here it speaks of %s.\n\n", card.Short, keywords)
		}
		if len(card.Keywords) > 0 {
			themes = append(themes, card.Keywords[0])
		}
	}
	b.WriteString("## Synthesis\n\n")
	if len(themes) > 0 {
		fmt.Fprintf(&b, "Together the cards move through %s. ", strings.Join(themes, ", then "))
	}
	b.WriteString("Which of these threads feels most alive for you right now?\n")
	return b.String()
}

// words splits s after each space, so the pieces concatenate back to s.
func words(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexAny(s, " \n")
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}
