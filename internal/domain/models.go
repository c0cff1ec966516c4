package domain

import (
	"fmt"
	"strings"
	"time"
)

// RNG abstracts random number generation for deterministic testing.
type RNG interface {
	// Intn returns a non-negative random int in [0, n).
	Intn(n int) int
}

// Orientation represents the orientation of a drawn tarot card.
type Orientation string

const (
	Upright  Orientation = "upright"
	Reversed Orientation = "reversed"
)

// ParseOrientation accepts the spellings the backend has been seen to use.
func ParseOrientation(s string) (Orientation, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "upright", "up", "":
		return Upright, true
	case "reversed", "reverse", "inverted":
		return Reversed, true
	default:
		return "", false
	}
}

// Card is a card as it appears in a spread.
type Card struct {
	Name        string      `json:"name"`
	ImageRef    string      `json:"image_ref"`
	Orientation Orientation `json:"orientation"`
}

// DeckCard is a single tarot card in a deck.
type DeckCard struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Image    string   `json:"image"`
	Keywords []string `json:"keywords"`
	Short    string   `json:"short"`
}

// DrawnCard is a deck card that has been drawn into a spread position.
type DrawnCard struct {
	DeckCard
	Position    int         `json:"position"`
	Orientation Orientation `json:"orientation"`
}

// Deck is a collection of tarot cards.
type Deck struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Cards []DeckCard `json:"cards"`
}

// Coordinates is a point in viewport units, measured to the card center.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Position is one named slot of a spread together with its card.
type Position struct {
	Index        int         `json:"index"`
	Name         string      `json:"name"`
	Card         Card        `json:"card"`
	Coordinates  Coordinates `json:"coordinates"`
	RotationHint float64     `json:"rotation_hint"`
}

// Spread is the result of a successful draw. It is never mutated after
// construction.
type Spread struct {
	ID        string     `json:"id"`
	Kind      SpreadKind `json:"kind"`
	Positions []Position `json:"positions"`
	CreatedAt time.Time  `json:"created_at"`
}

// Summary renders one "position: card - orientation" line per position,
// in position order.
func (s Spread) Summary() string {
	lines := make([]string, len(s.Positions))
	for i, p := range s.Positions {
		lines[i] = fmt.Sprintf("%s: %s - %s", p.Name, p.Card.Name, p.Card.Orientation)
	}
	return strings.Join(lines, "\n")
}

// Reading is the persisted outcome of one draw.
type Reading struct {
	DrawID         string     `json:"draw_id"`
	Kind           SpreadKind `json:"kind"`
	UserID         string     `json:"user_id,omitempty"`
	Spread         Spread     `json:"spread"`
	Interpretation string     `json:"interpretation"`
	CreatedAt      time.Time  `json:"created_at"`
}

// HistoryEntry is a draw as listed by the backend history endpoint.
type HistoryEntry struct {
	ID        string     `json:"id"`
	Kind      SpreadKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	Cards     []string   `json:"cards"`
	Response  string     `json:"response,omitempty"`
}
