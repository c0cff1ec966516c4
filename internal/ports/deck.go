package ports

import (
	"context"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
)

// DeckStore provides access to tarot decks.
type DeckStore interface {
	GetDeck(ctx context.Context, deckID string) (domain.Deck, error)
}
