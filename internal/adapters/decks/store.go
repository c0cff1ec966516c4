package decks

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
)

//go:embed data/*.json
var deckFS embed.FS

// DefaultDeck is the deck the reference backend draws from.
const DefaultDeck = "major_arcana"

// registry maps deck IDs to their display name and JSON file inside data/.
var registry = map[string]struct{ name, file string }{
	DefaultDeck: {name: "Major Arcana", file: "data/major_arcana.json"},
}

// EmbeddedStore loads decks from embedded JSON files.
type EmbeddedStore struct {
	once  sync.Once
	decks map[string]domain.Deck
	err   error
}

func NewEmbeddedStore() *EmbeddedStore {
	return &EmbeddedStore{}
}

func (s *EmbeddedStore) init() {
	s.decks = make(map[string]domain.Deck, len(registry))
	for id, entry := range registry {
		raw, err := deckFS.ReadFile(entry.file)
		if err != nil {
			s.err = fmt.Errorf("read embedded deck %s: %w", id, err)
			return
		}
		var cards []domain.DeckCard
		if err := json.Unmarshal(raw, &cards); err != nil {
			s.err = fmt.Errorf("parse embedded deck %s: %w", id, err)
			return
		}
		if len(cards) == 0 {
			s.err = fmt.Errorf("embedded deck %s is empty", id)
			return
		}
		s.decks[id] = domain.Deck{
			ID:    id,
			Name:  entry.name,
			Cards: cards,
		}
	}
}

func (s *EmbeddedStore) GetDeck(_ context.Context, deckID string) (domain.Deck, error) {
	s.once.Do(s.init)
	if s.err != nil {
		return domain.Deck{}, s.err
	}
	deck, ok := s.decks[deckID]
	if !ok {
		return domain.Deck{}, domain.ErrDeckNotFound
	}
	return deck, nil
}
