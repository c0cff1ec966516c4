package domain

// DealSpread draws one unique card per position of kind from deck.
// Positions are 1-based. Orientation is 50/50 upright/reversed.
func DealSpread(deck Deck, kind SpreadKind, rng RNG) ([]DrawnCard, error) {
	if !kind.Valid() {
		return nil, ErrUnknownSpread
	}
	return drawCards(deck, kind.CardCount(), rng)
}

func drawCards(deck Deck, n int, rng RNG) ([]DrawnCard, error) {
	if n < 1 || n > 10 {
		return nil, ErrInvalidN
	}
	if n > len(deck.Cards) {
		return nil, ErrNExceedsDeck
	}

	// Fisher-Yates shuffle over indices; only the first n are used.
	indices := make([]int, len(deck.Cards))
	for i := range indices {
		indices[i] = i
	}
	for i := len(indices) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		indices[i], indices[j] = indices[j], indices[i]
	}

	cards := make([]DrawnCard, n)
	for i := range n {
		orientation := Upright
		if rng.Intn(2) == 1 {
			orientation = Reversed
		}
		cards[i] = DrawnCard{
			DeckCard:    deck.Cards[indices[i]],
			Position:    i + 1,
			Orientation: orientation,
		}
	}
	return cards, nil
}
