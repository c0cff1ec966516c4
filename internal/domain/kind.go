package domain

import "strings"

// SpreadKind identifies the type of spread.
type SpreadKind string

const (
	SpreadThreeCard        SpreadKind = "three_card"
	SpreadCeltic           SpreadKind = "celtic"
	SpreadElementalInsight SpreadKind = "elemental_insight"
)

var positionNames = map[SpreadKind][]string{
	SpreadThreeCard: {"Past", "Present", "Future"},
	SpreadCeltic: {
		"Present", "Challenge", "Foundation", "Recent Past", "Crown",
		"Near Future", "Self", "Environment", "Hopes and Fears", "Outcome",
	},
	SpreadElementalInsight: {"Earth", "Water", "Fire", "Air", "Spirit"},
}

// Kinds lists every supported spread kind.
func Kinds() []SpreadKind {
	return []SpreadKind{SpreadThreeCard, SpreadCeltic, SpreadElementalInsight}
}

// ParseSpreadKind maps user and wire spellings onto a kind.
func ParseSpreadKind(raw string) (SpreadKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "three_card", "three-card", "three", "3":
		return SpreadThreeCard, nil
	case "celtic", "celtic_cross", "celtic-cross", "celtics", "10":
		return SpreadCeltic, nil
	case "elemental_insight", "elemental-insight", "elemental", "5":
		return SpreadElementalInsight, nil
	default:
		return "", ErrUnknownSpread
	}
}

// Valid reports whether k is a supported kind.
func (k SpreadKind) Valid() bool {
	_, ok := positionNames[k]
	return ok
}

// CardCount is the number of positions a spread of this kind has.
func (k SpreadKind) CardCount() int {
	return len(positionNames[k])
}

// PositionNames returns the canonical position names in order.
func (k SpreadKind) PositionNames() []string {
	names := positionNames[k]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// RequiresAuth reports whether anonymous users may draw this kind.
func (k SpreadKind) RequiresAuth() bool {
	return k != SpreadThreeCard
}

// Title is the human-readable name of the kind.
func (k SpreadKind) Title() string {
	switch k {
	case SpreadThreeCard:
		return "Three-Card"
	case SpreadCeltic:
		return "Celtic Cross"
	case SpreadElementalInsight:
		return "Elemental Insight"
	default:
		return string(k)
	}
}
