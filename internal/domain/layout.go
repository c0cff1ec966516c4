package domain

import (
	"fmt"
	"math"
)

// Slot is the on-screen placement of one spread position.
type Slot struct {
	Index        int
	Coordinates  Coordinates
	RotationHint float64 // degrees, clockwise
}

// Viewport is the drawable area the layout is scaled to.
type Viewport struct {
	Width  float64
	Height float64
}

// GenerateLayout returns one slot per position of kind, scaled to the
// viewport. The result depends only on its inputs.
//
// cardCount must equal kind.CardCount(); a mismatch is a programming error
// and panics. Callers that hold untrusted counts (a backend response, say)
// must check them first.
func GenerateLayout(kind SpreadKind, cardCount int, width, height float64) []Slot {
	if want := kind.CardCount(); want == 0 || cardCount != want {
		panic(fmt.Sprintf("layout: %s spread needs %d cards, got %d", kind, want, cardCount))
	}
	switch kind {
	case SpreadThreeCard:
		return threeCardLayout(width, height)
	case SpreadCeltic:
		return celticLayout(width, height)
	default:
		return elementalLayout(width, height)
	}
}

// Horizontal line, evenly spaced across the width.
func threeCardLayout(w, h float64) []Slot {
	step := w / 4
	slots := make([]Slot, 3)
	for i := range slots {
		slots[i] = Slot{Index: i, Coordinates: Coordinates{X: step * float64(i+1), Y: h / 2}}
	}
	return slots
}

// Cross on the left, staff on the right. Every offset is a multiple of u,
// which is derived from the viewport, so the spread scales on resize.
func celticLayout(w, h float64) []Slot {
	u := math.Min(w/8, h/6)
	cx, cy := w*0.4, h/2
	arm := 1.6 * u
	staffX := cx + 3.2*u
	staffStep := 1.3 * u

	pts := []Coordinates{
		{cx, cy},       // present
		{cx, cy},       // challenge, crossing the present
		{cx, cy + arm}, // foundation
		{cx - arm, cy}, // recent past
		{cx, cy - arm}, // crown
		{cx + arm, cy}, // near future
	}
	// Staff, bottom to top.
	for i := range 4 {
		pts = append(pts, Coordinates{staffX, cy + staffStep*(1.5-float64(i))})
	}

	slots := make([]Slot, len(pts))
	for i, p := range pts {
		slots[i] = Slot{Index: i, Coordinates: p}
	}
	slots[1].RotationHint = 90
	return slots
}

// Earth, Water, Fire and Air on the compass points around Spirit.
func elementalLayout(w, h float64) []Slot {
	u := math.Min(w/6, h/5)
	cx, cy := w/2, h/2
	pts := []Coordinates{
		{cx, cy + 1.6*u}, // earth
		{cx - 1.8*u, cy}, // water
		{cx + 1.8*u, cy}, // fire
		{cx, cy - 1.6*u}, // air
		{cx, cy},         // spirit
	}
	slots := make([]Slot, len(pts))
	for i, p := range pts {
		slots[i] = Slot{Index: i, Coordinates: p}
	}
	return slots
}
