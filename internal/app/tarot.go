package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

// ErrDrawNotFound is returned when a draw id does not belong to the user.
var ErrDrawNotFound = errors.New("draw not found")

// DrawLog is the reference backend's record of every draw it served.
type DrawLog interface {
	SaveReading(ctx context.Context, r domain.Reading) error
	SaveInterpretation(ctx context.Context, drawID, text string) error
	ListUserReadings(ctx context.Context, userID string, limit int) ([]domain.Reading, error)
	CountUserReadingsSince(ctx context.Context, userID string, since time.Time) (int, error)
	DeleteReading(ctx context.Context, drawID string) error
}

// DrawResult is a served draw together with the caller's allowance after it.
type DrawResult struct {
	ID        string
	Kind      domain.SpreadKind
	Positions []ports.PositionPayload
	// Limited is set for signed-in callers, whose draws are counted.
	Limited   bool
	Remaining int
	ResetAt   time.Time
}

// TarotService draws spreads for the reference backend. Signed-in users
// get dailyLimit draws per UTC day; anonymous draws are not counted here.
type TarotService struct {
	deckStore  ports.DeckStore
	log        DrawLog
	rng        domain.RNG
	deckID     string
	dailyLimit int
	now        func() time.Time
	newID      func() string
}

func NewTarotService(ds ports.DeckStore, log DrawLog, rng domain.RNG, deckID string, dailyLimit int) *TarotService {
	return &TarotService{
		deckStore:  ds,
		log:        log,
		rng:        rng,
		deckID:     deckID,
		dailyLimit: dailyLimit,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// WithClock replaces the service clock. It returns s for chaining.
func (s *TarotService) WithClock(now func() time.Time) *TarotService {
	s.now = now
	return s
}

func (s *TarotService) Draw(ctx context.Context, kind domain.SpreadKind, userID string) (DrawResult, error) {
	if !kind.Valid() {
		return DrawResult{}, domain.ErrUnknownSpread
	}
	now := s.now()
	res := DrawResult{Kind: kind, Limited: userID != ""}

	if res.Limited {
		used, resetAt, err := s.usage(ctx, userID, now)
		if err != nil {
			return DrawResult{}, err
		}
		res.ResetAt = resetAt
		if used >= s.dailyLimit {
			return DrawResult{}, &domain.QuotaError{Decision: domain.QuotaDecision{
				DrawQuota: domain.DrawQuota{Remaining: 0, ResetAt: resetAt, Mode: domain.QuotaAuthenticated},
				Cooldown:  resetAt.Sub(now),
			}}
		}
		res.Remaining = s.dailyLimit - used - 1
	}

	deck, err := s.deckStore.GetDeck(ctx, s.deckID)
	if err != nil {
		return DrawResult{}, fmt.Errorf("get deck: %w", err)
	}
	cards, err := domain.DealSpread(deck, kind, s.rng)
	if err != nil {
		return DrawResult{}, fmt.Errorf("deal spread: %w", err)
	}

	names := kind.PositionNames()
	res.ID = s.newID()
	res.Positions = make([]ports.PositionPayload, len(cards))
	positions := make([]domain.Position, len(cards))
	for i, c := range cards {
		res.Positions[i] = ports.PositionPayload{
			PositionName: names[i],
			Card:         c.Name,
			CardImage:    c.Image,
			Orientation:  string(c.Orientation),
		}
		positions[i] = domain.Position{
			Index: i,
			Name:  names[i],
			Card:  domain.Card{Name: c.Name, ImageRef: c.Image, Orientation: c.Orientation},
		}
	}

	err = s.log.SaveReading(ctx, domain.Reading{
		DrawID:    res.ID,
		Kind:      kind,
		UserID:    userID,
		Spread:    domain.Spread{ID: res.ID, Kind: kind, Positions: positions, CreatedAt: now},
		CreatedAt: now,
	})
	if err != nil {
		return DrawResult{}, fmt.Errorf("record draw: %w", err)
	}
	return res, nil
}

// Allowance answers the draw-count check of a signed-in user.
func (s *TarotService) Allowance(ctx context.Context, userID string) (ports.Allowance, time.Time, error) {
	used, resetAt, err := s.usage(ctx, userID, s.now())
	if err != nil {
		return ports.Allowance{}, time.Time{}, err
	}
	remaining := max(0, s.dailyLimit-used)
	return ports.Allowance{CanDraw: remaining > 0, Remaining: remaining}, resetAt, nil
}

func (s *TarotService) History(ctx context.Context, userID string) ([]ports.DrawRecordPayload, error) {
	readings, err := s.log.ListUserReadings(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list draws: %w", err)
	}
	out := make([]ports.DrawRecordPayload, len(readings))
	for i, r := range readings {
		positions := make([]ports.PositionPayload, len(r.Spread.Positions))
		for j, p := range r.Spread.Positions {
			positions[j] = ports.PositionPayload{
				PositionName: p.Name,
				Card:         p.Card.Name,
				CardImage:    p.Card.ImageRef,
				Orientation:  string(p.Card.Orientation),
			}
		}
		out[i] = ports.DrawRecordPayload{
			ID:        r.DrawID,
			Kind:      string(r.Kind),
			CreatedAt: r.CreatedAt,
			Positions: positions,
			Response:  r.Interpretation,
		}
	}
	return out, nil
}

func (s *TarotService) DeleteDraw(ctx context.Context, userID, drawID string) error {
	if _, err := s.owned(ctx, userID, drawID); err != nil {
		return err
	}
	return s.log.DeleteReading(ctx, drawID)
}

// StoreInterpretation attaches the interpretation text to a draw of kind
// made by userID.
func (s *TarotService) StoreInterpretation(ctx context.Context, kind domain.SpreadKind, drawID, userID, text string) error {
	r, err := s.owned(ctx, userID, drawID)
	if err != nil {
		return err
	}
	if r.Kind != kind {
		return fmt.Errorf("%w: draw %s is a %s spread", ErrDrawNotFound, drawID, r.Kind)
	}
	return s.log.SaveInterpretation(ctx, drawID, text)
}

func (s *TarotService) owned(ctx context.Context, userID, drawID string) (domain.Reading, error) {
	readings, err := s.log.ListUserReadings(ctx, userID, 0)
	if err != nil {
		return domain.Reading{}, fmt.Errorf("list draws: %w", err)
	}
	for _, r := range readings {
		if r.DrawID == drawID {
			return r, nil
		}
	}
	return domain.Reading{}, ErrDrawNotFound
}

// usage counts today's draws and returns when the count resets.
func (s *TarotService) usage(ctx context.Context, userID string, now time.Time) (int, time.Time, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	used, err := s.log.CountUserReadingsSince(ctx, userID, day)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count draws: %w", err)
	}
	return used, day.Add(24 * time.Hour), nil
}
