package ports

import (
	"context"
	"strings"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
)

// PositionPayload is one position as the draw endpoints return it.
type PositionPayload struct {
	PositionName string `json:"position_name"`
	Card         string `json:"most_common_card"`
	CardImage    string `json:"most_common_card_img"`
	Orientation  string `json:"orientation"`
}

// SpreadPayload is a decoded draw response.
type SpreadPayload struct {
	ID        string            `json:"id"`
	Positions []PositionPayload `json:"positions"`
	// Quota holds the rate-limit headers, when the backend sent them.
	Quota ServerQuota `json:"-"`
	// Raw is the undecoded body, kept for diagnostics.
	Raw []byte `json:"-"`
}

// ServerQuota is the server's view of an authenticated user's allowance.
type ServerQuota struct {
	Known     bool
	Remaining int
	ResetAt   time.Time
}

// Allowance is the body of GET /can-draw.
type Allowance struct {
	CanDraw   bool `json:"can_draw"`
	Remaining int  `json:"remaining_draws"`
}

// SpreadSource fetches spreads from the backend.
type SpreadSource interface {
	DrawSpread(ctx context.Context, kind domain.SpreadKind, id domain.Identity) (SpreadPayload, error)
}

// AllowanceSource answers the authenticated draw-count check.
type AllowanceSource interface {
	CanDraw(ctx context.Context, id domain.Identity) (Allowance, error)
}

// HistorySource manages the backend's per-user draw history.
type HistorySource interface {
	ListDraws(ctx context.Context, id domain.Identity) ([]domain.HistoryEntry, error)
	DeleteDraw(ctx context.Context, id domain.Identity, drawID string) error
}

// InterpretationSink persists an assembled interpretation against its draw.
type InterpretationSink interface {
	StoreInterpretation(ctx context.Context, kind domain.SpreadKind, id domain.Identity, drawID, text string) error
}

// ReadingStore is the local reading history.
type ReadingStore interface {
	SaveReading(ctx context.Context, r domain.Reading) error
	SaveInterpretation(ctx context.Context, drawID, text string) error
	ListReadings(ctx context.Context, limit int) ([]domain.Reading, error)
	DeleteReading(ctx context.Context, drawID string) error
}

// StoreRequest is the body of POST /api/store-{kind}-response.
type StoreRequest struct {
	DrawID   string `json:"draw_id"`
	UserID   string `json:"user_id"`
	Response string `json:"response"`
}

// DrawRecordPayload is one entry of GET /user-draws.
type DrawRecordPayload struct {
	ID        string            `json:"id"`
	Kind      string            `json:"spread_type"`
	CreatedAt time.Time         `json:"created_at"`
	Positions []PositionPayload `json:"positions"`
	Response  string            `json:"response,omitempty"`
}

// Paths of the backend HTTP contract.
const (
	PathCanDraw     = "/can-draw"
	PathUserDraws   = "/user-draws"
	PathInterpret   = "/api/mistral"
	HeaderUserID    = "User-ID"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

var drawPaths = map[domain.SpreadKind]string{
	domain.SpreadThreeCard:        "/draw_three_card_spread",
	domain.SpreadCeltic:           "/draw_celtic_spreads",
	domain.SpreadElementalInsight: "/draw_elemental_insight_spread",
}

// DrawPath is the endpoint that draws a spread of kind.
func DrawPath(kind domain.SpreadKind) string { return drawPaths[kind] }

// StorePath is the endpoint that stores the interpretation of a kind.
func StorePath(kind domain.SpreadKind) string {
	return "/api/store-" + strings.ReplaceAll(string(kind), "_", "-") + "-response"
}
