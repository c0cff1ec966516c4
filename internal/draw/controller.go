// Package draw turns a user's "draw" action into at most one live backend
// request and a laid-out spread.
package draw

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

// DefaultWindow is how long a pending draw absorbs repeated triggers.
const DefaultWindow = 300 * time.Millisecond

// QuotaGate is the part of the quota tracker the controller needs.
type QuotaGate interface {
	CanDraw(ctx context.Context, id domain.Identity) domain.QuotaDecision
	ApplyServerQuota(ctx context.Context, id domain.Identity, q ports.ServerQuota)
}

// Draw is the outcome of a successful request.
type Draw struct {
	Epoch  uint64
	Spread domain.Spread
	Quota  domain.QuotaDecision
	// Joined is set for callers that attached to a flight someone else
	// started. Only the starter should drive the rest of the pipeline.
	Joined bool
}

type result struct {
	draw Draw
	err  error
}

type flight struct {
	key     string
	epoch   uint64
	kind    domain.SpreadKind
	userID  string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	res  result
	done bool
}

func (f *flight) settle(r result) {
	f.mu.Lock()
	f.res, f.done = r, true
	f.mu.Unlock()
}

func (f *flight) settled() (result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.done
}

// Controller issues draw requests. Requests for the same kind and user
// within the window share one flight; any other request supersedes the
// pending one, whose result is then discarded with domain.ErrSuperseded.
type Controller struct {
	source   ports.SpreadSource
	quota    QuotaGate
	viewport func() domain.Viewport
	window   time.Duration
	now      func() time.Time
	newID    func() string
	onStart  []func(epoch uint64, kind domain.SpreadKind)
	logger   *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	epoch   uint64
	pending *flight
}

type Option func(*Controller)

func WithWindow(d time.Duration) Option { return func(c *Controller) { c.window = d } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithViewport sets the function consulted for the layout size at the time
// each response is mapped.
func WithViewport(fn func() domain.Viewport) Option { return func(c *Controller) { c.viewport = fn } }

// WithOnStart adds a hook called once per new flight, before any I/O.
// Hooks run in the order they were added.
func WithOnStart(fn func(epoch uint64, kind domain.SpreadKind)) Option {
	return func(c *Controller) { c.onStart = append(c.onStart, fn) }
}

func WithIDGenerator(fn func() string) Option { return func(c *Controller) { c.newID = fn } }

func NewController(source ports.SpreadSource, quota QuotaGate, opts ...Option) *Controller {
	c := &Controller{
		source:   source,
		quota:    quota,
		viewport: func() domain.Viewport { return domain.Viewport{Width: 1280, Height: 720} },
		window:   DefaultWindow,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Live reports whether epoch belongs to the newest flight.
func (c *Controller) Live(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch
}

// RequestDraw requests a spread of kind for id.
//
// Errors wrap one of domain.ErrUnauthenticated, domain.ErrQuotaExceeded,
// domain.ErrNetwork or domain.ErrMalformedResponse. A result that lost to a
// newer request is reported as domain.ErrSuperseded and must be ignored.
// On error the returned Draw carries only Epoch and Joined, zero when the
// request never started a flight.
//
// A request for the same kind and user within the window of the last
// flight's start joins that flight even after it settled: it gets the
// settled result with Joined set and causes no new network request.
func (c *Controller) RequestDraw(ctx context.Context, kind domain.SpreadKind, id domain.Identity) (Draw, error) {
	if !kind.Valid() {
		return Draw{}, domain.ErrUnknownSpread
	}

	f, joined := c.claim(ctx, kind, id)
	if !joined {
		for _, fn := range c.onStart {
			fn(f.epoch, kind)
		}
	}
	if r, ok := f.settled(); ok {
		return c.deliver(f, r, joined)
	}

	ch := c.group.DoChan(f.key, func() (any, error) {
		// A caller can reach here after the flight settled and singleflight
		// forgot the key; hand back the settled result instead of refetching.
		if r, ok := f.settled(); ok {
			return r.draw, r.err
		}
		defer f.cancel()
		d, err := c.fetch(f.ctx, f, id)
		f.settle(result{draw: d, err: err})
		return d, err
	})

	select {
	case r := <-ch:
		d, _ := r.Val.(Draw)
		return c.deliver(f, result{draw: d, err: r.Err}, joined)
	case <-ctx.Done():
		return Draw{Epoch: f.epoch, Joined: joined}, ctx.Err()
	}
}

// claim joins the pending flight or starts a new one, superseding it.
func (c *Controller) claim(ctx context.Context, kind domain.SpreadKind, id domain.Identity) (*flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if p := c.pending; p != nil && p.kind == kind && p.userID == id.UserID && now.Sub(p.started) < c.window {
		return p, true
	}
	if c.pending != nil {
		c.pending.cancel()
	}

	c.epoch++
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{
		key:     fmt.Sprintf("%s#%d", kind, c.epoch),
		epoch:   c.epoch,
		kind:    kind,
		userID:  id.UserID,
		started: now,
		ctx:     fctx,
		cancel:  cancel,
	}
	c.pending = f
	return f, false
}

func (c *Controller) deliver(f *flight, r result, joined bool) (Draw, error) {
	if !c.Live(f.epoch) {
		return Draw{Epoch: f.epoch, Joined: joined}, domain.ErrSuperseded
	}
	if r.err != nil {
		return Draw{Epoch: f.epoch, Joined: joined}, r.err
	}
	d := r.draw
	d.Joined = joined
	return d, nil
}

func (c *Controller) fetch(ctx context.Context, f *flight, id domain.Identity) (Draw, error) {
	if f.kind.RequiresAuth() && id.Anonymous(c.now()) {
		return Draw{}, fmt.Errorf("%w: %s spreads need a signed-in user", domain.ErrUnauthenticated, f.kind.Title())
	}

	decision := c.quota.CanDraw(ctx, id)
	if !decision.Allowed {
		return Draw{}, &domain.QuotaError{Decision: decision}
	}

	payload, err := c.source.DrawSpread(ctx, f.kind, id)
	if err != nil {
		return Draw{}, err
	}

	spread, err := c.buildSpread(f.kind, payload)
	if err != nil {
		c.logger.ErrorContext(ctx, "malformed draw response", "kind", f.kind, "error", err, "body", string(payload.Raw))
		return Draw{}, err
	}

	if c.Live(f.epoch) {
		c.quota.ApplyServerQuota(ctx, id, payload.Quota)
	}
	return Draw{Epoch: f.epoch, Spread: spread, Quota: decision}, nil
}

func (c *Controller) buildSpread(kind domain.SpreadKind, p ports.SpreadPayload) (domain.Spread, error) {
	malformed := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %w", domain.ErrMalformedResponse, fmt.Sprintf(format, args...),
			&domain.ResponseError{Status: 200, Body: string(p.Raw)})
	}

	want := kind.CardCount()
	if len(p.Positions) != want {
		return domain.Spread{}, malformed("%s spread has %d positions, want %d", kind, len(p.Positions), want)
	}

	vp := c.viewport()
	slots := domain.GenerateLayout(kind, want, vp.Width, vp.Height)
	names := kind.PositionNames()

	positions := make([]domain.Position, want)
	for i, pp := range p.Positions {
		card := strings.TrimSpace(pp.Card)
		if card == "" {
			return domain.Spread{}, malformed("position %d has no card", i)
		}
		orientation, ok := domain.ParseOrientation(pp.Orientation)
		if !ok {
			return domain.Spread{}, malformed("position %d has orientation %q", i, pp.Orientation)
		}
		name := strings.TrimSpace(pp.PositionName)
		if name == "" {
			name = names[i]
		}
		positions[i] = domain.Position{
			Index:        i,
			Name:         name,
			Card:         domain.Card{Name: card, ImageRef: pp.CardImage, Orientation: orientation},
			Coordinates:  slots[i].Coordinates,
			RotationHint: slots[i].RotationHint,
		}
	}

	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = c.newID()
	}
	return domain.Spread{ID: id, Kind: kind, Positions: positions, CreatedAt: c.now()}, nil
}
