package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

const (
	DefaultCooldown   = 48 * time.Hour
	DefaultDailyLimit = 5
)

// Tracker decides whether a draw is permitted.
//
// Anonymous users are throttled locally by a cooldown record. Authenticated
// users are never limited by the tracker itself: it relays what the backend
// says, through GET /can-draw and the rate-limit headers of draw responses.
type Tracker struct {
	store       Store
	api         ports.AllowanceSource
	fingerprint string
	cooldown    time.Duration
	dailyLimit  int
	now         func() time.Time
	logger      *slog.Logger

	mu    sync.Mutex
	snaps map[string]ports.ServerQuota
	// fresh marks users whose snapshot came from the headers of their
	// latest draw, so RecordDraw must not count that draw a second time.
	fresh map[string]bool
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func WithCooldown(d time.Duration) Option { return func(t *Tracker) { t.cooldown = d } }

// WithDailyLimit sets the allowance shown to authenticated users before the
// server has reported one.
func WithDailyLimit(n int) Option { return func(t *Tracker) { t.dailyLimit = n } }

func WithFingerprint(fp string) Option { return func(t *Tracker) { t.fingerprint = fp } }

func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

func NewTracker(store Store, api ports.AllowanceSource, opts ...Option) *Tracker {
	t := &Tracker{
		store:      store,
		api:        api,
		cooldown:   DefaultCooldown,
		dailyLimit: DefaultDailyLimit,
		now:        time.Now,
		logger:     slog.Default(),
		snaps:      make(map[string]ports.ServerQuota),
		fresh:      make(map[string]bool),
	}
	for _, o := range opts {
		o(t)
	}
	if t.fingerprint == "" {
		t.fingerprint = DeviceFingerprint()
	}
	return t
}

// Fingerprint is the device fingerprint stamped on cooldown records.
func (t *Tracker) Fingerprint() string { return t.fingerprint }

// CanDraw reports whether id may draw now. It never returns an error: a
// failing check is logged and the draw is allowed.
func (t *Tracker) CanDraw(ctx context.Context, id domain.Identity) domain.QuotaDecision {
	now := t.now()
	if id.Anonymous(now) {
		return t.canDrawAnonymous(ctx, now)
	}
	return t.canDrawAuthenticated(ctx, id, now)
}

func (t *Tracker) canDrawAnonymous(ctx context.Context, now time.Time) domain.QuotaDecision {
	rec, err := t.store.Read(ctx)
	if err != nil {
		t.logger.WarnContext(ctx, "quota record unreadable, allowing draw", "error", err)
		return domain.QuotaDecision{
			DrawQuota:  domain.DrawQuota{Remaining: 1, Mode: domain.QuotaAnonymous},
			Allowed:    true,
			FailedOpen: true,
		}
	}
	if rec.DeviceFingerprint != "" && rec.DeviceFingerprint != t.fingerprint {
		t.logger.DebugContext(ctx, "quota record fingerprint differs", "stored", rec.DeviceFingerprint, "current", t.fingerprint)
	}
	if now.Before(rec.NextDrawTime) {
		return domain.QuotaDecision{
			DrawQuota: domain.DrawQuota{Remaining: 0, ResetAt: rec.NextDrawTime, Mode: domain.QuotaAnonymous},
			Cooldown:  rec.NextDrawTime.Sub(now),
		}
	}
	return domain.QuotaDecision{
		DrawQuota: domain.DrawQuota{Remaining: 1, Mode: domain.QuotaAnonymous},
		Allowed:   true,
	}
}

func (t *Tracker) canDrawAuthenticated(ctx context.Context, id domain.Identity, now time.Time) domain.QuotaDecision {
	t.mu.Lock()
	delete(t.fresh, id.UserID)
	t.mu.Unlock()
	snap := t.snapshot(ctx, id.UserID)

	// The server already told us this user is out until ResetAt.
	if snap.Known && snap.Remaining <= 0 && now.Before(snap.ResetAt) {
		return domain.QuotaDecision{
			DrawQuota: domain.DrawQuota{Remaining: 0, ResetAt: snap.ResetAt, Mode: domain.QuotaAuthenticated},
			Cooldown:  snap.ResetAt.Sub(now),
		}
	}

	if t.api == nil {
		return t.allowFromSnapshot(snap, now)
	}
	a, err := t.api.CanDraw(ctx, id)
	if err != nil {
		t.logger.WarnContext(ctx, "draw-count check failed, allowing draw", "user_id", id.UserID, "error", err)
		d := t.allowFromSnapshot(snap, now)
		d.FailedOpen = true
		return d
	}

	remaining := max(0, a.Remaining)
	resetAt := time.Time{}
	if now.Before(snap.ResetAt) {
		resetAt = snap.ResetAt
	}
	t.storeSnapshot(ctx, id.UserID, ports.ServerQuota{Known: true, Remaining: remaining, ResetAt: resetAt}, false)

	d := domain.QuotaDecision{
		DrawQuota: domain.DrawQuota{Remaining: remaining, ResetAt: resetAt, Mode: domain.QuotaAuthenticated},
		Allowed:   a.CanDraw,
	}
	if !d.Allowed && !resetAt.IsZero() {
		d.Cooldown = resetAt.Sub(now)
	}
	return d
}

func (t *Tracker) allowFromSnapshot(snap ports.ServerQuota, now time.Time) domain.QuotaDecision {
	remaining := t.dailyLimit
	if snap.Known && now.Before(snap.ResetAt) {
		remaining = max(0, snap.Remaining)
	}
	return domain.QuotaDecision{
		DrawQuota: domain.DrawQuota{Remaining: remaining, Mode: domain.QuotaAuthenticated},
		Allowed:   true,
	}
}

// ApplyServerQuota records the rate-limit headers of a draw response.
// Anonymous identities and responses without headers are ignored.
func (t *Tracker) ApplyServerQuota(ctx context.Context, id domain.Identity, q ports.ServerQuota) {
	if !q.Known || id.Anonymous(t.now()) {
		return
	}
	q.Remaining = max(0, q.Remaining)
	t.storeSnapshot(ctx, id.UserID, q, true)
}

// RecordDraw books one successful draw. Call it exactly once per draw.
func (t *Tracker) RecordDraw(ctx context.Context, id domain.Identity) error {
	now := t.now()
	if id.Anonymous(now) {
		return t.store.Write(ctx, Record{NextDrawTime: now.Add(t.cooldown), DeviceFingerprint: t.fingerprint})
	}

	t.mu.Lock()
	if t.fresh[id.UserID] {
		// The headers already counted this draw.
		delete(t.fresh, id.UserID)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	snap := t.snapshot(ctx, id.UserID)
	if !snap.Known {
		return nil
	}
	snap.Remaining = max(0, snap.Remaining-1)
	t.storeSnapshot(ctx, id.UserID, snap, false)
	return nil
}

func (t *Tracker) snapshot(ctx context.Context, userID string) ports.ServerQuota {
	t.mu.Lock()
	snap, ok := t.snaps[userID]
	t.mu.Unlock()
	if ok {
		return snap
	}
	ss, isSnap := t.store.(SnapshotStore)
	if !isSnap {
		return ports.ServerQuota{}
	}
	snap, err := ss.ReadSnapshot(ctx, userID)
	if err != nil {
		t.logger.WarnContext(ctx, "quota snapshot unreadable", "user_id", userID, "error", err)
		return ports.ServerQuota{}
	}
	t.mu.Lock()
	t.snaps[userID] = snap
	t.mu.Unlock()
	return snap
}

func (t *Tracker) storeSnapshot(ctx context.Context, userID string, q ports.ServerQuota, fromHeaders bool) {
	t.mu.Lock()
	t.snaps[userID] = q
	if fromHeaders {
		t.fresh[userID] = true
	}
	t.mu.Unlock()
	if ss, ok := t.store.(SnapshotStore); ok {
		if err := ss.WriteSnapshot(ctx, userID, q); err != nil {
			t.logger.WarnContext(ctx, "quota snapshot not persisted", "user_id", userID, "error", err)
		}
	}
}
