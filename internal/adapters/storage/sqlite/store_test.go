package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/storage/sqlite"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/quota"
)

func openTemp(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "tarotmancer.db")
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func reading(id string, userID string, at time.Time) domain.Reading {
	return domain.Reading{
		DrawID: id,
		Kind:   domain.SpreadThreeCard,
		UserID: userID,
		Spread: domain.Spread{
			ID:   id,
			Kind: domain.SpreadThreeCard,
			Positions: []domain.Position{
				{Index: 0, Name: "Past", Card: domain.Card{Name: "The Fool", Orientation: domain.Upright}},
			},
		},
		CreatedAt: at,
	}
}

func TestQuotaRecord_RoundTripAndSurvivesReopen(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	rec, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, quota.Record{}, rec)

	next := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(ctx, quota.Record{NextDrawTime: next, DeviceFingerprint: "fp"}))
	require.NoError(t, s.Close())

	reopened, err := sqlite.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err = reopened.Read(ctx)
	require.NoError(t, err)
	assert.True(t, next.Equal(rec.NextDrawTime))
	assert.Equal(t, "fp", rec.DeviceFingerprint)
}

func TestQuotaSnapshot_RoundTrip(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	snap, err := s.ReadSnapshot(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, snap.Known)

	reset := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteSnapshot(ctx, "user-1", ports.ServerQuota{Known: true, Remaining: 2, ResetAt: reset}))
	snap, err = s.ReadSnapshot(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ports.ServerQuota{Known: true, Remaining: 2, ResetAt: reset}, snap)

	require.NoError(t, s.WriteSnapshot(ctx, "user-1", ports.ServerQuota{}))
	snap, err = s.ReadSnapshot(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, snap.Known)
}

func TestTrackerOverSQLite(t *testing.T) {
	s, _ := openTemp(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := quota.NewTracker(s, nil, quota.WithClock(func() time.Time { return now }), quota.WithFingerprint("fp"))

	require.True(t, tr.CanDraw(context.Background(), domain.Identity{}).Allowed)
	require.NoError(t, tr.RecordDraw(context.Background(), domain.Identity{}))
	d := tr.CanDraw(context.Background(), domain.Identity{})
	assert.False(t, d.Allowed)
	assert.Equal(t, "48h 0m", d.CooldownText())
}

func TestReadings(t *testing.T) {
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveReading(ctx, reading("a", "user-1", base)))
	require.NoError(t, s.SaveReading(ctx, reading("b", "user-2", base.Add(time.Hour))))
	require.NoError(t, s.SaveReading(ctx, reading("c", "user-1", base.Add(2*time.Hour))))
	require.NoError(t, s.SaveInterpretation(ctx, "a", "The Fool begins."))
	assert.ErrorIs(t, s.SaveInterpretation(ctx, "zzz", "x"), sqlite.ErrNotFound)

	all, err := s.ListReadings(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].DrawID, all[1].DrawID, all[2].DrawID})
	assert.Equal(t, "The Fool begins.", all[2].Interpretation)
	assert.Equal(t, "The Fool", all[2].Spread.Positions[0].Card.Name)
	assert.True(t, base.Equal(all[2].CreatedAt))

	limited, err := s.ListReadings(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	mine, err := s.ListUserReadings(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	n, err := s.CountUserReadingsSince(ctx, "user-1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteReading(ctx, "a"))
	assert.ErrorIs(t, s.DeleteReading(ctx, "a"), sqlite.ErrNotFound)
}
