package backend_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/adapters/backend"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

var member = domain.NewIdentity("user-1", "tok")

func newClient(t *testing.T, h http.HandlerFunc) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return backend.NewClient(srv.Client(), srv.URL+"/", "https://tarotmancer.test", slog.Default())
}

func TestDrawSpread_SendsHeadersAndParsesQuota(t *testing.T) {
	var got *http.Request
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("X-RateLimit-Remaining", "3")
		w.Header().Set("X-RateLimit-Reset", "1900000000")
		_, _ = io.WriteString(w, `{"id": 42, "positions": [
			{"position_name":"Past","most_common_card":"The Fool","most_common_card_img":"fool.jpg","orientation":"upright"},
			{"position_name":"Present","most_common_card":"The Tower","most_common_card_img":"tower.jpg","orientation":"reversed"},
			{"position_name":"Future","most_common_card":"The Star","most_common_card_img":"star.jpg","orientation":"upright"}]}`)
	})

	p, err := c.DrawSpread(context.Background(), domain.SpreadThreeCard, member)
	require.NoError(t, err)

	assert.Equal(t, "/draw_three_card_spread", got.URL.Path)
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	assert.Equal(t, "user-1", got.Header.Get("User-ID"))
	assert.Equal(t, "https://tarotmancer.test", got.Header.Get("Origin"))

	assert.Equal(t, "42", p.ID)
	require.Len(t, p.Positions, 3)
	assert.Equal(t, "The Tower", p.Positions[1].Card)
	assert.Equal(t, "reversed", p.Positions[1].Orientation)
	assert.Equal(t, ports.ServerQuota{Known: true, Remaining: 3, ResetAt: time.Unix(1_900_000_000, 0)}, p.Quota)
	assert.NotEmpty(t, p.Raw)
}

func TestDrawSpread_KindPaths(t *testing.T) {
	var paths []string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"x","positions":[]}`)
	})
	for _, k := range domain.Kinds() {
		_, err := c.DrawSpread(context.Background(), k, member)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"/draw_three_card_spread", "/draw_celtic_spreads", "/draw_elemental_insight_spread"}, paths)
}

func TestDrawSpread_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusBadGateway, "upstream down", domain.ErrNetwork},
		{"unauthorized", http.StatusUnauthorized, "no", domain.ErrUnauthenticated},
		{"rate limited", http.StatusTooManyRequests, "slow down", domain.ErrQuotaExceeded},
		{"garbage", http.StatusOK, "<html>", domain.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.DrawSpread(context.Background(), domain.SpreadThreeCard, member)
			require.ErrorIs(t, err, tt.want)

			var re *domain.ResponseError
			if tt.want != domain.ErrQuotaExceeded {
				require.ErrorAs(t, err, &re)
				assert.Equal(t, tt.status, re.Status)
				assert.Equal(t, tt.body, re.Body)
			}
		})
	}
}

func TestDrawSpread_TransportFailureIsNetworkError(t *testing.T) {
	c := backend.NewClient(&http.Client{}, "http://127.0.0.1:1", "", slog.Default())
	_, err := c.DrawSpread(context.Background(), domain.SpreadThreeCard, member)
	assert.ErrorIs(t, err, domain.ErrNetwork)
}

func TestCanDraw(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/can-draw", r.URL.Path)
		_, _ = io.WriteString(w, `{"can_draw":true,"remaining_draws":4}`)
	})
	a, err := c.CanDraw(context.Background(), member)
	require.NoError(t, err)
	assert.Equal(t, ports.Allowance{CanDraw: true, Remaining: 4}, a)
}

func TestHistory_ListAndDelete(t *testing.T) {
	var deleted string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = io.WriteString(w, `[{"id":7,"spread_type":"celtic","created_at":"2026-03-01T12:00:00Z",
				"positions":[{"position_name":"Present","most_common_card":"The Moon","orientation":"upright"}],"response":"calm"}]`)
		case http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}
	})

	entries, err := c.ListDraws(context.Background(), member)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "7", entries[0].ID)
	assert.Equal(t, domain.SpreadCeltic, entries[0].Kind)
	assert.Equal(t, []string{"Present: The Moon (upright)"}, entries[0].Cards)
	assert.Equal(t, "calm", entries[0].Response)

	require.NoError(t, c.DeleteDraw(context.Background(), member, "7"))
	assert.Equal(t, "/user-draws/7", deleted)
}

func TestStoreInterpretation(t *testing.T) {
	var path, auth, user string
	var body ports.StoreRequest
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		user = r.Header.Get(ports.HeaderUserID)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	})

	id := domain.Identity{UserID: "user-1", Token: "tok"}
	require.NoError(t, c.StoreInterpretation(context.Background(), domain.SpreadElementalInsight, id, "d1", "fire rises"))
	assert.Equal(t, "/api/store-elemental-insight-response", path)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "user-1", user)
	assert.Equal(t, ports.StoreRequest{DrawID: "d1", UserID: "user-1", Response: "fire rises"}, body)
}
