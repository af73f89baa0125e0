package statsy

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClashClient(t testing.TB) (*ClashClient, *fakeClashAPI) {
	t.Helper()
	clash := newFakeClashAPI(t)
	srv := httptest.NewServer(clash)
	t.Cleanup(srv.Close)
	clash.baseURL = srv.URL

	client, err := NewClashClient(
		&ClashOfClansConfig{
			Token:          testClashToken,
			BaseURL:        srv.URL + "/",
			RequestTimeout: 5 * time.Second,
		},
		nil,
		nil,
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, clash
}

func TestNewClashClient_NoToken(t *testing.T) {
	t.Parallel()
	_, err := NewClashClient(&ClashOfClansConfig{}, nil, nil)
	assert.Error(t, err)
	_, err = NewClashClient(nil, nil, nil)
	assert.Error(t, err)
}

func TestClashClient_Player(t *testing.T) {
	t.Parallel()
	client, clash := newTestClashClient(t)
	clash.AddPlayer(&Player{Tag: "#P2YQ9R0L", Name: "chief", TownHallLevel: 16})

	p, err := client.Player(context.Background(), "P2YQ9R0L")
	require.NoError(t, err)
	assert.Equal(t, "chief", p.Name)
	assert.Equal(t, 16, p.TownHallLevel)
	assert.Equal(t, []string{"/players/#P2YQ9R0L"}, clash.Requests())
	assert.Equal(t, int64(1), client.requestCount.Load())
	assert.Zero(t, client.errorCount.Load())
}

func TestClashClient_NotFound(t *testing.T) {
	t.Parallel()
	client, _ := newTestClashClient(t)

	_, err := client.Clan(context.Background(), "PYL")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "notFound", apiErr.Reason)
	assert.Equal(t, int64(1), client.errorCount.Load())
}

func TestClashClient_BadToken(t *testing.T) {
	t.Parallel()
	client, clash := newTestClashClient(t)
	clash.AddPlayer(&Player{Tag: "#PYL"})
	client.token = "wrong"

	_, err := client.Player(context.Background(), "PYL")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "accessDenied", apiErr.Reason)
}

func TestClashClient_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := NewClashClient(&ClashOfClansConfig{Token: "t", BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)

	_, err = client.Player(context.Background(), "PYL")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, userMessage(err, ""), "Error communicating with the Clash of Clans API")
}

func TestClashClient_CurrentWar(t *testing.T) {
	t.Parallel()
	client, clash := newTestClashClient(t)
	ctx := context.Background()

	clash.SetWar("#2PP", http.StatusOK, War{State: "inWar", TeamSize: 5})
	war, err := client.CurrentWar(ctx, "2PP")
	require.NoError(t, err)
	assert.Equal(t, "inWar", war.State)
	assert.Equal(t, 5, war.TeamSize)

	clash.SetWar("#2PP", http.StatusOK, War{State: warStateNotInWar})
	_, err = client.CurrentWar(ctx, "2PP")
	assert.ErrorIs(t, err, ErrNotInWar)
	assert.Equal(t, notInWarMessage, userMessage(err, ""))

	clash.SetWar("#2PP", http.StatusForbidden, APIError{Reason: "accessDenied"})
	_, err = client.CurrentWar(ctx, "2PP")
	assert.ErrorIs(t, err, ErrPrivateWarLog)
	assert.Equal(t, warLogPrivateMessage, userMessage(err, ""))

	// any reason means the war can't be shown, whatever the status
	clash.SetWar("#2PP", http.StatusOK, map[string]string{"reason": "inMaintenance", "state": "inWar"})
	_, err = client.CurrentWar(ctx, "2PP")
	assert.ErrorIs(t, err, ErrPrivateWarLog)

	clash.SetWar("#2PP", http.StatusInternalServerError, map[string]string{"message": "oops"})
	_, err = client.CurrentWar(ctx, "2PP")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestClashClient_Badge(t *testing.T) {
	t.Parallel()
	client, clash := newTestClashClient(t)
	ctx := context.Background()

	img, err := client.Badge(ctx, clash.BadgeURL("red", color.RGBA{R: 255, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	_, err = client.Badge(ctx, clash.baseURL+"/badges/missing.png")
	assert.ErrorIs(t, err, ErrNetwork)

	_, err = client.Badge(ctx, "")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestClashClient_RateLimit(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				_, _ = w.Write([]byte(`{"tag":"#PYL"}`))
			},
		),
	)
	t.Cleanup(srv.Close)

	client, err := NewClashClient(
		&ClashOfClansConfig{Token: "t", BaseURL: srv.URL, MaxRequestsPerSecond: 1},
		nil,
		nil,
	)
	require.NoError(t, err)

	_, err = client.Player(context.Background(), "PYL")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.Player(ctx, "PYL")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int64(1), hits.Load())
}

func TestBadgeURLs_Best(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "l", BadgeURLs{Small: "s", Medium: "m", Large: "l"}.Best())
	assert.Equal(t, "m", BadgeURLs{Small: "s", Medium: "m"}.Best())
	assert.Equal(t, "s", BadgeURLs{Small: "s"}.Best())
	assert.Empty(t, BadgeURLs{}.Best())
}

func TestEscapeTag(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "%23P2YQ9R0L", escapeTag("P2YQ9R0L"))
}
