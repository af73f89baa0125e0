package statsy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery staple"
)

type apiTestClient struct {
	t      testing.TB
	url    string
	client *http.Client
}

// newTestAPI starts the bot's admin API on a TLS test server, with admin
// credentials set. Login rate limiting is disabled.
func newTestAPI(t testing.TB) (*Statsy, *mockDiscordSession, *apiTestClient) {
	t.Helper()
	bot, _, session := newTestBot(
		t, func(c *Config) {
			c.API.Enabled = true
		},
	)
	require.NotNil(t, bot.api)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)

	require.NoError(
		t,
		SetAdminCredentials(context.Background(), bot.db, testAdminUsername, testAdminPassword),
	)

	srv := httptest.NewTLSServer(bot.api.engine)
	t.Cleanup(srv.Close)

	client := srv.Client()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client.Jar = jar

	return bot, session, &apiTestClient{t: t, url: srv.URL, client: client}
}

func (a *apiTestClient) do(method string, path string, body any) (int, []byte) {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, a.url+path, reader)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp.StatusCode, data
}

func (a *apiTestClient) login() {
	a.t.Helper()
	status, body := a.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(a.t, http.StatusOK, status, string(body))
}

func decodeJSON[T any](t testing.TB, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestAPI_Login(t *testing.T) {
	t.Parallel()
	_, _, client := newTestAPI(t)

	status, _ := client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = client.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: "wrong"},
	)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = client.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: "someone", Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = client.do(http.MethodPost, apiPathLogin, map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, status)

	client.login()
	status, body := client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, testAdminUsername, decodeJSON[loggedInResponse](t, body).Username)

	status, _ = client.do(http.MethodPost, apiPathLogout, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_LoginWithoutCredentials(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestAPI(t)
	require.NoError(t, bot.db.Where("1 = 1").Delete(&AdminCredential{}).Error)

	status, _ := client.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_LoginRateLimited(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestAPI(t)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Limit(0.001), 1)

	client.login()
	status, _ := client.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestAPI(t)
	_, err := bot.setShortcut(context.Background(), "main", "#P2YQ9R0L")
	require.NoError(t, err)

	status, body := client.do(http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, status)

	health := decodeJSON[healthCheckResponse](t, body)
	assert.Equal(t, Version, health.Version)
	assert.Equal(t, 1, health.Shortcuts)
	assert.Zero(t, health.CommandsInProgress)
}

func TestAPI_Shortcuts(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestAPI(t)

	status, _ := client.do(http.MethodPut, apiPrefix+"/shortcuts/main", shortcutPayload{Tag: "#p2yq9rol"})
	assert.Equal(t, http.StatusUnauthorized, status)

	client.login()

	status, body := client.do(http.MethodPut, apiPrefix+"/shortcuts/main", shortcutPayload{Tag: "#p2yq9rol"})
	require.Equal(t, http.StatusOK, status, string(body))
	saved := decodeJSON[Shortcut](t, body)
	assert.Equal(t, "MAIN", saved.Alias)
	assert.Equal(t, "P2YQ9R0L", saved.Tag)

	tag, ok := bot.shortcuts.Lookup("MAIN")
	assert.True(t, ok)
	assert.Equal(t, Tag("P2YQ9R0L"), tag)

	status, _ = client.do(http.MethodPut, apiPrefix+"/shortcuts/alt", shortcutPayload{Tag: "8QJ0UYR"})
	require.Equal(t, http.StatusOK, status)

	status, body = client.do(http.MethodGet, apiPrefix+apiPathShortcuts, nil)
	require.Equal(t, http.StatusOK, status)
	rows := decodeJSON[[]Shortcut](t, body)
	require.Len(t, rows, 2)
	assert.Equal(t, "ALT", rows[0].Alias)
	assert.Equal(t, "MAIN", rows[1].Alias)

	status, body = client.do(http.MethodPut, apiPrefix+"/shortcuts/bad", shortcutPayload{Tag: "hello"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid tag: hello", decodeJSON[httpError](t, body).Error)
	_, ok = bot.shortcuts.Lookup("BAD")
	assert.False(t, ok)

	status, _ = client.do(http.MethodPut, apiPrefix+"/shortcuts/empty", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = client.do(http.MethodDelete, apiPrefix+"/shortcuts/main", nil)
	assert.Equal(t, http.StatusOK, status)
	_, ok = bot.shortcuts.Lookup("MAIN")
	assert.False(t, ok)

	status, _ = client.do(http.MethodDelete, apiPrefix+"/shortcuts/main", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_SavedTags(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, bot.tagStore.SaveTag(ctx, ServiceClashOfClans, "1", "P2YQ9R0L"))
	require.NoError(t, bot.tagStore.SaveTag(ctx, ServiceClashOfClans, "2", "8QJ0UYR"))
	require.NoError(t, bot.tagStore.SaveTag(ctx, ServiceClashOfClans, "1", "QQQ"))

	client.login()

	status, body := client.do(http.MethodGet, apiPrefix+apiPathSavedTags, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeJSON[[]SavedTag](t, body), 2)

	status, body = client.do(http.MethodGet, apiPrefix+apiPathSavedTags+"?user_id=1", nil)
	require.Equal(t, http.StatusOK, status)
	rows := decodeJSON[[]SavedTag](t, body)
	require.Len(t, rows, 1)
	assert.Equal(t, "QQQ", rows[0].Tag)

	status, _ = client.do(http.MethodGet, apiPrefix+apiPathSavedTags+"?limit=1000", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_CommandLogs(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestAPI(t)
	ctx := context.Background()

	for _, rec := range []*CommandLog{
		{InteractionID: "1", Command: DiscordSlashCommandProfile, UserID: "1"},
		{InteractionID: "2", Command: DiscordSlashCommandWar, UserID: "1", Outcome: "private_war_log"},
		{InteractionID: "3", Command: DiscordSlashCommandWar, UserID: "2"},
	} {
		_, err := bot.writeDB.Create(ctx, rec)
		require.NoError(t, err)
	}

	client.login()

	status, body := client.do(http.MethodGet, apiPrefix+apiPathCommandLogs+"?order=asc", nil)
	require.Equal(t, http.StatusOK, status)
	rows := decodeJSON[[]CommandLog](t, body)
	assert.Len(t, rows, 3)

	status, body = client.do(
		http.MethodGet,
		apiPrefix+apiPathCommandLogs+"?command="+DiscordSlashCommandWar+"&user_id=1",
		nil,
	)
	require.Equal(t, http.StatusOK, status)
	rows = decodeJSON[[]CommandLog](t, body)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0].InteractionID)

	status, body = client.do(http.MethodGet, apiPrefix+apiPathCommandLogs+"?outcome=private_war_log", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeJSON[[]CommandLog](t, body), 1)

	status, body = client.do(http.MethodGet, apiPrefix+apiPathCommandLogs+"?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeJSON[[]CommandLog](t, body), 2)

	status, _ = client.do(http.MethodGet, apiPrefix+apiPathCommandLogs+"?order=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_RegisterCommands(t *testing.T) {
	t.Parallel()
	_, session, client := newTestAPI(t)
	client.login()

	status, body := client.do(http.MethodPost, apiPrefix+apiPathRegisterCommands, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.Len(t, decodeJSON[[]map[string]any](t, body), len(applicationCommands()))

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Len(t, session.commands, len(applicationCommands()))
}

func TestAPI_Quit(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestAPI(t)
	client.login()

	status, _ := client.do(http.MethodPost, apiPrefix+apiPathQuit, nil)
	require.Equal(t, http.StatusOK, status)

	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

func TestPagination_Defaults(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()
	for n := 0; n < defaultPageLimit+5; n++ {
		_, err := bot.writeDB.Create(
			ctx,
			&CommandLog{InteractionID: "i", Command: DiscordSlashCommandClan, UserID: "u"},
		)
		require.NoError(t, err)
	}

	var rows []CommandLog
	require.NoError(t, Pagination{}.apply(bot.db.Model(&CommandLog{})).Find(&rows).Error)
	assert.Len(t, rows, defaultPageLimit)

	var rest []CommandLog
	require.NoError(t, Pagination{Offset: defaultPageLimit}.apply(bot.db.Model(&CommandLog{})).Find(&rest).Error)
	assert.Len(t, rest, 5)
}
