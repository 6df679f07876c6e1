package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlink-app/voxlink/internal/account"
	"github.com/voxlink-app/voxlink/internal/chat"
	"github.com/voxlink-app/voxlink/internal/friends"
	"github.com/voxlink-app/voxlink/internal/media"
	"github.com/voxlink-app/voxlink/internal/rtc"
	"github.com/voxlink-app/voxlink/internal/signal"
	"github.com/voxlink-app/voxlink/internal/store"
)

func mediaConfig() media.Config {
	return media.Config{STUNServers: media.DefaultSTUNServers}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hub := rtc.NewHub(signal.NewSQLStore(db), nil, mediaConfig())
	t.Cleanup(hub.Close)

	mux := http.NewServeMux()
	Register(mux, Deps{
		Accounts: account.NewManager(db),
		Friends:  friends.NewManager(db),
		Chat:     chat.NewManager(db, t.TempDir()),
		Hub:      hub,
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func postJSON(t *testing.T, c *http.Client, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := c.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func signUp(t *testing.T, c *http.Client, base, email string) account.User {
	t.Helper()
	resp := postJSON(t, c, base+"/api/auth/register", map[string]string{
		"email": email, "password": "secret1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[account.User](t, resp)
}

func TestAuthFlow(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t)

	u := signUp(t, c, srv.URL, "alice@example.com")
	assert.Equal(t, "alice@example.com", u.Email)

	resp, err := c.Get(srv.URL + "/api/auth/me")
	require.NoError(t, err)
	me := decode[account.User](t, resp)
	assert.Equal(t, u.ID, me.ID)

	resp = postJSON(t, c, srv.URL+"/api/auth/logout", struct{}{})
	resp.Body.Close()

	resp, err = c.Get(srv.URL + "/api/auth/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Duplicate registration is refused.
	fresh := newClient(t)
	resp = postJSON(t, fresh, srv.URL+"/api/auth/register", map[string]string{
		"email": "alice@example.com", "password": "secret1",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Wrong password.
	resp = postJSON(t, fresh, srv.URL+"/api/auth/login", map[string]string{
		"email": "alice@example.com", "password": "nope!!",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProfileUpdate(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t)
	signUp(t, c, srv.URL, "alice@example.com")

	resp := postJSON(t, c, srv.URL+"/api/auth/profile", map[string]string{"display_name": "Alice L."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	u := decode[account.User](t, resp)
	assert.Equal(t, "Alice L.", u.DisplayName)

	resp, err := c.Get(srv.URL + "/api/auth/me")
	require.NoError(t, err)
	me := decode[account.User](t, resp)
	assert.Equal(t, "Alice L.", me.DisplayName)

	resp = postJSON(t, c, srv.URL+"/api/auth/profile", map[string]string{"display_name": "  "})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFriendsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	alice := newClient(t)
	bob := newClient(t)

	signUp(t, alice, srv.URL, "alice@example.com")
	bobUser := signUp(t, bob, srv.URL, "bob@example.com")

	resp := postJSON(t, alice, srv.URL+"/api/friends/add", map[string]string{"email": "bob@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f := decode[friends.Friend](t, resp)
	assert.Equal(t, bobUser.ID, f.UserID)

	// Both sides see each other.
	for _, c := range []*http.Client{alice, bob} {
		resp, err := c.Get(srv.URL + "/api/friends")
		require.NoError(t, err)
		list := decode[[]friends.Friend](t, resp)
		assert.Len(t, list, 1)
	}

	resp = postJSON(t, alice, srv.URL+"/api/friends/add", map[string]string{"email": "nobody@example.com"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatEndpoints(t *testing.T) {
	srv := newTestServer(t)
	alice := newClient(t)
	bob := newClient(t)

	aliceUser := signUp(t, alice, srv.URL, "alice@example.com")
	bobUser := signUp(t, bob, srv.URL, "bob@example.com")

	resp := postJSON(t, alice, srv.URL+"/api/chat/send", map[string]string{
		"peer_id": bobUser.ID, "body": "hello *bob*",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decode[chat.Message](t, resp)
	assert.Contains(t, msg.HTML, "<em>bob</em>")

	resp, err := bob.Get(fmt.Sprintf("%s/api/chat/history?peer_id=%s", srv.URL, aliceUser.ID))
	require.NoError(t, err)
	hist := decode[[]chat.Message](t, resp)
	require.Len(t, hist, 1)
	assert.Equal(t, aliceUser.ID, hist[0].SenderID)
}

func TestRoutesRequireLogin(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t)

	for _, path := range []string{"/api/friends", "/api/chat/history?peer_id=x", "/api/call/state"} {
		resp, err := c.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}
