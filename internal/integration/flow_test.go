// Package integration drives a fully wired server over real HTTP and
// websocket connections.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/internal/logging"
	"chatrelay/internal/session"
	"chatrelay/pkg/types"
)

type server struct {
	base string
}

func startServer(t *testing.T) *server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.DSN = filepath.Join(dir, "chatrelay.db")
	cfg.Auth.AccessSecret = "integration-access"
	cfg.Auth.RefreshSecret = "integration-refresh"
	cfg.Auth.BcryptCost = 4
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.HTTP.ShutdownTimeout = 2 * time.Second

	a, err := app.NewApplication(cfg, logging.Discard())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return &server{base: "http://" + ln.Addr().String()}
}

// user is a logged-in browser: one cookie jar shared by REST and socket.
type user struct {
	t    *testing.T
	srv  *server
	id   string
	jar  *cookiejar.Jar
	http *http.Client
}

func (s *server) signup(t *testing.T, name string) *user {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u := &user{t: t, srv: s, jar: jar, http: &http.Client{Jar: jar, Timeout: 5 * time.Second}}

	status, body := u.do(http.MethodPost, "/api/v1/user/register", map[string]string{
		"email": name + "@example.com", "username": name, "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, status, body)
	u.id = gjson.Get(body, "id").String()

	status, body = u.do(http.MethodPost, "/api/v1/user/login", map[string]string{
		"email": name + "@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusOK, status, body)
	return u
}

func (u *user) do(method, path string, payload interface{}) (int, string) {
	u.t.Helper()
	var rd io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(u.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u.srv.base+path, rd)
	require.NoError(u.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := u.http.Do(req)
	require.NoError(u.t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(u.t, err)
	return resp.StatusCode, string(b)
}

func (u *user) status() string {
	_, body := u.do(http.MethodGet, "/api/v1/user/me", nil)
	return gjson.Get(body, "status").String()
}

// socket dials /ws with the user's cookies and waits for the welcome frame.
func (u *user) socket() *websocket.Conn {
	u.t.Helper()
	dialer := websocket.Dialer{Jar: u.jar, HandshakeTimeout: 5 * time.Second}
	ws, resp, err := dialer.Dial("ws"+strings.TrimPrefix(u.srv.base, "http")+"/ws", nil)
	require.NoError(u.t, err)
	resp.Body.Close()
	u.t.Cleanup(func() { _ = ws.Close() })

	frame := expect(u.t, ws, types.EventConnected)
	assert.Equal(u.t, u.id, frame.Get("data.userId").String())
	return ws
}

func send(t *testing.T, ws *websocket.Conn, name string, data interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"event": name, "data": data}))
}

// expect reads frames until one named name arrives.
func expect(t *testing.T, ws *websocket.Conn, name string) gjson.Result {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, frame, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", name)
		parsed := gjson.ParseBytes(frame)
		if parsed.Get("event").String() == name {
			return parsed
		}
	}
}

func TestChatSessionLifecycle(t *testing.T) {
	srv := startServer(t)
	alice := srv.signup(t, "alice")
	bob := srv.signup(t, "bob")

	status, body := alice.do(http.MethodPost, "/api/v1/chat", map[string]string{"name": "general"})
	require.Equal(t, http.StatusCreated, status, body)
	chatID := gjson.Get(body, "id").String()
	status, body = alice.do(http.MethodPost, "/api/v1/add_user_to_chat", map[string]string{"chatId": chatID, "userId": bob.id})
	require.Equal(t, http.StatusOK, status, body)

	aliceWS := alice.socket()
	bobWS := bob.socket()
	require.Eventually(t, func() bool { return bob.status() == types.StatusOnline }, 3*time.Second, 20*time.Millisecond)

	send(t, aliceWS, types.EventJoinChat, map[string]string{"chatId": chatID})
	expect(t, aliceWS, types.EventJoinedChat)
	send(t, bobWS, types.EventJoinChat, map[string]string{"chatId": chatID})
	expect(t, bobWS, types.EventJoinedChat)

	send(t, aliceWS, types.EventSendMessage, map[string]string{"chatId": chatID, "content": "hello bob"})
	ack := expect(t, aliceWS, types.EventMessageAccepted)
	got := expect(t, bobWS, types.EventNewMessage)
	assert.Equal(t, "hello bob", got.Get("data.content").String())
	assert.Equal(t, ack.Get("data.id").String(), got.Get("data.id").String())

	// The socket message is in the REST history too.
	status, body = bob.do(http.MethodGet, "/api/v1/messages/"+chatID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello bob", gjson.Get(body, "0.content").String())

	// Disconnect clears bob's presence.
	require.NoError(t, bobWS.Close())
	assert.Eventually(t, func() bool { return bob.status() == types.StatusOffline }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, types.StatusOnline, alice.status())
}

func TestSocketRejectsNonMemberJoin(t *testing.T) {
	srv := startServer(t)
	alice := srv.signup(t, "alice")
	mallory := srv.signup(t, "mallory")

	_, body := alice.do(http.MethodPost, "/api/v1/chat", map[string]string{"name": "private"})
	chatID := gjson.Get(body, "id").String()

	ws := mallory.socket()
	send(t, ws, types.EventJoinChat, map[string]string{"chatId": chatID})
	errFrame := expect(t, ws, types.EventError)
	assert.Equal(t, string(types.KindForbidden), errFrame.Get("data.kind").String())
	assert.Equal(t, types.EventJoinChat, errFrame.Get("data.event").String())

	send(t, ws, types.EventSendMessage, map[string]string{"chatId": chatID, "content": "let me in"})
	errFrame = expect(t, ws, types.EventError)
	assert.Equal(t, string(types.KindForbidden), errFrame.Get("data.kind").String())
}

func TestSocketWithoutCredentialsAuthenticatesByFrame(t *testing.T) {
	srv := startServer(t)
	alice := srv.signup(t, "alice")

	base, err := url.Parse(srv.base)
	require.NoError(t, err)
	var access string
	for _, c := range alice.jar.Cookies(base) {
		if c.Name == session.AccessCookie {
			access = c.Value
		}
	}
	require.NotEmpty(t, access)

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.base, "http")+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	send(t, ws, types.EventAuth, map[string]string{"accessToken": access})
	frame := expect(t, ws, types.EventConnected)
	assert.Equal(t, alice.id, frame.Get("data.userId").String())
}

func TestSocketClosesOnBadAuthFrame(t *testing.T) {
	srv := startServer(t)

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.base, "http")+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	send(t, ws, types.EventAuth, map[string]string{"accessToken": "garbage"})
	errFrame := expect(t, ws, types.EventError)
	assert.Equal(t, string(types.KindUnauthenticated), errFrame.Get("data.kind").String())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}
