package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemly/callkit/presence"
	"github.com/tandemly/callkit/signaling"
)

type relayFixture struct {
	server   *Server
	auth     *AuthManager
	presence *presence.MemoryStore
	httpSrv  *httptest.Server
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	cfg := testConfig()
	auth, err := NewAuthManager(cfg)
	require.NoError(t, err)

	store := presence.NewMemoryStore()
	server, err := NewServer(cfg, auth, store)
	require.NoError(t, err)

	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	return &relayFixture{server: server, auth: auth, presence: store, httpSrv: httpSrv}
}

func (f *relayFixture) wsURL(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.auth.Issue(time.Now(), userID)
	require.NoError(t, err)
	return "ws" + strings.TrimPrefix(f.httpSrv.URL, "http") + "/ws?token=" + tok
}

// connect opens an authenticated signaling channel to the relay and collects
// everything it receives.
func (f *relayFixture) connect(t *testing.T, userID string) (*signaling.WebsocketChannel, func() []signaling.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := signaling.DialWebsocket(ctx, f.wsURL(t, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	var mu sync.Mutex
	var received []signaling.Message
	ch.SetHandler(func(msg signaling.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})
	return ch, func() []signaling.Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]signaling.Message, len(received))
		copy(out, received)
		return out
	}
}

func waitForCondition(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthEndpoint(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := http.Get(f.httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketRequiresToken(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := http.Get(f.httpSrv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelayForwardsEnvelopesBetweenUsers(t *testing.T) {
	f := newRelayFixture(t)

	alice, _ := f.connect(t, "alice")
	_, bobReceived := f.connect(t, "bob")

	waitForCondition(t, func() bool {
		return f.server.Hub().Connected("alice") && f.server.Hub().Connected("bob")
	}, "both clients to register")

	err := alice.Send(context.Background(), signaling.Message{
		SessionID: "sess-1",
		From:      "spoofed-identity",
		To:        "bob",
		Type:      signaling.MsgInvite,
		Invite:    &signaling.InvitePayload{PeerID: "alice", MediaKind: "voice"},
	})
	require.NoError(t, err)

	waitForCondition(t, func() bool { return len(bobReceived()) == 1 }, "bob to receive the invite")

	got := bobReceived()[0]
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, signaling.MsgInvite, got.Type)
	assert.Equal(t, "alice", got.From, "sender identity comes from the token, not the frame")
}

func TestRelayMarksPresenceOnConnectAndDisconnect(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	ch, _ := f.connect(t, "alice")
	waitForCondition(t, func() bool {
		info, err := f.presence.Lookup(ctx, "alice")
		return err == nil && info.Online
	}, "alice to be marked online")

	require.NoError(t, ch.Close())
	waitForCondition(t, func() bool {
		info, err := f.presence.Lookup(ctx, "alice")
		return err == nil && !info.Online
	}, "alice to be marked offline")
}

func TestOnlineEndpointListsConnectedUsers(t *testing.T) {
	f := newRelayFixture(t)

	f.connect(t, "alice")
	waitForCondition(t, func() bool { return f.server.Hub().Connected("alice") }, "alice to register")

	tok, err := f.auth.Issue(time.Now(), "bob")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.httpSrv.URL+"/presence/online", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnresponsiveClientIsDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 50 * time.Millisecond
	auth, err := NewAuthManager(cfg)
	require.NoError(t, err)
	store := presence.NewMemoryStore()
	server, err := NewServer(cfg, auth, store)
	require.NoError(t, err)
	httpSrv := httptest.NewServer(server.Handler())
	defer httpSrv.Close()

	tok, err := auth.Issue(time.Now(), "ghost")
	require.NoError(t, err)

	// A raw connection with no read loop never answers pings; the server
	// must notice and flip the user offline instead of keeping it online
	// forever.
	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/ws?token="+tok, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForCondition(t, func() bool { return server.Hub().Connected("ghost") }, "ghost to register")

	waitForCondition(t, func() bool {
		if server.Hub().Connected("ghost") {
			return false
		}
		info, err := store.Lookup(context.Background(), "ghost")
		return err == nil && !info.Online
	}, "ghost to be dropped and marked offline")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := http.Get(f.httpSrv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
