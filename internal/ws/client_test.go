package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-relay/relayd/internal/protocol"
)

type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []json.RawMessage
	conns    []*websocket.Conn
	headers  []http.Header
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.headers = append(ts.headers, r.Header.Clone())
		ts.mu.Unlock()

		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.received = append(ts.received, data)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) waitMessages(t *testing.T, n int) []json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		if len(ts.received) >= n {
			out := append([]json.RawMessage(nil), ts.received...)
			ts.mu.Unlock()
			return out
		}
		ts.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func newTestClient(url string) *Client {
	c := NewClient(url, "tok", "client-1", []int{10, 20}, 3, 0)
	c.SetHello(protocol.DaemonConnected{Hostname: "box", Version: "test", Capabilities: []string{"spawn"}})
	return c
}

func TestConnectSendsHelloFirst(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())
	require.NoError(t, c.Connect())
	defer c.Close()

	require.NoError(t, c.Send(protocol.SessionDiff{Type: protocol.TypeSessionDiff, SessionID: "s1", Diff: "x"}))

	msgs := ts.waitMessages(t, 2)
	var hello protocol.DaemonConnected
	require.NoError(t, json.Unmarshal(msgs[0], &hello))
	assert.Equal(t, protocol.TypeDaemonConnected, hello.Type)
	assert.Equal(t, "client-1", hello.ClientID)
	assert.Equal(t, []string{"spawn"}, hello.Capabilities)

	ts.mu.Lock()
	auth := ts.headers[0].Get("Authorization")
	ts.mu.Unlock()
	assert.Equal(t, "Bearer tok", auth)
}

func TestSendWhileDisconnectedDrops(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/ws")
	err := c.Send(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: "s1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDispatchesDecodedCommands(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())

	got := make(chan any, 1)
	c.SetCommandHandler(func(cmd any) { got <- cmd })
	require.NoError(t, c.Connect())
	defer c.Close()

	ts.waitMessages(t, 1) // hello, so the server conn exists

	ts.mu.Lock()
	conn := ts.conns[0]
	ts.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"send_input","session_id":"s1","text":"continue"}`)))
	// Unknown types must be ignored without killing the connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"shiny_new_thing"}`)))

	select {
	case cmd := <-got:
		in, ok := cmd.(*protocol.SendInput)
		require.True(t, ok)
		assert.Equal(t, "continue", in.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("command never dispatched")
	}
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())

	var mu sync.Mutex
	connects := 0
	c.SetOnConnect(func() {
		mu.Lock()
		connects++
		mu.Unlock()
	})
	require.NoError(t, c.Connect())
	defer c.Close()

	ts.waitMessages(t, 1)
	ts.mu.Lock()
	ts.conns[0].Close()
	ts.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2
	}, 2*time.Second, 10*time.Millisecond, "client never reconnected")

	// The replacement socket re-announces capabilities.
	msgs := ts.waitMessages(t, 2)
	var hello protocol.DaemonConnected
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &hello))
	assert.Equal(t, protocol.TypeDaemonConnected, hello.Type)
}

func TestPermanentDisconnectAfterBudget(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts.wsURL())

	permanent := make(chan struct{})
	c.SetOnPermanentDisconnect(func() { close(permanent) })
	require.NoError(t, c.Connect())
	defer c.Close()

	ts.waitMessages(t, 1)
	// Take the server away for good. httptest stops tracking hijacked
	// connections, so CloseClientConnections/Close never sever the
	// upgraded socket; close it explicitly.
	ts.srv.CloseClientConnections()
	ts.srv.Close()
	ts.mu.Lock()
	for _, conn := range ts.conns {
		conn.Close()
	}
	ts.mu.Unlock()

	select {
	case <-permanent:
	case <-time.After(3 * time.Second):
		t.Fatal("never went permanently offline")
	}
	assert.True(t, c.PermanentlyDisconnected())
	assert.Error(t, c.Connect())
}
