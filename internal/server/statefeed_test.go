// ABOUTME: Tests for the websocket state feed and the health endpoint
// ABOUTME: Runs the feed against httptest servers with a gorilla client
package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/packet"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFeed(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()

	feed := NewStateFeed(s, nullLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	ts := httptest.NewServer(feed.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/state"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func readState(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	msg := readMessage(t, conn)
	require.Equal(t, MsgState, msg.Type)

	var state map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &state))
	return state
}

func TestStateFeedSendsInitialState(t *testing.T) {
	s := newTestServer(t, testConfig())
	conn := startFeed(t, s)

	state := readState(t, conn)
	assert.Equal(t, s.ID(), state["serverId"])
	assert.Equal(t, false, state["connected"])
	assert.Contains(t, state["switches"], "core")
}

func TestStateFeedPushesChanges(t *testing.T) {
	s := newTestServer(t, testConfig())
	conn := startFeed(t, s)
	readState(t, conn)

	s.clients.Handle("10.0.0.5", packet.ClientAnnounce{Serial: 42})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state := readState(t, conn)
		clients, _ := state["clients"].(map[string]any)
		if _, ok := clients["10.0.0.5"]; ok {
			return
		}
	}
	t.Fatal("client never appeared in the state feed")
}

func TestStateFeedSurvivesNonFiniteAnnounce(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.clients.Handle("10.0.0.8", packet.ClientAnnounce{
		Serial:       8,
		SamplingRate: float32(math.Inf(-1)),
		CPUPercent:   float32(math.NaN()),
	})

	feed := NewStateFeed(s, nullLogger())
	data, err := feed.stateMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.8")

	conn := startFeed(t, s)
	state := readState(t, conn)
	clients, _ := state["clients"].(map[string]any)
	assert.Contains(t, clients, "10.0.0.8")
}

func TestStateFeedCommands(t *testing.T) {
	s := newTestServer(t, testConfig())
	conn := startFeed(t, s)
	readState(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": MsgReboot}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    MsgSetModule,
		"payload": map[string]any{"ip": "10.0.0.9", "id": 12},
	}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    MsgPTPReset,
		"payload": map[string]any{"id": "core"},
	}))

	require.Eventually(t, func() bool {
		sw, ok := s.switches.Get("core")
		return ok && sw.ResetPending && s.clients.RebootRequested() && len(s.Modules()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(12), s.Modules()[0].ID)
}

func TestStateFeedRejectsBadCommands(t *testing.T) {
	s := newTestServer(t, testConfig())
	conn := startFeed(t, s)
	readState(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    MsgPTPReset,
		"payload": map[string]any{"id": "nope"},
	}))

	// Skip any state pushes until the error arrives
	for {
		msg := readMessage(t, conn)
		if msg.Type == MsgState {
			continue
		}
		require.Equal(t, MsgError, msg.Type)
		assert.Contains(t, string(msg.Payload), "unknown switch")
		break
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	for {
		msg := readMessage(t, conn)
		if msg.Type == MsgState {
			continue
		}
		assert.Equal(t, MsgError, msg.Type)
		break
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig())
	feed := NewStateFeed(s, nullLogger())

	rec := httptest.NewRecorder()
	feed.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["connected"])
	assert.Equal(t, s.ID(), body["serverId"])
	assert.Len(t, body["workers"], 6)
}
