package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tmig/internal/events"
)

// dialWS connects a websocket client to the handler under test.
func dialWS(t *testing.T, h *WSHandler, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSQuerySubscribeReceivesEvents(t *testing.T) {
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	h := NewWSHandler(pub, nil)

	conn := dialWS(t, h, "?project=PROJ")

	// The subscription is registered during the upgrade handler, so a
	// publish right after dialing must reach the client.
	require.Eventually(t, func() bool {
		return pub.SubscriberCount("PROJ") == 1
	}, time.Second, 10*time.Millisecond)
	pub.Publish(events.PhaseStarted("PROJ", "extract"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type  string       `json:"type"`
		Event events.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "extract", msg.Event.Phase)
}

func TestWSSubscribeMessage(t *testing.T) {
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	h := NewWSHandler(pub, nil)

	conn := dialWS(t, h, "")
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "subscribe", ProjectKey: "PROJ"}))

	require.Eventually(t, func() bool {
		return pub.SubscriberCount("PROJ") == 1
	}, time.Second, 10*time.Millisecond)

	pub.Publish(events.PhaseCompleted("PROJ", "load"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"load"`)
}

func TestWSUnknownMessageType(t *testing.T) {
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	h := NewWSHandler(pub, nil)

	conn := dialWS(t, h, "")
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "launch"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), "unknown message type")
}

func TestWSCloseAll(t *testing.T) {
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	h := NewWSHandler(pub, nil)

	conn := dialWS(t, h, "?project=PROJ")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	h.CloseAll()
	assert.Equal(t, 0, h.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool {
		return pub.SubscriberCount("PROJ") == 0
	}, time.Second, 10*time.Millisecond)
}
