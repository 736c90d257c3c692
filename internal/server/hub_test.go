package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/gateway"
)

func TestHubBroadcastsRecordsToSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForSubscribers(t, hub, 1)

	sent := gateway.RecordSummary{
		ID:             42,
		Method:         "POST",
		Path:           "/v1/messages",
		Status:         200,
		DurationMs:     12,
		TargetPlatform: "openrouter",
		TargetModel:    "openai/gpt-4o-mini",
		TotalTokens:    7,
	}
	hub.BroadcastRecord(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got gateway.RecordSummary
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if got != sent {
		t.Errorf("received %+v, want %+v", got, sent)
	}
}

func TestHubDropsClosedSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForSubscribers(t, hub, 1)

	conn.Close()
	waitForSubscribers(t, hub, 0)

	// Broadcasting with no subscribers must not panic.
	hub.BroadcastRecord(gateway.RecordSummary{ID: 1})
}

func waitForSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Len() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count = %d, want %d", hub.Len(), want)
}
