package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestNewSessionReceivesStatusSnapshot(t *testing.T) {
	hub := New(testLogger(), func() any {
		return map[string]string{"status": "connected"}
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	env := readEnvelope(t, conn)
	if env.Event != "status" {
		t.Fatalf("expected status event first, got %q", env.Event)
	}
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	hub := New(testLogger(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	first := dial(t, srv)
	second := dial(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions never attached, count=%d", hub.SessionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast("bulk_progress", map[string]int{"sent": 1})

	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		if env.Event != "bulk_progress" {
			t.Fatalf("expected bulk_progress, got %q", env.Event)
		}
		data, err := json.Marshal(env.Data)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `"sent":1`) {
			t.Fatalf("unexpected payload: %s", data)
		}
	}
}

func TestDisconnectedSessionIsRemoved(t *testing.T) {
	hub := New(testLogger(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()
	for hub.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never removed, count=%d", hub.SessionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
