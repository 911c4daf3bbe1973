package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stackyard/internal/domain"
	"stackyard/internal/messaging/inproc"
)

func dial(t *testing.T, bus *inproc.Bus) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(bus, log.New(io.Discard, "", 0)).Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt domain.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return evt
}

func waitSubscribers(t *testing.T, bus *inproc.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers=%d want=%d", bus.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPingAndBroadcast(t *testing.T) {
	bus := inproc.New(16)
	conn := dial(t, bus)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if evt := readEvent(t, conn); evt.Type != domain.EventTypePong {
		t.Fatalf("type=%s want=pong", evt.Type)
	}

	waitSubscribers(t, bus, 1)
	if err := bus.Publish(domain.Event{Type: domain.EventTypeStatus, Payload: json.RawMessage(`{"message":"hi"}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	evt := readEvent(t, conn)
	if evt.Type != domain.EventTypeStatus || !strings.Contains(string(evt.Payload), "hi") {
		t.Fatalf("event=%+v", evt)
	}
}

func TestSubscribeFiltersEvents(t *testing.T) {
	bus := inproc.New(16)
	conn := dial(t, bus)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","events":["order_result"]}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if evt := readEvent(t, conn); evt.Type != domain.EventTypeSubscribed {
		t.Fatalf("type=%s want=subscribed", evt.Type)
	}

	_ = bus.Publish(domain.Event{Type: domain.EventTypePoses, Tick: 1})
	_ = bus.Publish(domain.Event{Type: domain.EventTypeOrderResult, Payload: json.RawMessage(`{"order_id":"o-1"}`)})
	if evt := readEvent(t, conn); evt.Type != domain.EventTypeOrderResult {
		t.Fatalf("type=%s want=order_result", evt.Type)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	bus := inproc.New(16)
	conn := dial(t, bus)
	waitSubscribers(t, bus, 1)
	conn.Close()
	waitSubscribers(t, bus, 0)
}
