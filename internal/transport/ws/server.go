package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stackyard/internal/domain"
)

// Hub is the event bus a connection subscribes to.
type Hub interface {
	Register(subscriberID string) <-chan domain.Event
	Unregister(subscriberID string)
	Send(subscriberID string, evt domain.Event) error
}

type clientMsg struct {
	Type   string             `json:"type"`
	Events []domain.EventType `json:"events,omitempty"`
}

type Server struct {
	hub Hub
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		hub: hub,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// filter holds the event types a client asked for; empty means all.
type filter struct {
	mu    sync.RWMutex
	types map[domain.EventType]struct{}
}

func (f *filter) set(types []domain.EventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = make(map[domain.EventType]struct{}, len(types))
	for _, t := range types {
		f.types[t] = struct{}{}
	}
}

func (f *filter) allows(t domain.EventType) bool {
	if t == domain.EventTypePong || t == domain.EventTypeSubscribed {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.types) == 0 {
		return true
	}
	_, ok := f.types[t]
	return ok
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		subID := "ws-" + uuid.NewString()
		events := s.hub.Register(subID)
		defer s.hub.Unregister(subID)
		s.log.Printf("ws subscriber connected id=%s remote=%s", subID, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var f filter
		done := make(chan struct{})

		// Writer goroutine; the only one writing to conn.
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-events:
					if !ok {
						return
					}
					if !f.allows(evt.Type) {
						continue
					}
					b, err := json.Marshal(evt)
					if err != nil {
						continue
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			var in clientMsg
			if err := json.Unmarshal(msg, &in); err != nil {
				continue
			}
			switch in.Type {
			case "ping":
				_ = s.hub.Send(subID, domain.Event{Type: domain.EventTypePong, Payload: json.RawMessage(`{}`), At: time.Now().UTC()})
			case "subscribe":
				f.set(in.Events)
				payload, _ := json.Marshal(map[string]any{"subscriber_id": subID, "events": in.Events})
				_ = s.hub.Send(subID, domain.Event{Type: domain.EventTypeSubscribed, Payload: payload, At: time.Now().UTC()})
			}
		}

		<-done
		s.log.Printf("ws subscriber disconnected id=%s", subID)
	}
}
