package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/events"
)

// Hub relays bus events to connected websocket clients so the operator UI
// can resynchronize without polling. Delivery is best-effort; a slow client
// is dropped, never waited on.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	log     zerolog.Logger
}

// NewHub subscribes to the hitl.* event stream.
func NewHub(bus events.Bus, logger zerolog.Logger) *Hub {
	h := &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		log:     logger.With().Str("component", "wshub").Logger(),
	}
	for _, t := range []events.Type{events.TypeCreated, events.TypeDecided, events.TypeExpired, events.TypeAlert} {
		bus.Subscribe(t, func(_ context.Context, ev events.Event) {
			h.broadcast(ev)
		})
	}
	return h
}

const wsWriteTimeout = 2 * time.Second

func (h *Hub) broadcast(ev events.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(ev.Type)).Msg("marshal event failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.log.Warn().Err(err).Msg("dropping slow websocket client")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}

// ClientCount reports connected clients. Test hook.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to localhost; the UI connects same-origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.add(conn)
	s.log.Debug().Str("operator_id", operatorFrom(r.Context())).Msg("websocket client connected")

	// The stream is one-way; drain the read side until the client leaves.
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
