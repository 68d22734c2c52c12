// Package ws carries the ownership protocol over gorilla websockets.
package ws

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"hostswap/internal/net/proto"
	"hostswap/internal/sim"
	"hostswap/internal/telemetry"
	"hostswap/internal/tick"
)

// Enqueuer accepts transport events for the next tick. Disconnects must
// always be accepted.
type Enqueuer interface {
	Enqueue(cmd tick.Command) bool
}

// HandlerConfig tunes the websocket handler.
type HandlerConfig struct {
	Logger telemetry.Logger
}

// Handler upgrades HTTP requests and turns each websocket into a stream of
// tick commands.
type Handler struct {
	hub      *Hub
	queue    Enqueuer
	logger   telemetry.Logger
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

// NewHandler constructs a handler registering connections with hub and
// forwarding their events to queue.
func NewHandler(hub *Hub, queue Enqueuer, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Handler{
		hub:    hub,
		queue:  queue,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[ws] upgrade failed: %v", err)
		return
	}
	id := sim.ConnID(fmt.Sprintf("ws-%d", h.nextID.Add(1)))

	if !h.queue.Enqueue(tick.Command{Type: tick.CommandConnect, Conn: id}) {
		message := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "host busy")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}
	h.hub.Add(id, conn)
	h.serve(id, conn)
}

func (h *Handler) serve(id sim.ConnID, conn *websocket.Conn) {
	defer func() {
		h.hub.Remove(id)
		conn.Close()
		h.queue.Enqueue(tick.Command{Type: tick.CommandDisconnect, Conn: id})
	}()

	announced := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("[ws] read from %s ended: %v", id, err)
			}
			return
		}
		msg, err := proto.Decode(payload)
		if err != nil {
			if errors.Is(err, proto.ErrUnsupportedVersion) {
				h.logger.Printf("[ws] closing %s: %v", id, err)
				return
			}
			h.logger.Printf("[ws] discarding malformed message from %s: %v", id, err)
			continue
		}
		announce, ok := msg.(proto.PeerIdentityAnnounce)
		if !ok {
			h.logger.Printf("[ws] ignoring %s from %s", msg.MessageType(), id)
			continue
		}
		if announced {
			h.logger.Printf("[ws] ignoring repeated announce from %s", id)
			continue
		}
		if !h.queue.Enqueue(tick.Command{Type: tick.CommandAnnounce, Conn: id, Token: announce.Token}) {
			h.logger.Printf("[ws] announce from %s dropped, closing", id)
			return
		}
		announced = true
	}
}
