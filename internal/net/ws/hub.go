package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"hostswap/internal/net/proto"
	"hostswap/internal/sim"
	"hostswap/internal/telemetry"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 5 * time.Second

// ErrUnknownConnection is returned when sending to a connection the hub does
// not track.
var ErrUnknownConnection = errors.New("ws: unknown connection")

// HubConfig tunes the websocket hub.
type HubConfig struct {
	WriteTimeout time.Duration
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
}

type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscriber) write(data []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks live websocket connections and implements the session
// transport on top of them.
type Hub struct {
	subscribers  *xsync.MapOf[sim.ConnID, *subscriber]
	writeTimeout time.Duration
	logger       telemetry.Logger
	metrics      telemetry.Metrics
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	return &Hub{
		subscribers:  xsync.NewMapOf[sim.ConnID, *subscriber](),
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// Add starts tracking conn under id.
func (h *Hub) Add(id sim.ConnID, conn *websocket.Conn) {
	h.subscribers.Store(id, &subscriber{conn: conn})
}

// Remove stops tracking id. It reports whether id was tracked.
func (h *Hub) Remove(id sim.ConnID) bool {
	_, ok := h.subscribers.LoadAndDelete(id)
	return ok
}

// Len reports how many connections are tracked.
func (h *Hub) Len() int {
	return h.subscribers.Size()
}

// Send encodes msg and writes it to a single connection.
func (h *Hub) Send(id sim.ConnID, msg proto.Message) error {
	sub, ok := h.subscribers.Load(id)
	if !ok {
		return fmt.Errorf("send to %s: %w", id, ErrUnknownConnection)
	}
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	if err := sub.write(data, h.writeTimeout); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	h.metrics.Add(telemetry.MetricBroadcastBytesTotal, uint64(len(data)))
	return nil
}

// Broadcast writes msg to every connection. A connection whose write fails is
// closed so its read loop reports the disconnect.
func (h *Hub) Broadcast(msg proto.Message) {
	data, err := proto.Encode(msg)
	if err != nil {
		h.logger.Printf("[ws] failed to encode %s: %v", msg.MessageType(), err)
		return
	}
	h.subscribers.Range(func(id sim.ConnID, sub *subscriber) bool {
		if err := sub.write(data, h.writeTimeout); err != nil {
			h.metrics.Add(telemetry.MetricSendFailuresTotal, 1)
			h.logger.Printf("[ws] broadcast to %s failed: %v", id, err)
			sub.conn.Close()
			return true
		}
		h.metrics.Add(telemetry.MetricBroadcastBytesTotal, uint64(len(data)))
		return true
	})
}
