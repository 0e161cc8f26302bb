package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Hub streams events to WebSocket subscribers. Slow subscribers lose events
// rather than stall publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan []byte
	origins     []string
}

// NewHub creates a hub accepting connections from originPatterns.
func NewHub(originPatterns []string) *Hub {
	return &Hub{
		subscribers: make(map[string]chan []byte),
		origins:     originPatterns,
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- data:
		default:
			slog.Debug("Dropping event for slow subscriber", "subscriber_id", id, "event_type", ev.Type)
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) register() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()
	slog.Info("Event subscriber registered", "subscriber_id", id)
	return id, ch
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	h.mu.Unlock()
	slog.Info("Event subscriber unregistered", "subscriber_id", id)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// Clients never send; CloseRead handles control frames and cancels ctx on disconnect.
	ctx := ws.CloseRead(r.Context())

	id, ch := h.register()
	defer h.unregister(id)

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("Event stream write failed", "subscriber_id", id, "error", err)
				return
			}
		}
	}
}
