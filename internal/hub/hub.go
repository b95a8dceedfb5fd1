// Package hub fans chat events out to websocket subscribers. Delivery is
// best effort: the hub never blocks the write path, and a subscriber that
// cannot keep up loses events rather than slowing the room down. Clients
// recover by re-fetching history.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"campushub/pkg/domain"
	"campushub/pkg/wire"
)

const eventBuffer = 256

// Hub tracks live connections and their room interests, and owns the
// single dispatch loop so every subscriber of a room observes events in
// the same order.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	rooms  map[string]map[*Conn]struct{}
	events chan wire.ServerEvent
	logger *slog.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[*Conn]struct{}),
		rooms:  make(map[string]map[*Conn]struct{}),
		events: make(chan wire.ServerEvent, eventBuffer),
		logger: logger,
	}
}

// Run dispatches queued events until the context is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// Unregister removes a connection and all of its room interests, and
// signals its write pump to shut down. The send channel stays open: the
// dispatch loop snapshots room members outside the lock, so it may still
// send to a connection that unregistered mid-dispatch.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	for roomID, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	close(c.done)
}

// Join subscribes a connection to a room's events.
func (h *Hub) Join(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
}

// Leave removes a connection's subscription to a room.
func (h *Hub) Leave(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// BroadcastMessage queues a message_new event for the message's room.
func (h *Hub) BroadcastMessage(msg domain.Message) {
	h.enqueue(wire.NewMessageEvent(msg))
}

// BroadcastDeleted queues a message_deleted event for the room.
func (h *Hub) BroadcastDeleted(roomID, messageID string) {
	h.enqueue(wire.DeletedEvent(roomID, messageID))
}

func (h *Hub) enqueue(ev wire.ServerEvent) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("hub event queue full, dropping event", "type", ev.Type, "room_id", ev.RoomID)
	}
}

func (h *Hub) dispatch(ev wire.ServerEvent) {
	h.mu.RLock()
	members := h.rooms[ev.RoomID]
	targets := make([]*Conn, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("subscriber send buffer full, dropping event",
				"type", ev.Type, "room_id", ev.RoomID, "user_id", c.user.ID)
		}
	}
}
