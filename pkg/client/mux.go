package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"campushub/pkg/wire"
)

const (
	initialRedialDelay = time.Second
	maxRedialDelay     = 30 * time.Second
)

// Mux owns the single realtime connection for a session and multiplexes
// room interest over it. Opening the same room twice shares one
// subscription; the connection redials on loss, rejoins every room of
// interest, and resyncs each surface so nothing missed stays missing.
type Mux struct {
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	interest  map[string]int
	surfaces  map[string]*Surface
	conn      *websocket.Conn
	connected bool

	// The websocket supports one concurrent writer; every frame write
	// goes through writeMu.
	writeMu sync.Mutex
}

func (m *Mux) writeFrame(conn *websocket.Conn, frame wire.ClientFrame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// NewMux constructs the multiplexer. Call Run to connect.
func NewMux(c *Client, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		client:   c,
		logger:   logger,
		interest: make(map[string]int),
		surfaces: make(map[string]*Surface),
	}
}

// Join registers interest in a room and returns its surface, loading the
// most recent history page on first open. Callers must pair every Join
// with a Leave.
func (m *Mux) Join(ctx context.Context, roomID string) (*Surface, error) {
	m.mu.Lock()
	surface, ok := m.surfaces[roomID]
	if !ok {
		surface = newSurface(m.client, roomID, defaultSurfacePageSize)
		m.surfaces[roomID] = surface
	}
	m.interest[roomID]++
	first := m.interest[roomID] == 1
	conn := m.conn
	m.mu.Unlock()

	if !ok {
		if err := surface.Resync(ctx); err != nil {
			m.release(roomID)
			return nil, err
		}
	}
	if first && conn != nil {
		if err := m.writeFrame(conn, wire.ClientFrame{Type: wire.FrameJoinRoom, RoomID: roomID}); err != nil {
			m.logger.Warn("join frame failed, will rejoin on redial", "room_id", roomID, "err", err)
		}
	}
	return surface, nil
}

// Leave drops one reference to a room. The subscription and surface go
// away when the last reference does.
func (m *Mux) Leave(roomID string) {
	last := m.release(roomID)
	if !last {
		return
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		if err := m.writeFrame(conn, wire.ClientFrame{Type: wire.FrameLeaveRoom, RoomID: roomID}); err != nil {
			m.logger.Warn("leave frame failed", "room_id", roomID, "err", err)
		}
	}
}

func (m *Mux) release(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interest[roomID] == 0 {
		return false
	}
	m.interest[roomID]--
	if m.interest[roomID] > 0 {
		return false
	}
	delete(m.interest, roomID)
	delete(m.surfaces, roomID)
	return true
}

// Run dials and reads the realtime connection until the context ends,
// redialing with backoff on loss.
func (m *Mux) Run(ctx context.Context) error {
	delay := initialRedialDelay
	for {
		if err := m.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("realtime connection lost", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRedialDelay {
			delay = maxRedialDelay
		}
	}
}

func (m *Mux) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.client.WebsocketURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	rooms := make([]string, 0, len(m.interest))
	for roomID := range m.interest {
		rooms = append(rooms, roomID)
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.connected = false
		m.mu.Unlock()
	}()

	// Rejoin everything the session cares about, then close the gap the
	// outage left in each transcript.
	for _, roomID := range rooms {
		if err := m.writeFrame(conn, wire.ClientFrame{Type: wire.FrameJoinRoom, RoomID: roomID}); err != nil {
			return err
		}
	}
	for _, roomID := range rooms {
		m.mu.Lock()
		surface := m.surfaces[roomID]
		m.mu.Unlock()
		if surface == nil {
			continue
		}
		if err := surface.Resync(ctx); err != nil {
			m.logger.Warn("transcript resync failed", "room_id", roomID, "err", err)
		}
	}

	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := wire.ParseServerEvent(data)
		if err != nil {
			m.logger.Warn("ignoring bad server event", "err", err)
			continue
		}
		m.mu.Lock()
		surface := m.surfaces[ev.RoomID]
		m.mu.Unlock()
		if surface != nil {
			surface.ApplyEvent(ev)
		}
	}
}

// Connected reports whether the realtime connection is currently up.
func (m *Mux) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
