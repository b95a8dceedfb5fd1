package hub

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"campushub/pkg/domain"
	"campushub/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
	sendBuffer     = 32
)

// Conn is one authenticated websocket connection. The browser keeps a
// single connection per session and multiplexes room interest over it
// with join_room/leave_room frames.
type Conn struct {
	hub    *Hub
	ws     *websocket.Conn
	user   domain.Identity
	send   chan wire.ServerEvent
	done   chan struct{}
	logger *slog.Logger
}

// NewConn wraps an upgraded websocket connection for the given user.
func NewConn(h *Hub, ws *websocket.Conn, user domain.Identity, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		hub:    h,
		ws:     ws,
		user:   user,
		send:   make(chan wire.ServerEvent, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ReadPump consumes subscription frames until the connection drops, then
// unregisters from the hub. Malformed frames are ignored; the connection
// stays up.
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "user_id", c.user.ID, "err", err)
			}
			return
		}
		frame, err := wire.ParseClientFrame(data)
		if err != nil {
			c.logger.Warn("ignoring bad client frame", "user_id", c.user.ID, "err", err)
			continue
		}
		switch frame.Type {
		case wire.FrameJoinRoom:
			c.hub.Join(c, frame.RoomID)
		case wire.FrameLeaveRoom:
			c.hub.Leave(c, frame.RoomID)
		}
	}
}

// WritePump drains the send channel to the socket and keeps the
// connection alive with pings. It exits when the hub unregisters the
// connection or a write fails. The send channel is never closed; the
// dispatch loop may still be sending on it when the connection dies.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case ev := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.logger.Warn("websocket write failed", "user_id", c.user.ID, "err", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
