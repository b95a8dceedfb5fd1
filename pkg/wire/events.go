// Package wire defines the frames exchanged over the realtime chat
// connection. Both the gateway and the client multiplexer parse through
// this package so unknown or malformed frames are rejected at the
// transport boundary instead of leaking into application state.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"campushub/pkg/domain"
)

// Server-to-client event kinds. The set is closed; anything else is a
// protocol error.
const (
	EventMessageNew     = "message_new"
	EventMessageDeleted = "message_deleted"
)

// Client-to-server frame kinds.
const (
	FrameJoinRoom  = "join_room"
	FrameLeaveRoom = "leave_room"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrUnknownFrame = errors.New("unknown frame type")
)

// ServerEvent is a push from the gateway to a subscriber. Exactly one
// payload shape applies per Type: message_new carries the full message,
// message_deleted carries the room and message ids.
type ServerEvent struct {
	Type      string          `json:"type"`
	Message   *domain.Message `json:"message,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewMessageEvent builds a message_new event.
func NewMessageEvent(msg domain.Message) ServerEvent {
	return ServerEvent{Type: EventMessageNew, Message: &msg, RoomID: msg.RoomID}
}

// DeletedEvent builds a message_deleted event.
func DeletedEvent(roomID, messageID string) ServerEvent {
	return ServerEvent{Type: EventMessageDeleted, RoomID: roomID, MessageID: messageID}
}

// ParseServerEvent decodes and validates a gateway push.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case EventMessageNew:
		if ev.Message == nil || ev.Message.ID == "" || ev.Message.RoomID == "" {
			return ServerEvent{}, errors.New("message_new event missing message")
		}
		if ev.RoomID == "" {
			ev.RoomID = ev.Message.RoomID
		}
	case EventMessageDeleted:
		if ev.RoomID == "" || ev.MessageID == "" {
			return ServerEvent{}, errors.New("message_deleted event missing ids")
		}
	default:
		return ServerEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	return ev, nil
}

// ClientFrame is a subscription change sent by a client.
type ClientFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// ParseClientFrame decodes and validates a client subscription frame.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameJoinRoom, FrameLeaveRoom:
		if f.RoomID == "" {
			return ClientFrame{}, errors.New("frame missing roomId")
		}
	default:
		return ClientFrame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	return f, nil
}
