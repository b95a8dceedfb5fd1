package store

import (
	"time"

	"campushub/pkg/domain"
)

// Store defines persistence for rooms, messages, and notifications.
// The message log is append-only: deletes only flip the tombstone flag,
// and reads never expose a deleted body.
type Store interface {
	// rooms
	EnsureRoom(courseID, sectionID string) (domain.Room, error)
	GetRoom(id string) (domain.Room, bool, error)
	ListRooms() ([]domain.Room, error)

	// messages
	AppendMessage(domain.Message) error
	GetMessage(id string) (domain.Message, bool, error)
	ListMessages(roomID string, before time.Time, limit int) ([]domain.Message, error)
	MarkMessageDeleted(id string) error

	// notifications
	CreateNotification(domain.Notification) error
	ListNotifications(userID string, page, limit int) ([]domain.Notification, error)
	CountUnread(userID string) (int, error)
	MarkAllRead(userID string) error
}

// redact withholds the body of deleted messages. Every read path goes
// through it so a tombstone can never leak its original text.
func redact(msg domain.Message) domain.Message {
	if msg.Deleted {
		msg.Body = ""
	}
	return msg
}
