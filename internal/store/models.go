package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type RoomModel struct {
	ID        string    `gorm:"primaryKey"`
	CourseID  string    `gorm:"not null;uniqueIndex:idx_rooms_course_section,priority:1"`
	SectionID string    `gorm:"not null;uniqueIndex:idx_rooms_course_section,priority:2"`
	CreatedAt time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID         string    `gorm:"primaryKey"`
	RoomID     string    `gorm:"not null;index:idx_messages_room_created,priority:1"`
	SenderID   string    `gorm:"not null"`
	SenderRole string    `gorm:"not null"`
	SenderName string    `gorm:"not null"`
	Body       string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index:idx_messages_room_created,priority:2"`
	Deleted    bool      `gorm:"not null;default:false"`
}

type NotificationModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index:idx_notifications_user_read,priority:1"`
	Type      string `gorm:"not null"`
	Message   string `gorm:"not null"`
	Read      bool   `gorm:"not null;default:false;index:idx_notifications_user_read,priority:2"`
	Data      datatypes.JSONType[map[string]string]
	CreatedAt time.Time `gorm:"not null;index"`
}
