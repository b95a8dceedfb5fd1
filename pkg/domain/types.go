package domain

import "time"

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
	RoleDean    Role = "dean"
	RoleHOD     Role = "hod"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin, RoleDean, RoleHOD:
		return true
	}
	return false
}

// CanDeleteMessages reports whether the role may soft-delete chat messages.
func (r Role) CanDeleteMessages() bool {
	switch r {
	case RoleAdmin, RoleDean, RoleHOD:
		return true
	}
	return false
}

type NotificationType string

const (
	NotificationAnnouncement NotificationType = "announcement"
	NotificationGrade        NotificationType = "grade"
	NotificationSystem       NotificationType = "system"
)

// Identity is the authenticated caller decoded from a bearer token.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Room is the durable chat channel bound to one (course, section) pair.
// Exactly one room exists per pair; rooms are never deleted.
type Room struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"courseId"`
	SectionID string    `json:"sectionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one chat transcript entry. Once Deleted is set the body is
// withheld from every subsequent read and broadcast; the record itself
// stays in place as a tombstone.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	Deleted    bool      `json:"deleted"`
}

// Before reports whether m sorts before other in transcript order.
// The ordering key is (createdAt, id) ascending; the id breaks ties so
// pagination stays deterministic.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      NotificationType  `json:"type"`
	Message   string            `json:"message"`
	Read      bool              `json:"read"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
