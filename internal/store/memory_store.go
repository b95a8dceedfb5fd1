package store

import (
	"sort"
	"sync"
	"time"

	"campushub/internal/util"
	"campushub/pkg/domain"
)

// MemoryStore keeps chat state in-process. It backs tests and local runs
// and mirrors the GormStore contract exactly.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[string]domain.Room // key: room ID
	pairs    map[string]string      // courseID+"\x00"+sectionID -> room ID
	roomIDs  []string               // insertion order
	messages map[string]domain.Message
	byRoom   map[string][]string // room ID -> message IDs in append order
	notes    map[string][]domain.Notification
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]domain.Room),
		pairs:    make(map[string]string),
		messages: make(map[string]domain.Message),
		byRoom:   make(map[string][]string),
		notes:    make(map[string][]domain.Notification),
	}
}

func pairKey(courseID, sectionID string) string {
	return courseID + "\x00" + sectionID
}

// EnsureRoom resolves or creates the room for a (course, section) pair.
func (m *MemoryStore) EnsureRoom(courseID, sectionID string) (domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(courseID, sectionID)
	if id, ok := m.pairs[key]; ok {
		return m.rooms[id], nil
	}
	room := domain.Room{
		ID:        util.NewID(),
		CourseID:  courseID,
		SectionID: sectionID,
		CreatedAt: time.Now().UTC(),
	}
	m.rooms[room.ID] = room
	m.pairs[key] = room.ID
	m.roomIDs = append(m.roomIDs, room.ID)
	return room, nil
}

// GetRoom retrieves a room by ID.
func (m *MemoryStore) GetRoom(id string) (domain.Room, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok, nil
}

// ListRooms returns all rooms in creation order.
func (m *MemoryStore) ListRooms() ([]domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Room, 0, len(m.roomIDs))
	for _, id := range m.roomIDs {
		res = append(res, m.rooms[id])
	}
	return res, nil
}

// AppendMessage records a message.
func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	m.byRoom[msg.RoomID] = append(m.byRoom[msg.RoomID], msg.ID)
	return nil
}

// GetMessage retrieves a message by ID, body withheld when deleted.
func (m *MemoryStore) GetMessage(id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	return redact(msg), true, nil
}

// ListMessages returns up to limit messages with createdAt < before
// (the most recent page when before is zero), ascending by (createdAt, id).
func (m *MemoryStore) ListMessages(roomID string, before time.Time, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]domain.Message, 0, len(m.byRoom[roomID]))
	for _, id := range m.byRoom[roomID] {
		msg := m.messages[id]
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		all = append(all, redact(msg))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// MarkMessageDeleted flips the tombstone flag; no-op when already deleted.
func (m *MemoryStore) MarkMessageDeleted(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil
	}
	msg.Deleted = true
	m.messages[id] = msg
	return nil
}

// CreateNotification stores a notification.
func (m *MemoryStore) CreateNotification(n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[n.UserID] = append(m.notes[n.UserID], n)
	return nil
}

// ListNotifications returns a page of the user's notifications, newest first.
func (m *MemoryStore) ListNotifications(userID string, page, limit int) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if page < 1 {
		page = 1
	}
	all := make([]domain.Notification, len(m.notes[userID]))
	copy(all, m.notes[userID])
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	start := (page - 1) * limit
	if start >= len(all) {
		return []domain.Notification{}, nil
	}
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// CountUnread returns the number of unread notifications for the user.
func (m *MemoryStore) CountUnread(userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notes[userID] {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkAllRead marks every unread notification of the user as read.
func (m *MemoryStore) MarkAllRead(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.notes[userID]
	for i := range items {
		items[i].Read = true
	}
	return nil
}
