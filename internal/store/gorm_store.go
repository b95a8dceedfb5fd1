package store

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"campushub/internal/util"
	"campushub/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&RoomModel{}, &MessageModel{}, &NotificationModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// EnsureRoom resolves the room for a (course, section) pair, creating it on
// first use. The unique index plus insert-on-conflict makes concurrent
// first-time calls converge on a single row.
func (s *GormStore) EnsureRoom(courseID, sectionID string) (domain.Room, error) {
	candidate := RoomModel{
		ID:        util.NewID(),
		CourseID:  courseID,
		SectionID: sectionID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}, {Name: "section_id"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return domain.Room{}, fmt.Errorf("ensure room: %w", err)
	}
	var model RoomModel
	if err := s.db.First(&model, "course_id = ? AND section_id = ?", courseID, sectionID).Error; err != nil {
		return domain.Room{}, fmt.Errorf("load room: %w", err)
	}
	return roomFromModel(model), nil
}

// GetRoom retrieves a room by ID.
func (s *GormStore) GetRoom(id string) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	return roomFromModel(model), true, nil
}

// ListRooms returns all rooms ordered by creation time.
func (s *GormStore) ListRooms() ([]domain.Room, error) {
	var models []RoomModel
	if err := s.db.Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Room, 0, len(models))
	for _, m := range models {
		res = append(res, roomFromModel(m))
	}
	return res, nil
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// GetMessage retrieves a message by ID, body withheld when deleted.
func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return redact(messageFromModel(model)), true, nil
}

// ListMessages returns up to limit messages of the room with
// createdAt < before (the most recent page when before is zero), ordered
// ascending by (createdAt, id). Deleted messages are returned as
// tombstones with the body withheld.
func (s *GormStore) ListMessages(roomID string, before time.Time, limit int) ([]domain.Message, error) {
	tx := s.db.Where("room_id = ?", roomID)
	if !before.IsZero() {
		tx = tx.Where("created_at < ?", before)
	}
	var models []MessageModel
	if err := tx.Order("created_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		res = append(res, redact(messageFromModel(models[i])))
	}
	// The query tie-breaks on id within equal timestamps; re-sorting here
	// keeps the contract independent of driver timestamp precision.
	sort.Slice(res, func(i, j int) bool { return res[i].Before(res[j]) })
	return res, nil
}

// MarkMessageDeleted flips the tombstone flag. Already-deleted rows are a
// no-op; the row is never removed.
func (s *GormStore) MarkMessageDeleted(id string) error {
	return s.db.Model(&MessageModel{}).
		Where("id = ?", id).
		Update("deleted", true).Error
}

// CreateNotification stores a notification.
func (s *GormStore) CreateNotification(n domain.Notification) error {
	model := notificationToModel(n)
	return s.db.Create(&model).Error
}

// ListNotifications returns a page of the user's notifications, newest first.
func (s *GormStore) ListNotifications(userID string, page, limit int) ([]domain.Notification, error) {
	if page < 1 {
		page = 1
	}
	var models []NotificationModel
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

// CountUnread returns the number of unread notifications for the user.
func (s *GormStore) CountUnread(userID string) (int, error) {
	var count int64
	if err := s.db.Model(&NotificationModel{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// MarkAllRead marks every unread notification of the user as read.
func (s *GormStore) MarkAllRead(userID string) error {
	return s.db.Model(&NotificationModel{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true).Error
}

func roomFromModel(m RoomModel) domain.Room {
	return domain.Room{
		ID:        m.ID,
		CourseID:  m.CourseID,
		SectionID: m.SectionID,
		CreatedAt: m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderRole: string(msg.SenderRole),
		SenderName: msg.SenderName,
		Body:       msg.Body,
		CreatedAt:  msg.CreatedAt,
		Deleted:    msg.Deleted,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderRole: domain.Role(m.SenderRole),
		SenderName: m.SenderName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
		Deleted:    m.Deleted,
	}
}

func notificationToModel(n domain.Notification) NotificationModel {
	return NotificationModel{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      string(n.Type),
		Message:   n.Message,
		Read:      n.Read,
		Data:      datatypes.NewJSONType(n.Data),
		CreatedAt: n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:        m.ID,
		UserID:    m.UserID,
		Type:      domain.NotificationType(m.Type),
		Message:   m.Message,
		Read:      m.Read,
		Data:      m.Data.Data(),
		CreatedAt: m.CreatedAt,
	}
}
