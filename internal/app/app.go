package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campushub/internal/store"
	"campushub/internal/unread"
	"campushub/internal/util"
	"campushub/pkg/domain"
)

const defaultHistoryPageSize = 50

// RosterChecker reports whether a user may access a course section.
// Implemented by rosterclient against the academic roster service.
type RosterChecker interface {
	CanAccess(ctx context.Context, userID, courseID, sectionID string) (bool, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL     string
	Store           store.Store
	Roster          RosterChecker
	Unread          *unread.Counter
	HistoryPageSize int
}

// App is the core application service wiring the room directory, the
// message log, and notification state together. It owns no transport:
// callers hand appended records to the realtime gateway themselves, which
// keeps the log engine decoupled from delivery.
type App struct {
	store    store.Store
	roster   RosterChecker
	unread   *unread.Counter
	pageSize int
}

// New constructs the application with database-backed storage.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	pageSize := cfg.HistoryPageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	return &App{
		store:    dataStore,
		roster:   cfg.Roster,
		unread:   cfg.Unread,
		pageSize: pageSize,
	}, nil
}

// EnsureRoom resolves the chat room for a (course, section) pair, creating
// it on first use. Repeated and concurrent calls converge on the same
// room; access is delegated to the roster service.
func (a *App) EnsureRoom(ctx context.Context, user domain.Identity, courseID, sectionID string) (domain.Room, error) {
	courseID = strings.TrimSpace(courseID)
	sectionID = strings.TrimSpace(sectionID)
	if courseID == "" || sectionID == "" {
		return domain.Room{}, fmt.Errorf("course and section required")
	}
	if a.roster != nil {
		ok, err := a.roster.CanAccess(ctx, user.ID, courseID, sectionID)
		if err != nil {
			return domain.Room{}, fmt.Errorf("roster check: %w", err)
		}
		if !ok {
			return domain.Room{}, ErrNoAccess
		}
	}
	room, err := a.store.EnsureRoom(courseID, sectionID)
	if err != nil {
		return domain.Room{}, fmt.Errorf("ensure room: %w", err)
	}
	return room, nil
}

// ListRooms returns every chat room.
func (a *App) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rooms, err := a.store.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// PostMessage appends a message to the room's log and returns the created
// record. It does not broadcast; the caller hands the record to the
// gateway, and senders see their own message only through that broadcast.
func (a *App) PostMessage(ctx context.Context, user domain.Identity, roomID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, ErrEmptyBody
	}
	if _, ok, err := a.store.GetRoom(roomID); err != nil {
		return domain.Message{}, fmt.Errorf("load room: %w", err)
	} else if !ok {
		return domain.Message{}, ErrRoomNotFound
	}
	msg := domain.Message{
		ID:         util.NewID(),
		RoomID:     roomID,
		SenderID:   user.ID,
		SenderRole: user.Role,
		SenderName: user.Name,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.AppendMessage(msg); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns one backward page of the room's transcript,
// ascending by (createdAt, id), tombstones included with bodies withheld.
func (a *App) ListMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error) {
	if _, ok, err := a.store.GetRoom(roomID); err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	} else if !ok {
		return nil, ErrRoomNotFound
	}
	if limit <= 0 || limit > a.pageSize {
		limit = a.pageSize
	}
	msgs, err := a.store.ListMessages(roomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessage soft-deletes a message. Only administrative roles may
// delete; deleting an already-deleted message succeeds without effect.
// The returned record is the tombstone to broadcast.
func (a *App) DeleteMessage(ctx context.Context, user domain.Identity, messageID string) (domain.Message, error) {
	if !user.Role.CanDeleteMessages() {
		return domain.Message{}, ErrDeleteForbidden
	}
	msg, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return domain.Message{}, ErrMessageNotFound
	}
	if msg.Deleted {
		return msg, nil
	}
	if err := a.store.MarkMessageDeleted(messageID); err != nil {
		return domain.Message{}, fmt.Errorf("delete message: %w", err)
	}
	msg.Deleted = true
	msg.Body = ""
	return msg, nil
}

// Notify stores a notification for a user and bumps the unread badge.
func (a *App) Notify(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if strings.TrimSpace(n.UserID) == "" {
		return domain.Notification{}, fmt.Errorf("notification user required")
	}
	if n.ID == "" {
		n.ID = util.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := a.store.CreateNotification(n); err != nil {
		return domain.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	if a.unread != nil {
		if err := a.unread.Incr(ctx, n.UserID); err != nil {
			// The cache is a fast path; the next recount corrects it.
			util.LoggerFromContext(ctx).Warn("unread incr failed", "err", err)
		}
	}
	return n, nil
}

// ListNotifications returns a page of the user's notifications, newest
// first.
func (a *App) ListNotifications(ctx context.Context, user domain.Identity, page, limit int) ([]domain.Notification, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	items, err := a.store.ListNotifications(user.ID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

// UnreadCount returns the user's unread notification count, served from
// the cache when warm and recounted from the store otherwise. Recounts
// are version-guarded so they cannot overwrite a newer acknowledgment.
func (a *App) UnreadCount(ctx context.Context, user domain.Identity) (int, error) {
	if a.unread == nil {
		return a.store.CountUnread(user.ID)
	}
	if count, hit, err := a.unread.Get(ctx, user.ID); err == nil && hit {
		return count, nil
	}
	version, err := a.unread.Version(ctx, user.ID)
	if err != nil {
		return a.store.CountUnread(user.ID)
	}
	count, err := a.store.CountUnread(user.ID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	if err := a.unread.SetIfVersion(ctx, user.ID, count, version); err != nil {
		util.LoggerFromContext(ctx).Warn("unread cache refresh failed", "err", err)
	}
	return count, nil
}

// MarkAllRead marks every notification of the user as read and
// acknowledges the cached badge. The acknowledgment happens before the
// store write: a notification landing mid-call then increments the
// already-zeroed badge instead of being wiped by a late acknowledgment
// and hidden until the cache expires.
func (a *App) MarkAllRead(ctx context.Context, user domain.Identity) error {
	if a.unread != nil {
		if err := a.unread.Acknowledge(ctx, user.ID); err != nil {
			util.LoggerFromContext(ctx).Warn("unread acknowledge failed", "err", err)
		}
	}
	if err := a.store.MarkAllRead(user.ID); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}
