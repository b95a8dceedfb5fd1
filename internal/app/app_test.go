package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"campushub/internal/store"
	"campushub/internal/unread"
	"campushub/pkg/domain"
)

type fakeRoster struct {
	denied map[string]bool // courseID+"/"+sectionID -> deny
	err    error
}

func (f *fakeRoster) CanAccess(_ context.Context, _, courseID, sectionID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.denied[courseID+"/"+sectionID], nil
}

func newTestApp(t *testing.T, roster RosterChecker) *App {
	t.Helper()
	a, err := New(Config{Store: store.NewMemoryStore(), Roster: roster})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

var (
	student = domain.Identity{ID: "stu-1", Name: "Student One", Role: domain.RoleStudent}
	teacher = domain.Identity{ID: "tch-1", Name: "Teacher One", Role: domain.RoleTeacher}
	admin   = domain.Identity{ID: "adm-1", Name: "Admin One", Role: domain.RoleAdmin}
	dean    = domain.Identity{ID: "den-1", Name: "Dean One", Role: domain.RoleDean}
	hod     = domain.Identity{ID: "hod-1", Name: "Head One", Role: domain.RoleHOD}
)

func TestEnsureRoomConvergesAcrossCallers(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	first, err := a.EnsureRoom(ctx, student, "C1", "S1")
	if err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	second, err := a.EnsureRoom(ctx, teacher, "C1", "S1")
	if err != nil {
		t.Fatalf("ensure room second caller: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("callers diverged: %q vs %q", first.ID, second.ID)
	}
	rooms, err := a.ListRooms(ctx)
	if err != nil || len(rooms) != 1 {
		t.Fatalf("expected one room, got %d err=%v", len(rooms), err)
	}
}

func TestEnsureRoomConcurrentSamePair(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	const workers = 12
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			room, err := a.EnsureRoom(ctx, student, "C9", "S9")
			if err != nil {
				t.Errorf("ensure room: %v", err)
				return
			}
			ids <- room.ID
		}()
	}
	wg.Wait()
	close(ids)
	distinct := make(map[string]struct{})
	for id := range ids {
		distinct[id] = struct{}{}
	}
	if len(distinct) != 1 {
		t.Fatalf("expected one room id, got %d", len(distinct))
	}
}

func TestEnsureRoomDeniedByRoster(t *testing.T) {
	a := newTestApp(t, &fakeRoster{denied: map[string]bool{"C1/S1": true}})
	_, err := a.EnsureRoom(context.Background(), student, "C1", "S1")
	if !errors.Is(err, ErrNoAccess) {
		t.Fatalf("expected ErrNoAccess, got: %v", err)
	}
}

func TestEnsureRoomRosterErrorPropagates(t *testing.T) {
	a := newTestApp(t, &fakeRoster{err: errors.New("roster down")})
	_, err := a.EnsureRoom(context.Background(), student, "C1", "S1")
	if err == nil || errors.Is(err, ErrNoAccess) {
		t.Fatalf("expected transport error, got: %v", err)
	}
}

func TestPostMessageRejectsEmptyBody(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	room, err := a.EnsureRoom(ctx, student, "C1", "S1")
	if err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	for _, body := range []string{"", "   ", "\n\t"} {
		if _, err := a.PostMessage(ctx, student, room.ID, body); !errors.Is(err, ErrEmptyBody) {
			t.Fatalf("body %q: expected ErrEmptyBody, got %v", body, err)
		}
	}
}

func TestPostMessageUnknownRoom(t *testing.T) {
	a := newTestApp(t, nil)
	if _, err := a.PostMessage(context.Background(), student, "missing", "hello"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got: %v", err)
	}
}

func TestPostMessageStampsSender(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	room, _ := a.EnsureRoom(ctx, student, "C1", "S1")
	msg, err := a.PostMessage(ctx, student, room.ID, "  Hello  ")
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if msg.ID == "" || msg.RoomID != room.ID || msg.Body != "Hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.SenderID != student.ID || msg.SenderRole != domain.RoleStudent || msg.SenderName != student.Name {
		t.Fatalf("sender not stamped: %+v", msg)
	}
	if msg.Deleted {
		t.Fatalf("fresh message must not be deleted")
	}
}

func TestDeleteMessagePermissions(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	room, _ := a.EnsureRoom(ctx, student, "C1", "S1")

	for _, caller := range []domain.Identity{student, teacher} {
		msg, err := a.PostMessage(ctx, student, room.ID, "hello")
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		if _, err := a.DeleteMessage(ctx, caller, msg.ID); !errors.Is(err, ErrDeleteForbidden) {
			t.Fatalf("role %s: expected ErrDeleteForbidden, got %v", caller.Role, err)
		}
	}
	for _, caller := range []domain.Identity{admin, dean, hod} {
		msg, err := a.PostMessage(ctx, student, room.ID, "hello")
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		tomb, err := a.DeleteMessage(ctx, caller, msg.ID)
		if err != nil {
			t.Fatalf("role %s: delete failed: %v", caller.Role, err)
		}
		if !tomb.Deleted || tomb.Body != "" {
			t.Fatalf("role %s: expected tombstone, got %+v", caller.Role, tomb)
		}
	}
}

func TestDeleteMessageIdempotentAndPermanent(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	room, _ := a.EnsureRoom(ctx, student, "C1", "S1")
	msg, _ := a.PostMessage(ctx, student, room.ID, "secret")

	if _, err := a.DeleteMessage(ctx, admin, msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	again, err := a.DeleteMessage(ctx, admin, msg.ID)
	if err != nil {
		t.Fatalf("repeat delete must succeed: %v", err)
	}
	if !again.Deleted || again.Body != "" {
		t.Fatalf("repeat delete leaked body: %+v", again)
	}

	page, err := a.ListMessages(ctx, room.ID, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 || !page[0].Deleted || page[0].Body != "" {
		t.Fatalf("transcript leaked deleted body: %+v", page)
	}
}

func TestDeleteMessageUnknown(t *testing.T) {
	a := newTestApp(t, nil)
	if _, err := a.DeleteMessage(context.Background(), admin, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got: %v", err)
	}
}

func TestListMessagesClampsLimit(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	room, _ := a.EnsureRoom(ctx, student, "C1", "S1")
	for i := 0; i < 60; i++ {
		if _, err := a.PostMessage(ctx, student, room.ID, "hello"); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	page, err := a.ListMessages(ctx, room.ID, time.Time{}, 500)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != defaultHistoryPageSize {
		t.Fatalf("expected clamp to %d, got %d", defaultHistoryPageSize, len(page))
	}
}

func TestNotificationLifecycle(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	user := domain.Identity{ID: "stu-2", Role: domain.RoleStudent}

	created, err := a.Notify(ctx, domain.Notification{
		UserID:  user.ID,
		Type:    domain.NotificationAnnouncement,
		Message: "midterm moved to friday",
		Data:    map[string]string{"announcementId": "ann-1"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("notify must assign id and timestamp: %+v", created)
	}

	count, err := a.UnreadCount(ctx, user)
	if err != nil || count != 1 {
		t.Fatalf("unread count: got %d err=%v", count, err)
	}

	items, err := a.ListNotifications(ctx, user, 1, 20)
	if err != nil || len(items) != 1 {
		t.Fatalf("list notifications: got %d err=%v", len(items), err)
	}
	if items[0].Type != domain.NotificationAnnouncement || items[0].Data["announcementId"] != "ann-1" {
		t.Fatalf("unexpected notification: %+v", items[0])
	}

	if err := a.MarkAllRead(ctx, user); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	count, err = a.UnreadCount(ctx, user)
	if err != nil || count != 0 {
		t.Fatalf("unread after mark-all: got %d err=%v", count, err)
	}
}

// markAllStore lets a test run code inside the mark-all-read window,
// after the store's bulk update but before the call returns.
type markAllStore struct {
	store.Store
	after func()
}

func (s *markAllStore) MarkAllRead(userID string) error {
	err := s.Store.MarkAllRead(userID)
	if s.after != nil {
		s.after()
	}
	return err
}

func TestMarkAllReadDoesNotHideConcurrentNotify(t *testing.T) {
	r := miniredis.RunT(t)
	counter := unread.NewCounter(r.Addr(), "", "test:unread", time.Minute)
	hooked := &markAllStore{Store: store.NewMemoryStore()}
	a, err := New(Config{Store: hooked, Unread: counter})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	user := domain.Identity{ID: "stu-3", Role: domain.RoleStudent}

	if _, err := a.Notify(ctx, domain.Notification{UserID: user.ID, Type: domain.NotificationSystem, Message: "first"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	// Warm the badge cache so increments land in it.
	if count, err := a.UnreadCount(ctx, user); err != nil || count != 1 {
		t.Fatalf("warm-up count: got %d err=%v", count, err)
	}

	// A notification lands while mark-all-read is in flight. Its badge
	// increment must survive the acknowledgment.
	hooked.after = func() {
		hooked.after = nil
		if _, err := a.Notify(ctx, domain.Notification{UserID: user.ID, Type: domain.NotificationGrade, Message: "late"}); err != nil {
			t.Errorf("concurrent notify: %v", err)
		}
	}
	if err := a.MarkAllRead(ctx, user); err != nil {
		t.Fatalf("mark all read: %v", err)
	}

	count, err := a.UnreadCount(ctx, user)
	if err != nil || count != 1 {
		t.Fatalf("badge hid the late notification: got %d err=%v", count, err)
	}
}
