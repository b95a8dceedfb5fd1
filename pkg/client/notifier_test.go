package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"campushub/pkg/domain"
)

type notifyBackend struct {
	count      atomic.Int64
	listCalls  atomic.Int64
	countGate  chan struct{} // when set, unread-count blocks until closed
	countEntry chan struct{} // signaled when an unread-count request arrives
}

func (b *notifyBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
		if b.countEntry != nil {
			b.countEntry <- struct{}{}
		}
		if b.countGate != nil {
			<-b.countGate
		}
		json.NewEncoder(w).Encode(map[string]int64{"unread": b.count.Load()})
	})
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		b.listCalls.Add(1)
		items := make([]domain.Notification, b.count.Load())
		for i := range items {
			items[i] = domain.Notification{
				ID:      "n" + string(rune('1'+i)),
				UserID:  "stu-1",
				Type:    domain.NotificationAnnouncement,
				Message: "announcement",
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"notifications": items})
	})
	mux.HandleFunc("/notifications/mark-all/read", func(w http.ResponseWriter, r *http.Request) {
		b.count.Store(0)
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	return mux
}

func newTestNotifier(t *testing.T, b *notifyBackend) *Notifier {
	t.Helper()
	ts := httptest.NewServer(b.handler())
	t.Cleanup(ts.Close)
	return NewNotifier(NewClient(ts.URL, "token"), time.Second, nil)
}

func TestPollZeroCountSkipsListFetch(t *testing.T) {
	b := &notifyBackend{}
	n := newTestNotifier(t, b)

	if err := n.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n.Count() != 0 || len(n.Notifications()) != 0 {
		t.Fatalf("expected empty badge, got count=%d", n.Count())
	}
	if b.listCalls.Load() != 0 {
		t.Fatalf("zero count must not fetch the list")
	}
}

func TestPollEscalatesToListOnNonZeroCount(t *testing.T) {
	b := &notifyBackend{}
	b.count.Store(2)
	n := newTestNotifier(t, b)

	if err := n.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n.Count() != 2 {
		t.Fatalf("count = %d, want 2", n.Count())
	}
	if len(n.Notifications()) != 2 || len(n.Announcements()) != 2 {
		t.Fatalf("list not fetched: %+v", n.Notifications())
	}
	if b.listCalls.Load() != 1 {
		t.Fatalf("expected one list fetch, got %d", b.listCalls.Load())
	}
}

func TestListFetchFailureKeepsCountSignal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"unread": 4})
	})
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	n := NewNotifier(NewClient(ts.URL, "token"), time.Second, nil)
	if err := n.Poll(context.Background()); err != nil {
		t.Fatalf("poll must degrade, got: %v", err)
	}
	if n.Count() != 4 {
		t.Fatalf("count signal lost: %d", n.Count())
	}
	if len(n.Notifications()) != 0 {
		t.Fatalf("expected empty degraded list")
	}
}

func TestMarkAllReadClearsBadgeImmediately(t *testing.T) {
	b := &notifyBackend{}
	b.count.Store(3)
	n := newTestNotifier(t, b)

	if err := n.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := n.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if n.Count() != 0 || len(n.Notifications()) != 0 {
		t.Fatalf("badge not cleared: count=%d", n.Count())
	}
}

func TestStalePollCannotResurrectClearedBadge(t *testing.T) {
	b := &notifyBackend{
		countGate:  make(chan struct{}),
		countEntry: make(chan struct{}, 1),
	}
	b.count.Store(5)
	n := newTestNotifier(t, b)

	// A poll departs while the badge still shows 5, then stalls inside
	// the server.
	pollDone := make(chan error, 1)
	go func() {
		pollDone <- n.Poll(context.Background())
	}()
	<-b.countEntry

	// The user clears the badge while that poll is in flight.
	if err := n.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("mark all read: %v", err)
	}

	// The stale response finally lands carrying the old count.
	b.count.Store(5)
	close(b.countGate)
	if err := <-pollDone; err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n.Count() != 0 {
		t.Fatalf("stale poll resurrected the badge: count=%d", n.Count())
	}

	// The next full poll reflects genuinely new reality.
	if err := n.Poll(context.Background()); err != nil {
		t.Fatalf("follow-up poll: %v", err)
	}
	if n.Count() != 5 {
		t.Fatalf("fresh poll suppressed: count=%d", n.Count())
	}
}
