package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"campushub/pkg/domain"
)

const (
	defaultPollInterval = 10 * time.Second
	notifierPageLimit   = 20
)

// Notifier keeps the session's notification badge fresh by polling the
// unread count and escalating to a list fetch whenever the count is
// non-zero. Marking all read bumps an acknowledgment sequence; a poll
// that started before the acknowledgment has its result discarded, so a
// stale count can never resurrect a cleared badge.
type Notifier struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	ackSeq atomic.Uint64

	mu    sync.RWMutex
	count int
	items []domain.Notification
}

// NewNotifier constructs a notifier polling at the given interval.
func NewNotifier(c *Client, interval time.Duration, logger *slog.Logger) *Notifier {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: c, interval: interval, logger: logger}
}

// Run polls until the context ends. The first poll happens immediately.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		if err := n.Poll(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("notification poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches the unread count once and, when it is non-zero, the
// newest page of notifications. A failed list fetch degrades to an empty
// list; the count signal stands on its own.
func (n *Notifier) Poll(ctx context.Context) error {
	seq := n.ackSeq.Load()
	count, err := n.client.UnreadCount(ctx)
	if err != nil {
		return err
	}
	var items []domain.Notification
	if count > 0 {
		items, err = n.client.Notifications(ctx, 1, notifierPageLimit)
		if err != nil {
			n.logger.Warn("notification prefetch failed", "err", err)
			items = nil
		}
	}
	if n.ackSeq.Load() != seq {
		// The user acknowledged while this poll was in flight.
		return nil
	}
	n.mu.Lock()
	n.count = count
	n.items = items
	n.mu.Unlock()
	return nil
}

// MarkAllRead clears the badge locally at once and tells the server.
// In-flight polls from before the call are discarded on arrival.
func (n *Notifier) MarkAllRead(ctx context.Context) error {
	n.ackSeq.Add(1)
	n.mu.Lock()
	n.count = 0
	n.items = nil
	n.mu.Unlock()
	return n.client.MarkAllRead(ctx)
}

// Count returns the last observed unread count.
func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.count
}

// Notifications returns the last fetched page, newest first.
func (n *Notifier) Notifications() []domain.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]domain.Notification, len(n.items))
	copy(out, n.items)
	return out
}

// Announcements filters the last fetched page down to announcement
// notifications.
func (n *Notifier) Announcements() []domain.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []domain.Notification
	for _, item := range n.items {
		if item.Type == domain.NotificationAnnouncement {
			out = append(out, item)
		}
	}
	return out
}
