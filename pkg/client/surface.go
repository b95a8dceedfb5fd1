package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"campushub/pkg/domain"
	"campushub/pkg/wire"
)

const defaultSurfacePageSize = 50

// Surface is the client-side transcript of one room. History pages and
// realtime events feed the same ordered view; records dedup by message
// id, so a message that arrives over both paths renders once.
type Surface struct {
	mu       sync.RWMutex
	roomID   string
	client   *Client
	pageSize int
	seen     map[string]int // message id -> index in msgs
	msgs     []domain.Message
}

func newSurface(c *Client, roomID string, pageSize int) *Surface {
	if pageSize <= 0 {
		pageSize = defaultSurfacePageSize
	}
	return &Surface{
		roomID:   roomID,
		client:   c,
		pageSize: pageSize,
		seen:     make(map[string]int),
	}
}

// RoomID returns the room this surface renders.
func (s *Surface) RoomID() string {
	return s.roomID
}

// Messages returns a copy of the transcript, ascending by (createdAt, id).
func (s *Surface) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// MergeHistory folds a fetched page into the transcript. Known ids are
// kept in place, except that a tombstone from the server always wins
// over a live local copy.
func (s *Surface) MergeHistory(page []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range page {
		s.mergeLocked(msg)
	}
}

// ApplyEvent folds one realtime event into the transcript. Deletions for
// messages the surface has never loaded are dropped; the tombstone
// arrives with the history page instead.
func (s *Surface) ApplyEvent(ev wire.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case wire.EventMessageNew:
		if ev.Message != nil {
			s.mergeLocked(*ev.Message)
		}
	case wire.EventMessageDeleted:
		if idx, ok := s.seen[ev.MessageID]; ok {
			s.msgs[idx].Deleted = true
			s.msgs[idx].Body = ""
		}
	}
}

// LoadOlder fetches and merges the page before the oldest loaded
// message. It returns how many records the server sent; zero means the
// top of the transcript.
func (s *Surface) LoadOlder(ctx context.Context) (int, error) {
	s.mu.RLock()
	var before time.Time
	if len(s.msgs) > 0 {
		before = s.msgs[0].CreatedAt
	}
	s.mu.RUnlock()

	page, err := s.client.ListMessages(ctx, s.roomID, before, s.pageSize)
	if err != nil {
		return 0, err
	}
	s.MergeHistory(page)
	return len(page), nil
}

// Resync re-fetches the most recent page after a reconnect. Events
// missed while the connection was down land via the merge; events that
// did arrive are deduped away.
func (s *Surface) Resync(ctx context.Context) error {
	page, err := s.client.ListMessages(ctx, s.roomID, time.Time{}, s.pageSize)
	if err != nil {
		return err
	}
	s.MergeHistory(page)
	return nil
}

func (s *Surface) mergeLocked(msg domain.Message) {
	if idx, ok := s.seen[msg.ID]; ok {
		if msg.Deleted && !s.msgs[idx].Deleted {
			s.msgs[idx].Deleted = true
			s.msgs[idx].Body = ""
		}
		return
	}
	at := sort.Search(len(s.msgs), func(i int) bool {
		return msg.Before(s.msgs[i])
	})
	s.msgs = append(s.msgs, domain.Message{})
	copy(s.msgs[at+1:], s.msgs[at:])
	s.msgs[at] = msg
	for i := at; i < len(s.msgs); i++ {
		s.seen[s.msgs[i].ID] = i
	}
}
