package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"campushub/pkg/domain"
	"campushub/pkg/wire"
)

// chatGateway backs mux tests with both halves of the API: the realtime
// endpoint and the history endpoint surfaces resync against.
type chatGateway struct {
	mu   sync.Mutex
	msgs map[string][]domain.Message
	conn *websocket.Conn

	opened chan struct{}
	frames chan wire.ClientFrame
	bad    atomic.Int64
}

func newChatGateway() *chatGateway {
	return &chatGateway{
		msgs:   make(map[string][]domain.Message),
		opened: make(chan struct{}, 8),
		frames: make(chan wire.ClientFrame, 1024),
	}
}

func (g *chatGateway) handler() http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = ws
		g.mu.Unlock()
		g.opened <- struct{}{}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frame, err := wire.ParseClientFrame(data)
			if err != nil {
				g.bad.Add(1)
				continue
			}
			select {
			case g.frames <- frame:
			default:
			}
		}
	})
	mux.HandleFunc("/chat/rooms/", func(w http.ResponseWriter, r *http.Request) {
		roomID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/chat/rooms/"), "/messages")
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		g.mu.Lock()
		all := append([]domain.Message(nil), g.msgs[roomID]...)
		g.mu.Unlock()
		var eligible []domain.Message
		for _, m := range all {
			if raw := r.URL.Query().Get("before"); raw != "" {
				if cutoff, err := time.Parse(time.RFC3339Nano, raw); err == nil && !m.CreatedAt.Before(cutoff) {
					continue
				}
			}
			eligible = append(eligible, m)
		}
		if len(eligible) > limit {
			eligible = eligible[len(eligible)-limit:]
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"messages": eligible})
	})
	return mux
}

func (g *chatGateway) append(roomID string, msg domain.Message) {
	g.mu.Lock()
	g.msgs[roomID] = append(g.msgs[roomID], msg)
	g.mu.Unlock()
}

func (g *chatGateway) push(ev wire.ServerEvent) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}
	return conn.WriteJSON(ev)
}

func (g *chatGateway) drop() {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func startMux(t *testing.T, g *chatGateway) *Mux {
	t.Helper()
	ts := httptest.NewServer(g.handler())
	t.Cleanup(ts.Close)
	m := NewMux(NewClient(ts.URL, "token"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	waitOpened(t, g)
	return m
}

func waitOpened(t *testing.T, g *chatGateway) {
	t.Helper()
	select {
	case <-g.opened:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for realtime connection")
	}
}

func recvFrame(t *testing.T, g *chatGateway) wire.ClientFrame {
	t.Helper()
	select {
	case f := <-g.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return wire.ClientFrame{}
	}
}

func assertNoFrame(t *testing.T, g *chatGateway) {
	t.Helper()
	select {
	case f := <-g.frames:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForTranscript(t *testing.T, s *Surface, want ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if equalIDs(ids(s.Messages()), want...) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript %v never became %v", ids(s.Messages()), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMuxSharesOneSubscriptionAcrossSurfaces(t *testing.T) {
	g := newChatGateway()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	g.append("room-1", mkMsg("m1", base, "one"))
	m := startMux(t, g)
	ctx := context.Background()

	first, err := m.Join(ctx, "room-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if f := recvFrame(t, g); f.Type != wire.FrameJoinRoom || f.RoomID != "room-1" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if got := ids(first.Messages()); !equalIDs(got, "m1") {
		t.Fatalf("first open did not load history: %v", got)
	}

	// A second panel on the same room shares the subscription.
	second, err := m.Join(ctx, "room-1")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if second != first {
		t.Fatalf("second surface not shared")
	}
	assertNoFrame(t, g)

	// Interest survives until the last panel closes.
	m.Leave("room-1")
	assertNoFrame(t, g)
	m.Leave("room-1")
	if f := recvFrame(t, g); f.Type != wire.FrameLeaveRoom || f.RoomID != "room-1" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestMuxReconnectRejoinsAndClosesTheGap(t *testing.T) {
	g := newChatGateway()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	g.append("room-1", mkMsg("m1", base.Add(1*time.Second), "one"))
	g.append("room-1", mkMsg("m2", base.Add(2*time.Second), "two"))
	m := startMux(t, g)

	surface, err := m.Join(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if f := recvFrame(t, g); f.Type != wire.FrameJoinRoom {
		t.Fatalf("unexpected frame: %+v", f)
	}
	waitForTranscript(t, surface, "m1", "m2")

	// The connection dies; messages keep landing while it is down.
	g.drop()
	g.append("room-1", mkMsg("m3", base.Add(3*time.Second), "three"))
	g.append("room-1", mkMsg("m4", base.Add(4*time.Second), "four"))
	g.append("room-1", mkMsg("m5", base.Add(5*time.Second), "five"))

	// The mux redials, re-subscribes, and resyncs the surface exactly
	// once, in order.
	waitOpened(t, g)
	if f := recvFrame(t, g); f.Type != wire.FrameJoinRoom || f.RoomID != "room-1" {
		t.Fatalf("no rejoin after redial: %+v", f)
	}
	waitForTranscript(t, surface, "m1", "m2", "m3", "m4", "m5")

	// Realtime delivery works on the new connection too.
	if err := g.push(wire.NewMessageEvent(mkMsg("m6", base.Add(6*time.Second), "six"))); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitForTranscript(t, surface, "m1", "m2", "m3", "m4", "m5", "m6")
}

func TestMuxConcurrentJoinLeaveKeepsFramesIntact(t *testing.T) {
	g := newChatGateway()
	m := startMux(t, g)
	ctx := context.Background()

	const workers = 8
	const rounds = 25
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		roomID := fmt.Sprintf("room-%d", i)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if _, err := m.Join(ctx, roomID); err != nil {
					t.Errorf("join %s: %v", roomID, err)
					return
				}
				m.Leave(roomID)
			}
		}()
	}
	wg.Wait()

	// Every frame must arrive intact; interleaved writers would corrupt
	// the stream.
	want := workers * rounds * 2
	got := 0
	deadline := time.After(5 * time.Second)
	for got < want {
		select {
		case f := <-g.frames:
			if f.Type != wire.FrameJoinRoom && f.Type != wire.FrameLeaveRoom {
				t.Fatalf("unexpected frame: %+v", f)
			}
			got++
		case <-deadline:
			t.Fatalf("received %d of %d frames", got, want)
		}
	}
	if n := g.bad.Load(); n != 0 {
		t.Fatalf("%d unparseable frames", n)
	}
}
