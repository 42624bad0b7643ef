package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeHandler struct {
	url       string
	mu        sync.Mutex
	gens      []uint64
	msgs      [][]byte
	connects  int32
	onConnect func(conn *websocket.Conn) error
}

func (f *fakeHandler) Name() string { return "fake" }

func (f *fakeHandler) URL(ctx context.Context) (string, error) { return f.url, nil }

func (f *fakeHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	atomic.AddInt32(&f.connects, 1)
	if f.onConnect != nil {
		return f.onConnect(conn)
	}
	return nil
}

func (f *fakeHandler) OnMessage(gen uint64, msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gens = append(f.gens, gen)
	f.msgs = append(f.msgs, append([]byte(nil), msg...))
}

func (f *fakeHandler) Keepalive(conn *websocket.Conn) error { return nil }

func (f *fakeHandler) received() ([]uint64, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.gens...), len(f.msgs)
}

func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
}

func wsURL(s *httptest.Server) string {
	return strings.Replace(s.URL, "http://", "ws://", 1)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSupervisorGoesLiveOnFirstMessage(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":1}`))
		time.Sleep(time.Second)
	})
	defer srv.Close()

	h := &fakeHandler{url: wsURL(srv)}
	sup := NewSupervisor(h, Options{}, nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, 2*time.Second, func() bool { return sup.State() == StateLive })

	gens, n := h.received()
	if n != 1 {
		t.Fatalf("got %d messages, want 1", n)
	}
	if !sup.Current(gens[0]) {
		t.Errorf("first message carried stale generation %d", gens[0])
	}
}

func TestSupervisorBumpsGenerationOnReconnect(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`tick`))
		// drop the connection to force a reconnect
	})
	defer srv.Close()

	h := &fakeHandler{url: wsURL(srv)}
	sup := NewSupervisor(h, Options{BackoffSeed: 20 * time.Millisecond}, nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, 5*time.Second, func() bool {
		gens, _ := h.received()
		return len(gens) >= 2
	})

	gens, _ := h.received()
	if gens[0] == gens[1] {
		t.Fatalf("reconnect kept generation %d", gens[0])
	}
	if gens[1] <= gens[0] {
		t.Errorf("generation went backwards: %v", gens[:2])
	}
	// Frames from the first connection are now stale.
	if sup.Current(gens[0]) {
		t.Errorf("generation %d should be stale after reconnect", gens[0])
	}
}

func TestSupervisorStateTransitions(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`x`))
		time.Sleep(time.Second)
	})
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	h := &fakeHandler{url: wsURL(srv)}
	sup := NewSupervisor(h, Options{}, func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	sup.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return sup.State() == StateLive })
	sup.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateHandshaking, StateLive}
	for i, st := range want {
		if i >= len(states) || states[i] != st {
			t.Fatalf("states = %v, want prefix %v", states, want)
		}
	}
}

func TestSupervisorReconnectsWhenHandshakeFails(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	h := &fakeHandler{
		url: wsURL(srv),
		onConnect: func(conn *websocket.Conn) error {
			return context.DeadlineExceeded
		},
	}
	sup := NewSupervisor(h, Options{BackoffSeed: 20 * time.Millisecond}, nil)
	sup.Start(context.Background())
	defer sup.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return atomic.LoadInt32(&h.connects) >= 2
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateHandshaking, "HANDSHAKING"},
		{StateLive, "LIVE"},
		{StateReconnecting, "RECONNECTING"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
