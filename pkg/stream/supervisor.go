// Package stream manages long-lived websocket connections with
// reconnection, keepalive, and generation fencing.
package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Handler supplies the venue-specific pieces of a supervised connection.
type Handler interface {
	// Name labels the connection in logs.
	Name() string
	// URL returns the dial target. Called on every connect attempt so
	// targets that embed rotating tokens stay fresh.
	URL(ctx context.Context) (string, error)
	// OnConnect writes login and subscribe frames after the dial. The
	// connection is not considered live until the first message arrives.
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	// OnMessage handles one inbound frame. The generation identifies the
	// connection the frame arrived on; handlers doing async work should
	// re-check it with Supervisor.Current before applying results.
	OnMessage(gen uint64, msg []byte)
	// Keepalive is invoked on the ping interval. Implementations write a
	// venue-appropriate ping; a nil-op is fine for venues that ping from
	// the server side.
	Keepalive(conn *websocket.Conn) error
}

// Options tune supervisor timing. Zero values pick the defaults.
type Options struct {
	HandshakeTimeout time.Duration // max wait for the first message, default 60s
	IdleTimeout      time.Duration // max silence while live, default 25s
	PingInterval     time.Duration // keepalive cadence, default 15s
	BackoffSeed      time.Duration // first reconnect delay, default 2s
	BackoffCap       time.Duration // max reconnect delay, default 60s
	HardReconnect    time.Duration // scheduled full reconnect, default 12h
}

func (o *Options) fill() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 60 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 25 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.BackoffSeed <= 0 {
		o.BackoffSeed = 2 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.HardReconnect <= 0 {
		o.HardReconnect = 12 * time.Hour
	}
}

// Supervisor owns one websocket connection and keeps it alive. Every
// (re)connect bumps the generation; frames and async results from a
// previous generation are stale and must be discarded by consumers.
type Supervisor struct {
	handler Handler
	opts    Options
	onState func(State)

	gen    atomic.Uint64
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewSupervisor builds a supervisor. onState may be nil.
func NewSupervisor(handler Handler, opts Options, onState func(State)) *Supervisor {
	opts.fill()
	return &Supervisor{handler: handler, opts: opts, onState: onState}
}

// Start launches the connect loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
	s.wg.Wait()
	s.setState(StateDisconnected)
}

// Generation returns the current connection generation.
func (s *Supervisor) Generation() uint64 {
	return s.gen.Load()
}

// Current reports whether gen identifies the live connection.
func (s *Supervisor) Current(gen uint64) bool {
	return gen == s.gen.Load()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Write sends one frame on the live connection. Safe for concurrent use.
func (s *Supervisor) Write(msgType int, data []byte) error {
	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%s: not connected", s.handler.Name())
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return c.WriteMessage(msgType, data)
}

func (s *Supervisor) runLoop(ctx context.Context) {
	defer s.wg.Done()
	delay := s.opts.BackoffSeed

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.setState(StateConnecting)
		gen := s.gen.Add(1)

		live, err := s.runConnection(ctx, gen)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("stream %s: connection ended: %v", s.handler.Name(), err)
		}

		// Backoff resets once a connection reached LIVE.
		if live {
			delay = s.opts.BackoffSeed
		}

		s.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.opts.BackoffCap {
			delay = s.opts.BackoffCap
		}
	}
}

// runConnection dials, handshakes, and pumps messages until the
// connection dies. It reports whether the connection ever went live.
func (s *Supervisor) runConnection(ctx context.Context, gen uint64) (live bool, err error) {
	url, err := s.handler.URL(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.closeConn()

	s.setState(StateHandshaking)
	if err := s.handler.OnConnect(ctx, conn); err != nil {
		return false, fmt.Errorf("handshake: %w", err)
	}

	// Any pong extends the read deadline alongside data frames.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	hardStop := time.AfterFunc(s.opts.HardReconnect, func() {
		log.Printf("stream %s: scheduled reconnect", s.handler.Name())
		conn.Close()
	})
	defer hardStop.Stop()

	// The subscribe window: the first message must arrive within the
	// handshake timeout or the connection is torn down.
	deadline := s.opts.HandshakeTimeout
	for {
		if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return live, err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return live, err
		}
		if !live {
			live = true
			deadline = s.opts.IdleTimeout
			s.setState(StateLive)
			log.Printf("stream %s: live (gen %d)", s.handler.Name(), gen)
		}
		s.handler.OnMessage(gen, msg)
	}
}

func (s *Supervisor) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.handler.Keepalive(conn)
			s.writeMu.Unlock()
			if err != nil {
				log.Printf("stream %s: keepalive failed: %v", s.handler.Name(), err)
				conn.Close()
				return
			}
		}
	}
}

func (s *Supervisor) setState(st State) {
	old := s.state.Swap(int32(st))
	if State(old) != st && s.onState != nil {
		s.onState(st)
	}
}

func (s *Supervisor) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
