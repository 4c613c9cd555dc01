package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrGaveUp is returned by Stream.Run once the reconnect budget is spent.
var ErrGaveUp = errors.New("ws: reconnect attempts exhausted")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Backoff is exponential backoff with full jitter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // consecutive failed dials before giving up

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Base
	for i := 0; i < attempt && ceiling < b.Max; i++ {
		ceiling *= 2
	}
	if ceiling > b.Max {
		ceiling = b.Max
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	return time.Duration(r() * float64(ceiling))
}

// StreamOptions configure a Stream.
type StreamOptions struct {
	URL     string
	Token   func() string
	Backoff Backoff
	Dialer  *websocket.Dialer
	Logger  *slog.Logger

	// OnEvent receives every inbound envelope, on the read goroutine.
	OnEvent func(Envelope)
	// OnState receives every state transition with the error that caused
	// it, if any.
	OnState func(State, error)
}

// Stream keeps one logical connection alive across drops.
type Stream struct {
	opts StreamOptions

	mu    sync.Mutex
	conn  *Conn
	state State
}

func NewStream(opts StreamOptions) *Stream {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Envelope) {}
	}
	if opts.OnState == nil {
		opts.OnState = func(State, error) {}
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff.MaxAttempts = 1
	}
	return &Stream{opts: opts}
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Emit sends an event over the current connection.
func (s *Stream) Emit(event string, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Emit(event, data)
}

// Run connects and keeps reconnecting until ctx is cancelled, the token is
// rejected, or MaxAttempts consecutive dials fail.
func (s *Stream) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected, nil)

	failures := 0
	connectedBefore := false
	for {
		if connectedBefore || failures > 0 {
			s.setState(StateReconnecting, nil)
		} else {
			s.setState(StateConnecting, nil)
		}

		token := s.opts.Token()
		if token == "" {
			return ErrUnauthorized
		}

		conn, err := Dial(ctx, s.opts.Dialer, s.opts.URL, token, s.opts.Logger)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnauthorized) {
				s.opts.Logger.Error("Real-time connection rejected", "url", s.opts.URL, "error", err)
				return err
			}
			failures++
			s.opts.Logger.Error("Real-time connection error", "url", s.opts.URL, "attempt", failures, "error", err)
			if failures >= s.opts.Backoff.MaxAttempts {
				return fmt.Errorf("%w: %v", ErrGaveUp, err)
			}
			if err := s.wait(ctx, s.opts.Backoff.Delay(failures-1)); err != nil {
				return err
			}
			continue
		}

		failures = 0
		connectedBefore = true
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected, nil)

		stop := context.AfterFunc(ctx, conn.Close)
		readErr := conn.ReadLoop(s.opts.OnEvent)
		stop()

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.opts.Logger.Warn("Real-time connection lost", "conn_id", conn.ID, "error", readErr)
		s.setState(StateDisconnected, readErr)
		if err := s.wait(ctx, s.opts.Backoff.Delay(0)); err != nil {
			return err
		}
	}
}

func (s *Stream) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Stream) setState(state State, err error) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.opts.OnState(state, err)
	}
}
