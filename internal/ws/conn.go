package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Event names of the real-time channel.
const (
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
)

var (
	ErrNotConnected = errors.New("ws: not connected")
	ErrUnauthorized = errors.New("ws: token rejected")
)

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals data under an event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Conn is a single established connection with its read and write pumps.
type Conn struct {
	ID string

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// Dial opens a connection, presenting token as connection-time auth.
func Dial(ctx context.Context, dialer *websocket.Dialer, url, token string, logger *slog.Logger) (*Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	conn := &Conn{
		ID:     uuid.NewString(),
		ws:     c,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go conn.writePump()
	return conn, nil
}

// Emit queues an event for the write pump.
func (c *Conn) Emit(event string, data any) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrNotConnected
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("ws: send buffer full on %s", c.ID)
	}
}

// ReadLoop delivers inbound envelopes to handle until the connection fails
// or is closed. It always returns a non-nil error.
func (c *Conn) ReadLoop(handle func(Envelope)) error {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("Dropping malformed frame", "conn_id", c.ID, "error", err)
			continue
		}
		handle(env)
	}
}

// Close sends a normal-closure frame and tears the connection down. Safe to
// call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("WebSocket write error", "conn_id", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
