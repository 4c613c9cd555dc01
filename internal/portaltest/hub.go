package portaltest

import (
	"encoding/json"
	"time"

	"github.com/marutha-support/portal/internal/models"
	"github.com/marutha-support/portal/internal/ws"
)

// relay is a send_message received from a client, stamped with the sender
// the connection authenticated as.
type relay struct {
	senderID int
	payload  outgoing
}

type outgoing struct {
	ID          int    `json:"id,omitempty"`
	RecipientID int    `json:"recipient_id"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Hub relays messages between connected users. Each user is a room; a
// message goes to the recipient's room and, when echo is on, back to the
// sender's room too.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Inbound messages from the clients.
	broadcast chan relay

	// Server-originated messages.
	push chan models.Message

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Count queries.
	count chan chan int

	quit chan struct{}

	backend *Backend
}

func NewHub(b *Backend) *Hub {
	return &Hub{
		broadcast:  make(chan relay),
		push:       make(chan models.Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		quit:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		backend:    b,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case r := <-h.broadcast:
			ts, err := time.Parse(time.RFC3339Nano, r.payload.Timestamp)
			if err != nil {
				ts = time.Now().UTC()
			}
			h.deliver(models.Message{
				ID:          r.payload.ID,
				SenderID:    r.senderID,
				RecipientID: r.payload.RecipientID,
				Body:        r.payload.Message,
				Timestamp:   ts,
			})
		case m := <-h.push:
			h.deliver(m)
		}
	}
}

func (h *Hub) deliver(m models.Message) {
	data := map[string]any{
		"sender_id":    m.SenderID,
		"recipient_id": m.RecipientID,
		"message":      m.Body,
		"timestamp":    m.Timestamp.Format(time.RFC3339Nano),
	}
	if m.ID != 0 && !h.backend.stripIDs() {
		data["id"] = m.ID
	}
	env, err := ws.NewEnvelope(ws.EventReceiveMessage, data)
	if err != nil {
		h.backend.logger().Error("Failed to encode relay", "error", err)
		return
	}
	msgBytes, _ := json.Marshal(env)

	echo := h.backend.echoEnabled()
	for client := range h.clients {
		if client.userID != m.RecipientID && !(echo && client.userID == m.SenderID) {
			continue
		}
		select {
		case client.send <- msgBytes:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	reply := make(chan int)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.quit:
		return 0
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	close(h.quit)
}

// submit hands v to ch unless the hub has stopped.
func submit[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.quit:
		return false
	}
}
