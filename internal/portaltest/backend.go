// Package portaltest runs an in-process stand-in for the portal backend so
// the client packages can be exercised end to end, in the spirit of
// net/http/httptest.
package portaltest

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marutha-support/portal/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// Account is a registered user of the backend double.
type Account struct {
	models.User
	Password  string // bcrypt hash
	Token     string
	Stage     string
	Specialty string
}

// Backend is the backend double. Create one with New and Close it when done.
type Backend struct {
	Server *httptest.Server
	hub    *Hub

	mu       sync.Mutex
	accounts map[int]*Account
	tokens   map[string]int
	contacts map[int]map[int]bool
	messages []models.Message
	nextUser int
	nextMsg  int
	echo     bool
	noIDs    bool
	holds    map[int]chan struct{}
	calls    map[string]int
	headers  map[string]http.Header
	clock    func() time.Time
	log      *slog.Logger
}

// New starts a backend double on a loopback listener.
func New() *Backend {
	b := &Backend{
		accounts: make(map[int]*Account),
		tokens:   make(map[string]int),
		contacts: make(map[int]map[int]bool),
		holds:    make(map[int]chan struct{}),
		calls:    make(map[string]int),
		headers:  make(map[string]http.Header),
		nextUser: 1,
		nextMsg:  1,
		echo:     true,
		clock:    func() time.Time { return time.Now().UTC() },
		log:      slog.Default(),
	}
	b.hub = NewHub(b)
	go b.hub.Run()
	b.Server = httptest.NewServer(b.routes())
	return b
}

func (b *Backend) URL() string { return b.Server.URL }

// WebSocketURL is the relay endpoint.
func (b *Backend) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws"
}

func (b *Backend) Close() {
	b.mu.Lock()
	for id, ch := range b.holds {
		close(ch)
		delete(b.holds, id)
	}
	b.mu.Unlock()
	b.Server.CloseClientConnections()
	b.Server.Close()
	b.hub.Stop()
}

// AddUser registers an account and returns it with a fresh token already
// issued, so tests can skip the login round trip.
func (b *Backend) AddUser(email, password, name string, role models.Role) *Account {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	a := &Account{
		User:     models.User{ID: b.nextUser, Email: email, Name: name, Role: role},
		Password: string(hash),
	}
	b.nextUser++
	a.Token = b.issueLocked(a.ID)
	b.accounts[a.ID] = a
	return a
}

func (b *Backend) issueLocked(userID int) string {
	token := uuid.NewString()
	b.tokens[token] = userID
	return token
}

// Connect makes two users chat contacts, as an accepted consultation would.
func (b *Backend) Connect(a, c int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pair := range [][2]int{{a, c}, {c, a}} {
		if b.contacts[pair[0]] == nil {
			b.contacts[pair[0]] = make(map[int]bool)
		}
		b.contacts[pair[0]][pair[1]] = true
	}
}

// Revoke invalidates a token; the next request bearing it gets 401.
func (b *Backend) Revoke(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, token)
}

// SetLogger replaces the logger of the relay.
func (b *Backend) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = l
}

func (b *Backend) logger() *slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log
}

// SetEcho controls whether relayed messages loop back to the sender.
func (b *Backend) SetEcho(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.echo = on
}

// StripRelayIDs makes the relay drop message ids, like a relay that only
// forwards the client payload.
func (b *Backend) StripRelayIDs(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noIDs = on
}

// HoldHistory blocks history requests for the conversation with otherID
// until the returned release func is called.
func (b *Backend) HoldHistory(otherID int) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.holds[otherID] = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.holds[otherID] == ch {
				delete(b.holds, otherID)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// AddMessage stores a message directly, bypassing the API.
func (b *Backend) AddMessage(m models.Message) models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storeLocked(m)
}

func (b *Backend) storeLocked(m models.Message) models.Message {
	m.ID = b.nextMsg
	b.nextMsg++
	if m.Timestamp.IsZero() {
		m.Timestamp = b.clock()
	}
	b.messages = append(b.messages, m)
	return m
}

// Push relays a message to connected clients as if another device sent it.
func (b *Backend) Push(m models.Message) {
	submit(b.hub, b.hub.push, m)
}

// Messages returns every stored message.
func (b *Backend) Messages() []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Message(nil), b.messages...)
}

// Calls returns how many times a route was hit, keyed by "METHOD /path".
func (b *Backend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

// LastHeader returns the request headers of the latest hit on route, or
// nil if it was never called.
func (b *Backend) LastHeader(route string) http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[route].Clone()
}

// Connections returns the number of open relay connections.
func (b *Backend) Connections() int {
	return b.hub.Clients()
}

func (b *Backend) echoEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.echo
}

func (b *Backend) stripIDs() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.noIDs
}

func (b *Backend) conversation(self, other int) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Message
	for _, m := range b.messages {
		if (m.SenderID == self && m.RecipientID == other) || (m.SenderID == other && m.RecipientID == self) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
