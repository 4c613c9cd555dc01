// Package chat runs the real-time chat screen: identity, contacts, the
// active conversation and the live message stream.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marutha-support/portal/internal/models"
	"github.com/marutha-support/portal/internal/session"
	"github.com/marutha-support/portal/internal/view"
	"github.com/marutha-support/portal/internal/ws"
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrNoRecipient  = errors.New("chat: no conversation selected")

	// ErrSuperseded is returned by Select when another Select started
	// before its history arrived. The response was discarded.
	ErrSuperseded = errors.New("chat: conversation changed while loading")
)

// Banner texts.
const (
	SendFailedText     = "Failed to send message"
	ContactsFailedText = "Failed to load contacts"
	ConnectionLostText = "Connection lost. Reload to reconnect."
)

// API is the subset of the backend the chat screen uses. *api.Client
// satisfies it.
type API interface {
	Me(ctx context.Context) (models.User, error)
	Contacts(ctx context.Context) ([]models.Contact, error)
	History(ctx context.Context, otherUserID int) ([]models.Message, error)
	SendMessage(ctx context.Context, recipientID int, body string) (models.Message, error)
}

type Config struct {
	API      API
	Sessions *session.Manager

	// URL is the realtime endpoint, see config.RealtimeURL.
	URL     string
	Backoff ws.Backoff
	Dialer  *websocket.Dialer

	// Location dates the transcript. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger

	// OnChange receives a snapshot after every committed update. Calls are
	// serialized.
	OnChange func(view.Snapshot)
}

// Session is one open chat screen. Create it with Start and release it
// with Close.
type Session struct {
	cfg    Config
	logger *slog.Logger
	stream *ws.Stream
	cancel context.CancelFunc
	done   chan struct{}

	notifyMu sync.Mutex

	mu         sync.Mutex
	self       models.User
	status     view.Status
	contacts   view.ContactList
	active     *models.Contact
	transcript *view.Transcript
	composer   string
	banner     string
	generation uint64
	runErr     error
}

// outgoing is the send_message payload. It carries the persisted id and
// timestamp so echoes can be matched against the local copy.
type outgoing struct {
	ID          int    `json:"id,omitempty"`
	RecipientID int    `json:"recipient_id"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Start resolves the current user, loads contacts and opens the realtime
// stream. If the user cannot be resolved nothing is connected.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.API == nil || cfg.Sessions == nil {
		return nil, errors.New("chat: API and Sessions are required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func(view.Snapshot) {}
	}

	self, ok := cfg.Sessions.CachedUser()
	if !ok {
		var err error
		self, err = cfg.API.Me(ctx)
		if err != nil {
			return nil, fmt.Errorf("load current user: %w", err)
		}
	}

	s := &Session{
		cfg:        cfg,
		logger:     cfg.Logger.With("user_id", self.ID),
		done:       make(chan struct{}),
		self:       self,
		status:     view.StatusOffline,
		transcript: view.NewTranscript(self.ID, cfg.Location, cfg.Now),
	}

	if err := s.RefreshContacts(ctx); err != nil {
		s.logger.Error("Failed to load contacts", "error", err)
	}

	s.stream = ws.NewStream(ws.StreamOptions{
		URL:     cfg.URL,
		Token:   cfg.Sessions.Token,
		Backoff: cfg.Backoff,
		Dialer:  cfg.Dialer,
		Logger:  s.logger,
		OnEvent: s.handleEvent,
		OnState: s.handleState,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go func() {
		defer close(s.done)
		err := s.stream.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.mu.Lock()
		s.runErr = err
		if errors.Is(err, ws.ErrGaveUp) || errors.Is(err, ws.ErrUnauthorized) {
			s.banner = ConnectionLostText
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("Real-time stream stopped", "error", err)
			s.changed()
		}
	}()

	s.changed()
	return s, nil
}

// Close stops the stream and waits for it to finish.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Done is closed once the stream has stopped for good.
func (s *Session) Done() <-chan struct{} { return s.done }

// RefreshContacts reloads the sidebar. On failure the previous rows stay
// and the banner says so.
func (s *Session) RefreshContacts(ctx context.Context) error {
	contacts, err := s.cfg.API.Contacts(ctx)
	s.mu.Lock()
	if err != nil {
		s.banner = ContactsFailedText
	} else {
		s.contacts.Set(contacts)
		if s.banner == ContactsFailedText {
			s.banner = ""
		}
	}
	s.mu.Unlock()
	s.changed()
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	return nil
}

// Select opens the conversation with contactID. Only the newest Select
// commits its history; older ones return ErrSuperseded.
func (s *Session) Select(ctx context.Context, contactID int) error {
	if contactID <= 0 {
		return fmt.Errorf("chat: invalid contact id %d", contactID)
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	c := s.contacts.Activate(contactID)
	s.active = &c
	s.transcript.Reset(view.PlaceholderLoading)
	s.mu.Unlock()
	s.changed()

	history, err := s.cfg.API.History(ctx, contactID)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("Dropped stale history", "contact_id", contactID)
		return ErrSuperseded
	}
	if err != nil {
		s.transcript.Fail()
	} else {
		s.transcript.Replace(history)
	}
	s.mu.Unlock()
	s.changed()

	if err != nil {
		s.logger.Error("Failed to load history", "contact_id", contactID, "error", err)
		return fmt.Errorf("load history: %w", err)
	}
	return nil
}

// SetComposer replaces the text being typed.
func (s *Session) SetComposer(text string) {
	s.mu.Lock()
	s.composer = text
	s.mu.Unlock()
	s.changed()
}

// Send posts the composer text to the active conversation. The composer is
// cleared before the request goes out; the stored message is shown as soon
// as the server accepts it, whether or not the relay echoes it back.
func (s *Session) Send(ctx context.Context) error {
	s.mu.Lock()
	body := strings.TrimSpace(s.composer)
	if body == "" {
		s.mu.Unlock()
		return ErrEmptyMessage
	}
	if s.active == nil {
		s.mu.Unlock()
		return ErrNoRecipient
	}
	to := s.active.UserID
	s.composer = ""
	if s.banner == SendFailedText {
		s.banner = ""
	}
	s.mu.Unlock()
	s.changed()

	m, err := s.cfg.API.SendMessage(ctx, to, body)
	if err != nil {
		s.mu.Lock()
		s.banner = SendFailedText
		s.mu.Unlock()
		s.changed()
		s.logger.Error("Failed to send message", "recipient_id", to, "error", err)
		return fmt.Errorf("send message: %w", err)
	}
	if m.SenderID == 0 {
		m.SenderID = s.self.ID
	}
	if m.RecipientID == 0 {
		m.RecipientID = to
	}

	s.mu.Lock()
	if s.active != nil && m.Involves(s.active.UserID) {
		s.transcript.Append(m)
	}
	s.mu.Unlock()
	s.changed()

	payload := outgoing{ID: m.ID, RecipientID: to, Message: m.Body}
	if !m.Timestamp.IsZero() {
		payload.Timestamp = m.Timestamp.Format(time.RFC3339Nano)
	}
	if err := s.stream.Emit(ws.EventSendMessage, payload); err != nil {
		s.logger.Warn("Message stored but not relayed", "message_id", m.ID, "error", err)
	}
	return nil
}

func (s *Session) handleEvent(env ws.Envelope) {
	if env.Event != ws.EventReceiveMessage {
		s.logger.Debug("Ignoring event", "event", env.Event)
		return
	}
	var m models.Message
	if err := json.Unmarshal(env.Data, &m); err != nil {
		s.logger.Warn("Malformed message event", "error", err)
		return
	}

	s.mu.Lock()
	changed := false
	switch {
	case s.active != nil && m.Involves(s.active.UserID):
		changed = s.transcript.Append(m)
	case m.SenderID != s.self.ID:
		s.contacts.MarkUnread(m.SenderID)
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.changed()
	}
}

func (s *Session) handleState(state ws.State, err error) {
	var status view.Status
	switch state {
	case ws.StateConnecting:
		status = view.StatusConnecting
	case ws.StateConnected:
		status = view.StatusOnline
	case ws.StateReconnecting:
		status = view.StatusReconnecting
	default:
		status = view.StatusOffline
	}
	if err != nil {
		s.logger.Warn("Real-time connection state changed", "state", state, "error", err)
	} else {
		s.logger.Debug("Real-time connection state changed", "state", state)
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.changed()
}

// Status reports the connection indicator.
func (s *Session) Status() view.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Self is the logged-in user.
func (s *Session) Self() models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Messages returns the active transcript, oldest first.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Messages()
}

// Snapshot copies the screen state. It consumes any pending scroll request.
func (s *Session) Snapshot() view.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() view.Snapshot {
	snap := view.Snapshot{
		Self:           s.self,
		Status:         s.status,
		Contacts:       s.contacts.Entries(),
		Items:          s.transcript.Items(),
		Composer:       s.composer,
		Banner:         s.banner,
		ScrollToBottom: s.transcript.TakeScroll(),
	}
	if s.active != nil {
		c := *s.active
		snap.Active = &c
	}
	return snap
}

func (s *Session) changed() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.cfg.OnChange(snap)
}
