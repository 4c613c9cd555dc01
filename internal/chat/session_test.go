package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marutha-support/portal/internal/api"
	"github.com/marutha-support/portal/internal/models"
	"github.com/marutha-support/portal/internal/portaltest"
	"github.com/marutha-support/portal/internal/session"
	"github.com/marutha-support/portal/internal/store/sqlstore"
	"github.com/marutha-support/portal/internal/view"
	"github.com/marutha-support/portal/internal/ws"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	backend   *portaltest.Backend
	patient   *portaltest.Account
	doctor    *portaltest.Account
	volunteer *portaltest.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := portaltest.New()
	t.Cleanup(b.Close)

	f := &fixture{
		backend:   b,
		patient:   b.AddUser("ravi@example.com", "pw", "Ravi Kumar", models.RolePatient),
		doctor:    b.AddUser("asha@example.com", "pw", "Asha Menon", models.RoleDoctor),
		volunteer: b.AddUser("meera@example.com", "pw", "Meera", models.RoleVolunteer),
	}
	b.Connect(f.patient.ID, f.doctor.ID)
	b.Connect(f.patient.ID, f.volunteer.ID)
	return f
}

// client logs in as email with its own local storage.
func (f *fixture) client(t *testing.T, email string) *api.Client {
	t.Helper()
	s, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	c := api.NewClient(f.backend.URL(), session.NewManager(s), nil, quiet)
	if _, err := c.Login(context.Background(), models.Credentials{Email: email, Password: "pw"}); err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return c
}

func (f *fixture) start(t *testing.T, a API, c *api.Client) *Session {
	t.Helper()
	s, err := Start(context.Background(), Config{
		API:      a,
		Sessions: c.Session(),
		URL:      f.backend.WebSocketURL(),
		Backoff:  ws.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3},
		Location: time.UTC,
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func bodies(ms []models.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Body)
	}
	return out
}

func TestStartConnects(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "ravi@example.com")
	s := f.start(t, c, c)

	waitFor(t, "online", func() bool { return s.Status() == view.StatusOnline })
	if s.Self().ID != f.patient.ID {
		t.Errorf("self = %+v", s.Self())
	}
	if n := len(s.Snapshot().Contacts); n != 2 {
		t.Errorf("contacts = %d, want 2", n)
	}

	s.Close()
	if s.Status() != view.StatusOffline {
		t.Errorf("status after Close = %s", s.Status())
	}
}

func TestStartWithoutIdentityDoesNotConnect(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "ravi@example.com")
	f.backend.Revoke(c.Session().Token())

	_, err := Start(context.Background(), Config{API: c, Sessions: c.Session(), URL: f.backend.WebSocketURL(), Logger: quiet})
	if !errors.Is(err, api.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if n := f.backend.Calls("GET /ws"); n != 0 {
		t.Errorf("websocket dialled %d times", n)
	}
	if n := f.backend.Calls("GET /chats/contacts"); n != 0 {
		t.Errorf("contacts loaded %d times", n)
	}
}

func TestStaleHistoryIsDropped(t *testing.T) {
	f := newFixture(t)
	f.backend.AddMessage(models.Message{SenderID: f.doctor.ID, RecipientID: f.patient.ID, Body: "from doctor"})
	f.backend.AddMessage(models.Message{SenderID: f.volunteer.ID, RecipientID: f.patient.ID, Body: "from volunteer"})

	c := f.client(t, "ravi@example.com")
	s := f.start(t, c, c)

	release := f.backend.HoldHistory(f.doctor.ID)
	first := make(chan error, 1)
	go func() { first <- s.Select(context.Background(), f.doctor.ID) }()
	waitFor(t, "first history request", func() bool {
		return f.backend.Calls("GET /chats/history/{id}") == 1
	})

	if err := s.Select(context.Background(), f.volunteer.ID); err != nil {
		t.Fatalf("second Select failed: %v", err)
	}
	release()

	if err := <-first; !errors.Is(err, ErrSuperseded) {
		t.Errorf("first Select = %v, want ErrSuperseded", err)
	}
	got := bodies(s.Messages())
	if len(got) != 1 || got[0] != "from volunteer" {
		t.Errorf("transcript = %v, want the volunteer conversation", got)
	}
	if snap := s.Snapshot(); snap.Active == nil || snap.Active.UserID != f.volunteer.ID {
		t.Errorf("active = %+v", snap.Active)
	}
}

func TestEmptyHistoryShowsPlaceholder(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "ravi@example.com")
	s := f.start(t, c, c)

	if err := s.Select(context.Background(), f.doctor.ID); err != nil {
		t.Fatal(err)
	}
	items := s.Snapshot().Items
	if len(items) != 1 || items[0].Kind != view.ItemPlaceholder || items[0].Label != view.EmptyText {
		t.Errorf("items = %+v", items)
	}
}

// brokenHistoryAPI fails every history request.
type brokenHistoryAPI struct {
	*api.Client
}

func (brokenHistoryAPI) History(context.Context, int) ([]models.Message, error) {
	return nil, errors.New("history unavailable")
}

func countBubbles(items []view.Item) (bubbles int, placeholders []string) {
	for _, it := range items {
		switch it.Kind {
		case view.ItemMessage:
			bubbles++
		case view.ItemPlaceholder:
			placeholders = append(placeholders, it.Label)
		}
	}
	return bubbles, placeholders
}

func TestMessagesShownAfterHistoryFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.SetEcho(false)

	pc := f.client(t, "ravi@example.com")
	s := f.start(t, brokenHistoryAPI{Client: pc}, pc)
	waitFor(t, "online", func() bool { return s.Status() == view.StatusOnline })

	if err := s.Select(context.Background(), f.doctor.ID); err == nil {
		t.Fatal("expected history error")
	}
	if items := s.Snapshot().Items; len(items) != 1 || items[0].Label != view.FailedText {
		t.Fatalf("items after failed load = %+v", items)
	}

	s.SetComposer("can you see this?")
	if err := s.Send(context.Background()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if n, ph := countBubbles(s.Snapshot().Items); n != 1 || len(ph) != 0 {
		t.Errorf("after send: %d messages, placeholders %v", n, ph)
	}

	f.backend.Push(models.Message{ID: 500, SenderID: f.doctor.ID, RecipientID: f.patient.ID, Body: "yes", Timestamp: time.Now().UTC()})
	waitFor(t, "live message shown", func() bool {
		n, ph := countBubbles(s.Snapshot().Items)
		return n == 2 && len(ph) == 0
	})
}

// gatedAPI holds SendMessage until the gate is closed.
type gatedAPI struct {
	*api.Client
	gate chan struct{}
}

func (g gatedAPI) SendMessage(ctx context.Context, to int, body string) (models.Message, error) {
	<-g.gate
	return g.Client.SendMessage(ctx, to, body)
}

func TestSendWithoutEcho(t *testing.T) {
	f := newFixture(t)
	f.backend.SetEcho(false)

	pc := f.client(t, "ravi@example.com")
	gated := gatedAPI{Client: pc, gate: make(chan struct{})}
	patient := f.start(t, gated, pc)

	dc := f.client(t, "asha@example.com")
	doctor := f.start(t, dc, dc)

	waitFor(t, "both connected", func() bool { return f.backend.Connections() == 2 })
	if err := patient.Select(context.Background(), f.doctor.ID); err != nil {
		t.Fatal(err)
	}
	if err := doctor.Select(context.Background(), f.patient.ID); err != nil {
		t.Fatal(err)
	}

	patient.SetComposer("  I have a fever  ")
	sent := make(chan error, 1)
	go func() { sent <- patient.Send(context.Background()) }()

	waitFor(t, "composer cleared", func() bool { return patient.Snapshot().Composer == "" })
	if n := len(patient.Messages()); n != 0 {
		t.Errorf("message shown before the server accepted it: %d", n)
	}

	close(gated.gate)
	if err := <-sent; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := patient.Messages()
	if len(got) != 1 || got[0].Body != "I have a fever" || got[0].ID == 0 {
		t.Errorf("sender transcript = %+v", got)
	}
	waitFor(t, "doctor receives message", func() bool { return len(doctor.Messages()) == 1 })
	if stored := f.backend.Messages(); len(stored) != 1 {
		t.Errorf("stored = %d, want 1", len(stored))
	}
}

func TestEchoIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	f.backend.StripRelayIDs(true)

	pc := f.client(t, "ravi@example.com")
	patient := f.start(t, pc, pc)
	dc := f.client(t, "asha@example.com")
	doctor := f.start(t, dc, dc)

	waitFor(t, "both connected", func() bool { return f.backend.Connections() == 2 })
	patient.Select(context.Background(), f.doctor.ID)
	doctor.Select(context.Background(), f.patient.ID)

	patient.SetComposer("hello")
	if err := patient.Send(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "doctor receives message", func() bool { return len(doctor.Messages()) == 1 })

	// The echo reached the patient's connection before this marker did.
	f.backend.Push(models.Message{SenderID: f.doctor.ID, RecipientID: f.patient.ID, Body: "marker", Timestamp: time.Now().UTC()})
	waitFor(t, "marker", func() bool { return len(patient.Messages()) >= 2 })

	got := bodies(patient.Messages())
	if len(got) != 2 || got[0] != "hello" || got[1] != "marker" {
		t.Errorf("transcript = %v, want [hello marker]", got)
	}
}

func TestOtherConversationBumpsUnread(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "ravi@example.com")
	s := f.start(t, c, c)
	waitFor(t, "online", func() bool { return s.Status() == view.StatusOnline })
	waitFor(t, "registered", func() bool { return f.backend.Connections() == 1 })

	s.Select(context.Background(), f.doctor.ID)
	f.backend.Push(models.Message{SenderID: f.volunteer.ID, RecipientID: f.patient.ID, Body: "checking in", Timestamp: time.Now().UTC()})

	unread := func() int {
		for _, e := range s.Snapshot().Contacts {
			if e.UserID == f.volunteer.ID {
				return e.Unread
			}
		}
		return 0
	}
	waitFor(t, "unread cue", func() bool { return unread() == 1 })
	if n := len(s.Messages()); n != 0 {
		t.Errorf("active transcript changed: %d messages", n)
	}

	s.Select(context.Background(), f.volunteer.ID)
	if unread() != 0 {
		t.Error("opening the conversation should clear the cue")
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "ravi@example.com")
	s := f.start(t, c, c)

	s.SetComposer("hi")
	if err := s.Send(context.Background()); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("err = %v, want ErrNoRecipient", err)
	}
	s.Select(context.Background(), f.doctor.ID)
	s.SetComposer("   ")
	if err := s.Send(context.Background()); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if n := f.backend.Calls("POST /chats/"); n != 0 {
		t.Errorf("POST /chats/ hit %d times", n)
	}
}

func TestSendFailureShowsBanner(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "ravi@example.com")
	s := f.start(t, c, c)

	s.Select(context.Background(), 999)
	s.SetComposer("anyone there?")
	if err := s.Send(context.Background()); err == nil {
		t.Fatal("expected error sending to unknown user")
	}
	snap := s.Snapshot()
	if snap.Banner != SendFailedText {
		t.Errorf("banner = %q", snap.Banner)
	}
	if snap.Composer != "" || len(s.Messages()) != 0 {
		t.Errorf("unexpected state after failure: %+v", snap)
	}
}

func TestOnChangeIsSerialized(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "ravi@example.com")

	var mu sync.Mutex
	inside := false
	overlap := false
	s, err := Start(context.Background(), Config{
		API:      c,
		Sessions: c.Session(),
		URL:      f.backend.WebSocketURL(),
		Backoff:  ws.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3},
		Logger:   quiet,
		OnChange: func(view.Snapshot) {
			mu.Lock()
			if inside {
				overlap = true
			}
			inside = true
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside = false
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SetComposer("typing")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Error("OnChange calls overlapped")
	}
}
