package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/marutha-support/portal/internal/guard"
	"github.com/marutha-support/portal/internal/models"
	"github.com/marutha-support/portal/internal/portaltest"
	"github.com/marutha-support/portal/internal/session"
	"github.com/marutha-support/portal/internal/store/sqlstore"
)

// recorder collects navigations.
type recorder struct {
	mu    sync.Mutex
	pages []string
}

func (r *recorder) Navigate(page string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, page)
}

func (r *recorder) Pages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pages...)
}

func setup(t *testing.T) (*Client, *portaltest.Backend, *recorder) {
	t.Helper()
	b := portaltest.New()
	t.Cleanup(b.Close)

	s, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	nav := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(b.URL(), session.NewManager(s), nav, logger), b, nav
}

func login(t *testing.T, c *Client, email, password string) models.LoginResult {
	t.Helper()
	res, err := c.Login(context.Background(), models.Credentials{Email: email, Password: password})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return res
}

func TestLoginStoresServerRole(t *testing.T) {
	c, b, nav := setup(t)
	doc := b.AddUser("asha@example.com", "pw", "Asha Menon", models.RoleDoctor)

	res := login(t, c, "asha@example.com", "pw")
	if res.Role != models.RoleDoctor || res.UserID != doc.ID {
		t.Errorf("result = %+v", res)
	}

	s := c.Session().Current()
	if s.Role != models.RoleDoctor || s.AuthToken != res.AccessToken || s.UserID != doc.ID {
		t.Errorf("session = %+v", s)
	}
	if len(nav.Pages()) != 0 {
		t.Errorf("login should not navigate, got %v", nav.Pages())
	}
}

func TestLoginBadPassword(t *testing.T) {
	c, b, nav := setup(t)
	b.AddUser("ravi@example.com", "right", "Ravi", models.RolePatient)

	_, err := c.Login(context.Background(), models.Credentials{Email: "ravi@example.com", Password: "wrong"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if !strings.Contains(err.Error(), "Incorrect email or password") {
		t.Errorf("error should carry server detail: %v", err)
	}
	if len(nav.Pages()) != 0 {
		t.Errorf("bad password must not redirect, got %v", nav.Pages())
	}
	if c.Session().Current().Active() {
		t.Error("no session should be stored")
	}
}

func TestLoginRequiresFields(t *testing.T) {
	c, b, _ := setup(t)
	if _, err := c.Login(context.Background(), models.Credentials{Email: " "}); err == nil {
		t.Error("expected validation error")
	}
	if n := b.Calls("POST /login"); n != 0 {
		t.Errorf("login hit %d times, want 0", n)
	}
}

func TestBearerAndContentType(t *testing.T) {
	c, b, _ := setup(t)
	b.AddUser("ravi@example.com", "pw", "Ravi", models.RolePatient)
	res := login(t, c, "ravi@example.com", "pw")

	if _, err := c.Me(context.Background()); err != nil {
		t.Fatalf("Me failed: %v", err)
	}
	h := b.LastHeader("GET /users/me")
	if got := h.Get("Authorization"); got != "Bearer "+res.AccessToken {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if h.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	if login := b.LastHeader("POST /login"); login.Get("Authorization") != "" {
		t.Errorf("credential request carried a token: %q", login.Get("Authorization"))
	}
}

func TestUploadLeavesMultipartContentType(t *testing.T) {
	c, b, _ := setup(t)
	b.AddUser("ravi@example.com", "pw", "Ravi", models.RolePatient)
	login(t, c, "ravi@example.com", "pw")

	resp, err := c.Upload(context.Background(), "/reports/upload", &Multipart{
		Fields: map[string]string{"title": "Blood work"},
		Files:  []File{{Param: "file", Name: "cbc.pdf", Reader: strings.NewReader("%PDF-1.4")}},
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	var body struct {
		ContentType string            `json:"content_type"`
		Fields      map[string]string `json:"fields"`
		Files       []string          `json:"files"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(body.ContentType, "multipart/form-data; boundary=") {
		t.Errorf("content type = %q", body.ContentType)
	}
	if body.Fields["title"] != "Blood work" || len(body.Files) != 1 || body.Files[0] != "file:cbc.pdf" {
		t.Errorf("form = %+v", body)
	}
}

func TestExpiredTokenClearsSessionOnce(t *testing.T) {
	c, b, nav := setup(t)
	b.AddUser("ravi@example.com", "pw", "Ravi", models.RolePatient)
	res := login(t, c, "ravi@example.com", "pw")
	b.Revoke(res.AccessToken)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Contacts(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrSessionExpired) {
			t.Errorf("err = %v, want ErrSessionExpired", err)
		}
	}
	if pages := nav.Pages(); len(pages) != 1 || pages[0] != guard.LoginPage {
		t.Errorf("navigations = %v, want exactly one to %s", pages, guard.LoginPage)
	}
	if c.Session().Current().Active() {
		t.Error("session should be cleared")
	}
}

func TestExpiryAfterReloginIsHandledAgain(t *testing.T) {
	c, b, nav := setup(t)
	b.AddUser("ravi@example.com", "pw", "Ravi", models.RolePatient)

	first := login(t, c, "ravi@example.com", "pw")
	b.Revoke(first.AccessToken)
	c.Me(context.Background())

	second := login(t, c, "ravi@example.com", "pw")
	if _, err := c.Me(context.Background()); err != nil {
		t.Fatalf("Me after relogin failed: %v", err)
	}
	b.Revoke(second.AccessToken)
	c.Me(context.Background())

	if n := len(nav.Pages()); n != 2 {
		t.Errorf("navigations = %d, want one per expired login", n)
	}
}

func TestStatusErrorDetail(t *testing.T) {
	c, b, _ := setup(t)
	b.AddUser("ravi@example.com", "pw", "Ravi", models.RolePatient)
	login(t, c, "ravi@example.com", "pw")

	_, err := c.SendMessage(context.Background(), 999, "hello")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusNotFound || se.Detail != "Recipient not found" {
		t.Errorf("status error = %+v", se)
	}
}

func TestLogoutAlwaysClears(t *testing.T) {
	c, b, nav := setup(t)
	b.AddUser("ravi@example.com", "pw", "Ravi", models.RolePatient)
	login(t, c, "ravi@example.com", "pw")

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if n := b.Calls("POST /auth/logout"); n != 1 {
		t.Errorf("logout calls = %d", n)
	}
	if c.Session().Current().Active() {
		t.Error("session should be cleared")
	}
	if pages := nav.Pages(); len(pages) != 1 || pages[0] != guard.LoginPage {
		t.Errorf("navigations = %v", pages)
	}
}

func TestRegisterUsesPickedRole(t *testing.T) {
	c, b, _ := setup(t)
	if err := c.Session().SetTempRole(models.RoleVolunteer); err != nil {
		t.Fatal(err)
	}

	_, err := c.Register(context.Background(), models.Registration{Email: "m@example.com", Password: "a"}, "b")
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if n := b.Calls("POST /register"); n != 0 {
		t.Errorf("register hit %d times despite mismatch", n)
	}

	u, err := c.Register(context.Background(), models.Registration{Email: "m@example.com", Password: "a", Name: "Meera"}, "a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.Role != models.RoleVolunteer {
		t.Errorf("role = %q, want volunteer", u.Role)
	}
	if c.Session().TempRole() != models.RolePatient {
		t.Error("temp role should be cleared after registering")
	}

	res := login(t, c, "m@example.com", "a")
	if res.Role != models.RoleVolunteer {
		t.Errorf("login role = %q", res.Role)
	}
}

func TestHistoryAndProfile(t *testing.T) {
	c, b, _ := setup(t)
	p := b.AddUser("ravi@example.com", "pw", "Ravi", models.RolePatient)
	d := b.AddUser("asha@example.com", "pw", "Asha", models.RoleDoctor)
	b.Connect(p.ID, d.ID)
	b.AddMessage(models.Message{SenderID: d.ID, RecipientID: p.ID, Body: "Hello Ravi"})
	login(t, c, "ravi@example.com", "pw")

	contacts, err := c.Contacts(context.Background())
	if err != nil || len(contacts) != 1 || contacts[0].UserID != d.ID {
		t.Fatalf("contacts = %+v, %v", contacts, err)
	}

	history, err := c.History(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Body != "Hello Ravi" || history[0].Timestamp.IsZero() {
		t.Errorf("history = %+v", history)
	}

	prof, err := c.Profile(context.Background(), models.RolePatient)
	if err != nil {
		t.Fatal(err)
	}
	if cached, ok := c.Session().CachedProfile(); !ok || cached.Name != prof.Name {
		t.Errorf("profile not cached: %+v", cached)
	}
	if _, err := c.Profile(context.Background(), models.RoleAdmin); err == nil {
		t.Error("admin has no profile endpoint")
	}
}
