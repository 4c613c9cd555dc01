package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/marutha-support/portal/internal/guard"
	"github.com/marutha-support/portal/internal/models"
)

// Login exchanges credentials for a token and stores the resulting session.
// The role always comes from the server.
func (c *Client) Login(ctx context.Context, creds models.Credentials) (models.LoginResult, error) {
	if strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
		return models.LoginResult{}, errors.New("please fill in all fields")
	}

	var res models.LoginResult
	if err := c.doJSON(ctx, http.MethodPost, "/login", creds, &res); err != nil {
		return models.LoginResult{}, err
	}
	if res.AccessToken == "" || !res.Role.Valid() {
		return models.LoginResult{}, fmt.Errorf("login: server returned role %q without a usable token", res.Role)
	}

	if err := c.session.Save(models.Session{Role: res.Role, AuthToken: res.AccessToken, UserID: res.UserID}); err != nil {
		return models.LoginResult{}, fmt.Errorf("save session: %w", err)
	}
	c.logger.Info("Logged in", "role", res.Role, "user_id", res.UserID)
	return res, nil
}

// Register creates an account. An empty role falls back to the role picked
// earlier in the registration flow.
func (c *Client) Register(ctx context.Context, reg models.Registration, confirmPassword string) (models.User, error) {
	if reg.Password != confirmPassword {
		return models.User{}, errors.New("passwords do not match")
	}
	if reg.Role == "" {
		reg.Role = c.session.TempRole()
	}

	var u models.User
	if err := c.doJSON(ctx, http.MethodPost, "/register", reg, &u); err != nil {
		return models.User{}, err
	}
	if err := c.session.ClearTempRole(); err != nil {
		c.logger.Warn("Failed to clear registration role", "error", err)
	}
	return u, nil
}

// Logout tells the server and always destroys the local session, even when
// the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Do(ctx, http.MethodPost, "/auth/logout", nil)
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		c.logger.Warn("Server logout failed", "error", err)
	}
	if _, clearErr := c.session.Clear(); clearErr != nil {
		return fmt.Errorf("clear session: %w", clearErr)
	}
	if !errors.Is(err, ErrSessionExpired) {
		c.nav.Navigate(guard.LoginPage)
	}
	return nil
}

// Me fetches the identity behind the current token and caches it.
func (c *Client) Me(ctx context.Context) (models.User, error) {
	var u models.User
	if err := c.getJSON(ctx, "/users/me", &u); err != nil {
		return models.User{}, err
	}
	if err := c.session.CacheUser(u); err != nil {
		c.logger.Warn("Failed to cache user", "error", err)
	}
	return u, nil
}

var profileEndpoints = map[models.Role]string{
	models.RolePatient:   "/patients/me",
	models.RoleDoctor:    "/doctors/me",
	models.RoleVolunteer: "/volunteers/me",
}

// Profile fetches the role-specific profile shown in page headers.
func (c *Client) Profile(ctx context.Context, role models.Role) (models.Profile, error) {
	endpoint, ok := profileEndpoints[role]
	if !ok {
		return models.Profile{}, fmt.Errorf("no profile endpoint for role %q", role)
	}
	var p models.Profile
	if err := c.getJSON(ctx, endpoint, &p); err != nil {
		return models.Profile{}, err
	}
	if err := c.session.CacheProfile(p); err != nil {
		c.logger.Warn("Failed to cache profile", "error", err)
	}
	return p, nil
}

// Contacts lists the users the current account may chat with.
func (c *Client) Contacts(ctx context.Context) ([]models.Contact, error) {
	contacts := []models.Contact{}
	if err := c.getJSON(ctx, "/chats/contacts", &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

// History returns the full conversation with another user, as the server
// orders it.
func (c *Client) History(ctx context.Context, otherUserID int) ([]models.Message, error) {
	history := []models.Message{}
	if err := c.getJSON(ctx, fmt.Sprintf("/chats/history/%d", otherUserID), &history); err != nil {
		return nil, err
	}
	return history, nil
}

type sendMessageRequest struct {
	RecipientID int    `json:"recipient_id"`
	Message     string `json:"message"`
}

// SendMessage persists a chat message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, recipientID int, body string) (models.Message, error) {
	var m models.Message
	err := c.doJSON(ctx, http.MethodPost, "/chats/", sendMessageRequest{RecipientID: recipientID, Message: body}, &m)
	if err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// Upload posts a multipart form, e.g. a report attachment.
func (c *Client) Upload(ctx context.Context, endpoint string, form *Multipart) (*resty.Response, error) {
	if form == nil {
		form = &Multipart{}
	}
	return c.Do(ctx, http.MethodPost, endpoint, &Options{Multipart: form})
}
