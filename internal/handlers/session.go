package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/marutha-support/portal/internal/api"
	"github.com/marutha-support/portal/internal/auth"
	"github.com/marutha-support/portal/internal/guard"
	"github.com/marutha-support/portal/internal/models"
	"github.com/marutha-support/portal/internal/session"
	"github.com/marutha-support/portal/internal/store/sqlstore"
)

// DeviceCookie names the storage profile of one browser.
const DeviceCookie = "device"

// SessionHandler logs browsers in and out of the backend. Each browser's
// local storage lives in its own profile of the shared state store.
type SessionHandler struct {
	APIBase string
	Store   *sqlstore.SQLStore
	Signer  *auth.Signer
	Secure  bool
	Logger  *slog.Logger
}

type loginResponse struct {
	Role     models.Role `json:"role"`
	UserID   int         `json:"user_id,omitempty"`
	Redirect string      `json:"redirect"`
}

// client returns an API client bound to the caller's storage profile,
// issuing a device cookie on first contact.
func (h *SessionHandler) client(w http.ResponseWriter, r *http.Request) *api.Client {
	device, err := h.Signer.Read(r, DeviceCookie)
	if err != nil || device == "" {
		device = uuid.NewString()
		h.Signer.Set(w, DeviceCookie, device, h.Secure)
	}
	sm := session.NewManager(h.Store.WithProfile(device))
	return api.NewClient(h.APIBase, sm, nil, h.logger())
}

func (h *SessionHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := h.client(w, r)
	res, err := c.Login(r.Context(), creds)
	if err != nil {
		var se *api.StatusError
		switch {
		case errors.Is(err, api.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid email or password")
		case errors.As(err, &se):
			writeError(w, http.StatusBadGateway, se.Detail)
		case creds.Email == "" || creds.Password == "":
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger().Error("Login failed", "error", err)
			writeError(w, http.StatusBadGateway, "Login failed")
		}
		return
	}

	h.Signer.Set(w, auth.RoleCookie, string(res.Role), h.Secure)
	writeJSON(w, http.StatusOK, loginResponse{Role: res.Role, UserID: res.UserID, Redirect: guard.Dashboard(res.Role)})
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	c := h.client(w, r)
	if err := c.Logout(r.Context()); err != nil {
		h.logger().Error("Logout failed", "error", err)
	}
	auth.Expire(w, auth.RoleCookie)
	w.WriteHeader(http.StatusNoContent)
}

// Current reports the stored session of the caller.
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	s := h.client(w, r).Session().Current()
	if !s.Active() {
		writeError(w, http.StatusUnauthorized, "Not logged in")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Role: s.Role, UserID: s.UserID, Redirect: guard.Dashboard(s.Role)})
}

// PickRole remembers the role chosen on the landing page for the
// registration form.
func (h *SessionHandler) PickRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role models.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.client(w, r).Session().SetTempRole(req.Role); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
