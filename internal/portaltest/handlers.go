package portaltest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/marutha-support/portal/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const userIDKey contextKey = "user_id"

func (b *Backend) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(b.record)

	r.HandleFunc("/login", b.login).Methods("POST")
	r.HandleFunc("/register", b.register).Methods("POST")

	authed := r.NewRoute().Subrouter()
	authed.Use(b.requireToken)
	authed.HandleFunc("/auth/logout", b.logout).Methods("POST")
	authed.HandleFunc("/users/me", b.me).Methods("GET")
	authed.HandleFunc("/patients/me", b.profile(models.RolePatient)).Methods("GET")
	authed.HandleFunc("/doctors/me", b.profile(models.RoleDoctor)).Methods("GET")
	authed.HandleFunc("/volunteers/me", b.profile(models.RoleVolunteer)).Methods("GET")
	authed.HandleFunc("/chats/contacts", b.contactsFor).Methods("GET")
	authed.HandleFunc("/chats/history/{id}", b.history).Methods("GET")
	authed.HandleFunc("/chats/", b.send).Methods("POST")
	authed.HandleFunc("/reports/upload", b.upload).Methods("POST")
	authed.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(b.hub, w, r, userID(r))
	})

	return r
}

// record counts hits and keeps the latest headers per route template,
// e.g. "GET /chats/history/{id}".
func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		key := r.Method + " " + path
		b.mu.Lock()
		b.calls[key]++
		b.headers[key] = r.Header.Clone()
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		b.mu.Lock()
		id, ok := b.tokens[token]
		b.mu.Unlock()
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) int {
	id, _ := r.Context().Value(userIDKey).(int)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (b *Backend) account(id int) (Account, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	b.mu.Lock()
	var found *Account
	for _, a := range b.accounts {
		if strings.EqualFold(a.Email, creds.Email) {
			found = a
			break
		}
	}
	b.mu.Unlock()

	if found == nil || bcrypt.CompareHashAndPassword([]byte(found.Password), []byte(creds.Password)) != nil {
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}

	b.mu.Lock()
	token := b.issueLocked(found.ID)
	found.Token = token
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, models.LoginResult{AccessToken: token, Role: found.Role, UserID: found.ID})
}

func (b *Backend) register(w http.ResponseWriter, r *http.Request) {
	var reg models.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if reg.Email == "" || reg.Password == "" || !reg.Role.Valid() || reg.Role == models.RoleAdmin {
		writeDetail(w, http.StatusUnprocessableEntity, "Email, password and a public role are required")
		return
	}

	b.mu.Lock()
	for _, a := range b.accounts {
		if strings.EqualFold(a.Email, reg.Email) {
			b.mu.Unlock()
			writeDetail(w, http.StatusBadRequest, "Email already registered")
			return
		}
	}
	b.mu.Unlock()

	a := b.AddUser(reg.Email, reg.Password, reg.Name, reg.Role)
	writeJSON(w, http.StatusCreated, a.User)
}

func (b *Backend) logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.Revoke(token)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (b *Backend) me(w http.ResponseWriter, r *http.Request) {
	a, ok := b.account(userID(r))
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, a.User)
}

func (b *Backend) profile(role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := b.account(userID(r))
		if !ok || a.Role != role {
			writeDetail(w, http.StatusForbidden, "Not a "+string(role))
			return
		}
		writeJSON(w, http.StatusOK, models.Profile{
			ID:        a.ID,
			UserID:    a.ID,
			Name:      a.Name,
			Stage:     a.Stage,
			Specialty: a.Specialty,
		})
	}
}

func (b *Backend) contactsFor(w http.ResponseWriter, r *http.Request) {
	self := userID(r)

	b.mu.Lock()
	contacts := []models.Contact{}
	for id := range b.contacts[self] {
		if a, ok := b.accounts[id]; ok {
			contacts = append(contacts, models.Contact{UserID: a.ID, DisplayName: a.Name, Role: a.Role})
		}
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, contacts)
}

func (b *Backend) history(w http.ResponseWriter, r *http.Request) {
	other, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	b.mu.Lock()
	hold := b.holds[other]
	b.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	history := b.conversation(userID(r), other)
	if history == nil {
		history = []models.Message{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (b *Backend) send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientID int    `json:"recipient_id"`
		Message     string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "Message must not be empty")
		return
	}
	if _, ok := b.account(req.RecipientID); !ok {
		writeDetail(w, http.StatusNotFound, "Recipient not found")
		return
	}

	m := b.AddMessage(models.Message{SenderID: userID(r), RecipientID: req.RecipientID, Body: req.Message})
	writeJSON(w, http.StatusOK, m)
}

func (b *Backend) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	files := []string{}
	for param, headers := range r.MultipartForm.File {
		for _, h := range headers {
			files = append(files, param+":"+h.Filename)
		}
	}
	fields := map[string]string{}
	for k, v := range r.MultipartForm.Value {
		fields[k] = strings.Join(v, ",")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content_type": r.Header.Get("Content-Type"),
		"fields":       fields,
		"files":        files,
	})
}
