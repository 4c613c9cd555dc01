// Package session owns the lifecycle of the logged-in account: it is created
// at login, read on every request and page load, and cleared on logout or when
// the backend rejects the token.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/marutha-support/portal/internal/models"
	"github.com/marutha-support/portal/internal/store"
)

var ErrNoSession = errors.New("session: not logged in")

const keyUserID = "userId"

// Manager is the single owner of session state. Everything that needs the
// role or token gets the Manager passed in instead of reading storage
// directly.
type Manager struct {
	store store.Store

	mu      sync.RWMutex
	current models.Session
	loaded  bool
	epoch   uint64
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Load reads the persisted session. A missing or partial session loads as
// the zero Session.
func (m *Manager) Load() (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (models.Session, error) {
	if m.loaded {
		return m.current, nil
	}

	role, err := m.get(store.KeyRole)
	if err != nil {
		return models.Session{}, err
	}
	token, err := m.get(store.KeyAuthToken)
	if err != nil {
		return models.Session{}, err
	}
	idStr, err := m.get(keyUserID)
	if err != nil {
		return models.Session{}, err
	}
	id, _ := strconv.Atoi(idStr)

	m.current = models.Session{Role: models.Role(role), AuthToken: token, UserID: id}
	m.loaded = true
	return m.current, nil
}

func (m *Manager) get(key string) (string, error) {
	v, err := m.store.GetItem(key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// Save persists a freshly issued session and starts a new epoch.
func (m *Manager) Save(s models.Session) error {
	if !s.Active() {
		return fmt.Errorf("session: refusing to save incomplete session (role %q)", s.Role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetItem(store.KeyRole, string(s.Role)); err != nil {
		return err
	}
	if err := m.store.SetItem(store.KeyAuthToken, s.AuthToken); err != nil {
		return err
	}
	if s.UserID != 0 {
		if err := m.store.SetItem(keyUserID, strconv.Itoa(s.UserID)); err != nil {
			return err
		}
	} else if err := m.store.RemoveItem(keyUserID); err != nil {
		return err
	}
	// Cached blobs belong to the previous account.
	if err := m.store.RemoveItem(store.KeyUserData, store.KeyProfileData, store.KeyTempRole); err != nil {
		return err
	}

	m.current = s
	m.loaded = true
	m.epoch++
	return nil
}

// Clear destroys the session. It reports whether there was anything to
// clear, so callers can tell the first invalidation from a repeated one.
func (m *Manager) Clear() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.loadLocked()
	if err != nil {
		return false, err
	}

	if err := m.store.RemoveItem(store.KeyRole, store.KeyAuthToken, keyUserID, store.KeyUserData, store.KeyProfileData); err != nil {
		return false, err
	}
	m.current = models.Session{}
	return prev.AuthToken != "" || prev.Role != "", nil
}

// Current returns the session, loading it on first use.
func (m *Manager) Current() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.loadLocked()
	return s
}

func (m *Manager) Token() string {
	return m.Current().AuthToken
}

func (m *Manager) Role() models.Role {
	return m.Current().Role
}

// Epoch identifies the current login. It changes on every Save.
func (m *Manager) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// CacheUser stores the identity blob and fills in the session's user id.
func (m *Manager) CacheUser(u models.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SetItem(store.KeyUserData, string(data)); err != nil {
		return err
	}
	if u.ID != 0 {
		if err := m.store.SetItem(keyUserID, strconv.Itoa(u.ID)); err != nil {
			return err
		}
		m.current.UserID = u.ID
	}
	return nil
}

// CachedUser returns the cached identity, or ok=false when none is cached.
func (m *Manager) CachedUser() (models.User, bool) {
	var u models.User
	return u, m.cached(store.KeyUserData, &u) && u.ID != 0
}

func (m *Manager) CacheProfile(p models.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.store.SetItem(store.KeyProfileData, string(data))
}

func (m *Manager) CachedProfile() (models.Profile, bool) {
	var p models.Profile
	return p, m.cached(store.KeyProfileData, &p)
}

func (m *Manager) cached(key string, v any) bool {
	raw, err := m.store.GetItem(key)
	if err != nil || raw == "" {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

// SetTempRole remembers the role picked on the registration landing page
// until the account is created.
func (m *Manager) SetTempRole(r models.Role) error {
	if !r.Valid() || r == models.RoleAdmin {
		return fmt.Errorf("session: %q cannot self-register", r)
	}
	return m.store.SetItem(store.KeyTempRole, string(r))
}

// TempRole returns the remembered registration role, defaulting to patient.
func (m *Manager) TempRole() models.Role {
	v, err := m.store.GetItem(store.KeyTempRole)
	if err != nil || !models.Role(v).Valid() {
		return models.RolePatient
	}
	return models.Role(v)
}

func (m *Manager) ClearTempRole() error {
	return m.store.RemoveItem(store.KeyTempRole)
}
