package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RolePatient   Role = "patient"
	RoleDoctor    Role = "doctor"
	RoleVolunteer Role = "volunteer"
	RoleAdmin     Role = "admin"
)

// Roles lists every role the portal knows about.
var Roles = []Role{RolePatient, RoleDoctor, RoleVolunteer, RoleAdmin}

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleVolunteer, RoleAdmin:
		return true
	}
	return false
}

// Session is the client's view of a logged-in account. The zero value means
// nobody is logged in.
type Session struct {
	Role      Role   `json:"role"`
	AuthToken string `json:"-"`
	UserID    int    `json:"user_id"`
}

func (s Session) Active() bool {
	return s.AuthToken != "" && s.Role.Valid()
}

// User is the identity returned by /users/me.
type User struct {
	ID    int    `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

// Profile is the role-specific profile returned by /patients/me,
// /doctors/me and /volunteers/me. Fields that do not apply to a role stay
// empty.
type Profile struct {
	ID        int    `json:"id"`
	UserID    int    `json:"user_id"`
	Name      string `json:"name"`
	Stage     string `json:"stage,omitempty"`
	Specialty string `json:"specialty,omitempty"`
}

type Contact struct {
	UserID      int    `json:"user_id"`
	DisplayName string `json:"name"`
	Role        Role   `json:"role"`
}

type Message struct {
	ID          int       `json:"id,omitempty"`
	SenderID    int       `json:"sender_id"`
	RecipientID int       `json:"recipient_id"`
	Body        string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// timestampLayouts are tried in order; naive timestamps are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		Timestamp *string `json:"timestamp"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Timestamp = time.Time{}
	if aux.Timestamp == nil || *aux.Timestamp == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, *aux.Timestamp); err == nil {
			m.Timestamp = ts
			return nil
		}
	}
	return fmt.Errorf("message timestamp %q: unrecognised format", *aux.Timestamp)
}

// Involves reports whether userID is either end of the message.
func (m Message) Involves(userID int) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Registration struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
	Name     string `json:"name"`
}

type LoginResult struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	UserID      int    `json:"user_id,omitempty"`
}

// DisplayName returns the name shown in headers: doctors get a "Dr." prefix
// unless they already carry one.
func DisplayName(role Role, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "User"
	}
	if role == RoleDoctor && !strings.Contains(strings.ToLower(name), "dr.") {
		return "Dr. " + name
	}
	return name
}

// Initials returns the two-letter avatar text for a display name: first and
// last word initials, or the first two letters of a single word.
func Initials(name string) string {
	words := strings.Fields(strings.TrimPrefix(strings.TrimSpace(name), "Dr. "))
	if len(words) == 0 {
		return ""
	}
	first := []rune(words[0])
	initials := strings.ToUpper(string(first[0]))
	if len(words) > 1 {
		last := []rune(words[len(words)-1])
		initials += strings.ToUpper(string(last[0]))
	} else if len(first) > 1 {
		initials += strings.ToUpper(string(first[1]))
	}
	return initials
}

// Subtitle is the line shown under the display name in the profile header.
func Subtitle(role Role, p Profile) string {
	switch role {
	case RolePatient:
		if p.Stage != "" {
			return "Stage: " + p.Stage
		}
	case RoleDoctor:
		if p.Specialty != "" {
			return p.Specialty
		}
		return "General Practitioner"
	case RoleVolunteer:
		return "Volunteer Team"
	}
	if role == "" {
		return ""
	}
	return strings.ToUpper(string(role[:1])) + string(role[1:])
}
