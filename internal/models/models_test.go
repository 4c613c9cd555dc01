package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		role Role
		name string
		want string
	}{
		{RoleDoctor, "Asha Menon", "Dr. Asha Menon"},
		{RoleDoctor, "Dr. Asha Menon", "Dr. Asha Menon"},
		{RolePatient, "Ravi", "Ravi"},
		{RoleVolunteer, "  ", "User"},
	}

	for _, tt := range tests {
		if got := DisplayName(tt.role, tt.name); got != tt.want {
			t.Errorf("DisplayName(%q, %q) = %q, want %q", tt.role, tt.name, got, tt.want)
		}
	}
}

func TestInitials(t *testing.T) {
	tests := map[string]string{
		"Dr. Asha Menon": "AM",
		"ravi":           "RA",
		"Meera K Nair":   "MN",
		"J":              "J",
		"":               "",
	}

	for name, want := range tests {
		if got := Initials(name); got != want {
			t.Errorf("Initials(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestSubtitle(t *testing.T) {
	if got := Subtitle(RolePatient, Profile{Stage: "II"}); got != "Stage: II" {
		t.Errorf("patient subtitle = %q", got)
	}
	if got := Subtitle(RolePatient, Profile{}); got != "Patient" {
		t.Errorf("patient without stage = %q", got)
	}
	if got := Subtitle(RoleDoctor, Profile{}); got != "General Practitioner" {
		t.Errorf("doctor subtitle = %q", got)
	}
	if got := Subtitle(RoleVolunteer, Profile{}); got != "Volunteer Team" {
		t.Errorf("volunteer subtitle = %q", got)
	}
}

func TestSessionActive(t *testing.T) {
	if (Session{}).Active() {
		t.Error("zero session should not be active")
	}
	if (Session{Role: "nurse", AuthToken: "t"}).Active() {
		t.Error("unknown role should not be active")
	}
	if !(Session{Role: RoleDoctor, AuthToken: "t", UserID: 3}).Active() {
		t.Error("expected active session")
	}
}

func TestMessageTimestampFormats(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
	}{
		{`{"sender_id":1,"recipient_id":2,"message":"hi","timestamp":"2026-10-15T09:30:00Z"}`, time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)},
		{`{"sender_id":1,"recipient_id":2,"message":"hi","timestamp":"2026-10-15T09:30:00.250000"}`, time.Date(2026, 10, 15, 9, 30, 0, 250000000, time.UTC)},
		{`{"sender_id":1,"recipient_id":2,"message":"hi","timestamp":null}`, time.Time{}},
	}

	for _, tt := range tests {
		var m Message
		if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.raw, err)
		}
		if !m.Timestamp.Equal(tt.want) {
			t.Errorf("timestamp = %v, want %v", m.Timestamp, tt.want)
		}
		if m.Body != "hi" || m.SenderID != 1 || m.RecipientID != 2 {
			t.Errorf("fields not decoded: %+v", m)
		}
	}

	var m Message
	if err := json.Unmarshal([]byte(`{"timestamp":"yesterday"}`), &m); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}
