package view

import (
	"fmt"

	"github.com/marutha-support/portal/internal/models"
)

// ContactEntry is one row of the contact sidebar.
type ContactEntry struct {
	models.Contact
	Unread int
	Active bool
}

// ContactList is the sidebar of chat-eligible counterparts.
type ContactList struct {
	entries []ContactEntry
}

// Set replaces the contacts, keeping unread counters and the active marker
// of contacts that are still present.
func (l *ContactList) Set(contacts []models.Contact) {
	prev := make(map[int]ContactEntry, len(l.entries))
	for _, e := range l.entries {
		prev[e.UserID] = e
	}
	l.entries = make([]ContactEntry, 0, len(contacts))
	for _, c := range contacts {
		e := ContactEntry{Contact: c}
		if old, ok := prev[c.UserID]; ok {
			e.Unread, e.Active = old.Unread, old.Active
		}
		l.entries = append(l.entries, e)
	}
}

// Activate marks userID as the open conversation and clears its unread cue.
// Unknown ids get a placeholder row so the header has something to show.
func (l *ContactList) Activate(userID int) models.Contact {
	l.ensure(userID)
	var active models.Contact
	for i := range l.entries {
		l.entries[i].Active = l.entries[i].UserID == userID
		if l.entries[i].Active {
			l.entries[i].Unread = 0
			active = l.entries[i].Contact
		}
	}
	return active
}

// MarkUnread bumps the unread cue of userID.
func (l *ContactList) MarkUnread(userID int) {
	i := l.ensure(userID)
	l.entries[i].Unread++
}

// Entries returns a copy of the rows in display order.
func (l *ContactList) Entries() []ContactEntry {
	return append([]ContactEntry(nil), l.entries...)
}

func (l *ContactList) ensure(userID int) int {
	for i, e := range l.entries {
		if e.UserID == userID {
			return i
		}
	}
	l.entries = append(l.entries, ContactEntry{Contact: models.Contact{
		UserID:      userID,
		DisplayName: fmt.Sprintf("User #%d", userID),
	}})
	return len(l.entries) - 1
}
