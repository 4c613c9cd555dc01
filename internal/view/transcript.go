// Package view holds the typed view-model the chat screen binds to. Nothing
// here talks to the network; the chat session mutates these types and a
// renderer draws snapshots of them.
package view

import (
	"sort"
	"time"

	"github.com/marutha-support/portal/internal/models"
)

const (
	LoadingText = "Loading messages..."
	EmptyText   = "No messages yet"
	FailedText  = "Failed to load messages"
	NoChatText  = "Select a conversation"

	// DateLayout labels days older than yesterday.
	DateLayout = "Jan 2, 2006"
	// TimeLayout labels each bubble.
	TimeLayout = "15:04"
)

type Placeholder int

const (
	PlaceholderNone Placeholder = iota
	PlaceholderLoading
	PlaceholderEmpty
	PlaceholderFailed
	PlaceholderNoChat
)

func (p Placeholder) Text() string {
	switch p {
	case PlaceholderLoading:
		return LoadingText
	case PlaceholderEmpty:
		return EmptyText
	case PlaceholderFailed:
		return FailedText
	case PlaceholderNoChat:
		return NoChatText
	}
	return ""
}

type ItemKind int

const (
	ItemSeparator ItemKind = iota
	ItemMessage
	ItemPlaceholder
)

type Direction int

const (
	Received Direction = iota
	Sent
)

// Item is one row of the rendered transcript.
type Item struct {
	Kind      ItemKind
	Label     string // separator label, placeholder text, or bubble time
	Message   models.Message
	Direction Direction
}

// Transcript is the message list of the active conversation. Messages are
// kept in non-decreasing timestamp order; arrival order breaks ties.
type Transcript struct {
	selfID int
	loc    *time.Location
	now    func() time.Time

	messages       []models.Message
	placeholder    Placeholder
	scrollToBottom bool
}

func NewTranscript(selfID int, loc *time.Location, now func() time.Time) *Transcript {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Transcript{selfID: selfID, loc: loc, now: now, placeholder: PlaceholderNoChat}
}

// Reset drops every message and shows p instead.
func (t *Transcript) Reset(p Placeholder) {
	t.messages = nil
	t.placeholder = p
	t.scrollToBottom = false
}

// Replace installs a fetched history. Messages that arrived live since the
// last Reset are kept, deduplicated against the history.
func (t *Transcript) Replace(history []models.Message) {
	live := t.messages
	t.messages = make([]models.Message, 0, len(history)+len(live))
	for _, m := range history {
		t.insert(t.normalize(m))
	}
	for _, m := range live {
		if !t.contains(m) {
			t.insert(m)
		}
	}
	if len(t.messages) == 0 {
		t.placeholder = PlaceholderEmpty
	} else {
		t.placeholder = PlaceholderNone
	}
	t.scrollToBottom = true
}

// Append adds one message unless it is already shown. It reports whether
// the transcript changed.
func (t *Transcript) Append(m models.Message) bool {
	m = t.normalize(m)
	if t.contains(m) {
		return false
	}
	t.insert(m)
	// A failed load still shows whatever arrives afterwards. Loading stays
	// until Replace merges these messages into the history.
	if t.placeholder != PlaceholderLoading {
		t.placeholder = PlaceholderNone
	}
	t.scrollToBottom = true
	return true
}

// Fail swaps the transcript for the load-failure placeholder.
func (t *Transcript) Fail() {
	t.messages = nil
	t.placeholder = PlaceholderFailed
	t.scrollToBottom = false
}

func (t *Transcript) Messages() []models.Message {
	return append([]models.Message(nil), t.messages...)
}

func (t *Transcript) Placeholder() Placeholder { return t.placeholder }

// TakeScroll reports whether the view should jump to the newest message and
// clears the request.
func (t *Transcript) TakeScroll() bool {
	s := t.scrollToBottom
	t.scrollToBottom = false
	return s
}

// Items lays the transcript out for rendering: a date separator before the
// first message of each calendar day, then the bubbles.
func (t *Transcript) Items() []Item {
	if t.placeholder == PlaceholderLoading || t.placeholder == PlaceholderFailed || len(t.messages) == 0 {
		text := t.placeholder.Text()
		if text == "" {
			text = EmptyText
		}
		return []Item{{Kind: ItemPlaceholder, Label: text}}
	}

	now := t.now()
	items := make([]Item, 0, len(t.messages)+4)
	var lastDay string
	for _, m := range t.messages {
		local := m.Timestamp.In(t.loc)
		day := local.Format("2006-01-02")
		if day != lastDay {
			items = append(items, Item{Kind: ItemSeparator, Label: DateLabel(m.Timestamp, now, t.loc)})
			lastDay = day
		}
		dir := Received
		if m.SenderID == t.selfID {
			dir = Sent
		}
		items = append(items, Item{Kind: ItemMessage, Label: local.Format(TimeLayout), Message: m, Direction: dir})
	}
	return items
}

// DateLabel names the calendar day of ts relative to now in loc.
func DateLabel(ts, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	ts, now = ts.In(loc), now.In(loc)
	y, m, d := ts.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)
	ny, nm, nd := now.Date()
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, loc)

	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	}
	return ts.Format(DateLayout)
}

func (t *Transcript) normalize(m models.Message) models.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = t.now()
	}
	return m
}

// insert places m after every message with an equal or earlier timestamp.
func (t *Transcript) insert(m models.Message) {
	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].Timestamp.After(m.Timestamp)
	})
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = m
}

// contains matches by server id when both sides have one, otherwise by
// content. The relay may strip ids but passes the persisted timestamp
// through unchanged.
func (t *Transcript) contains(m models.Message) bool {
	for _, have := range t.messages {
		if m.ID != 0 && have.ID != 0 {
			if m.ID == have.ID {
				return true
			}
			continue
		}
		if have.SenderID == m.SenderID && have.RecipientID == m.RecipientID &&
			have.Body == m.Body && have.Timestamp.Equal(m.Timestamp) {
			return true
		}
	}
	return false
}
