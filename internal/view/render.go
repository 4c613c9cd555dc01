package view

import (
	"fmt"
	"io"
	"strings"

	"github.com/marutha-support/portal/internal/models"
)

// Status is the connection indicator.
type Status string

const (
	StatusOffline      Status = "offline"
	StatusConnecting   Status = "connecting"
	StatusOnline       Status = "online"
	StatusReconnecting Status = "reconnecting"
)

// Snapshot is an immutable copy of the chat screen, safe to hand to a
// renderer on another goroutine.
type Snapshot struct {
	Self           models.User
	Status         Status
	Contacts       []ContactEntry
	Active         *models.Contact
	Items          []Item
	Composer       string
	Banner         string
	ScrollToBottom bool
}

// Render draws a snapshot as plain text.
func Render(w io.Writer, s Snapshot) error {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s\n", s.Status, models.DisplayName(s.Self.Role, s.Self.Name))
	if s.Banner != "" {
		fmt.Fprintf(&b, "! %s\n", s.Banner)
	}

	b.WriteString("Contacts:\n")
	if len(s.Contacts) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, c := range s.Contacts {
		marker := " "
		if c.Active {
			marker = ">"
		}
		fmt.Fprintf(&b, " %s %d %s", marker, c.UserID, models.DisplayName(c.Role, c.DisplayName))
		if c.Unread > 0 {
			fmt.Fprintf(&b, " (%d new)", c.Unread)
		}
		b.WriteByte('\n')
	}

	if s.Active != nil {
		name := models.DisplayName(s.Active.Role, s.Active.DisplayName)
		fmt.Fprintf(&b, "--- %s [%s] ---\n", name, models.Initials(name))
	}
	for _, it := range s.Items {
		switch it.Kind {
		case ItemSeparator:
			fmt.Fprintf(&b, "      -- %s --\n", it.Label)
		case ItemPlaceholder:
			fmt.Fprintf(&b, "      %s\n", it.Label)
		case ItemMessage:
			if it.Direction == Sent {
				fmt.Fprintf(&b, "%40s  %s\n", it.Message.Body, it.Label)
			} else {
				fmt.Fprintf(&b, "%s  %s\n", it.Label, it.Message.Body)
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
