package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeFile  MessageType = "file"
	TypeImage MessageType = "image"
)

// DeliveryStatus tracks a locally originated message through the send path.
// Confirmed server messages carry StatusSent.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// TentativePrefix marks ids generated locally before the server assigns one.
const TentativePrefix = "temp-"

// Attachment is a file reference carried by file and image messages.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the canonical cached message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Type           MessageType
	Attachments    []Attachment
	CreatedAt      time.Time
	ReadBy         []string
	ReplyTo        string
	Status         DeliveryStatus
	// TempID is the tentative id the server echoed back with a confirmation.
	TempID string
}

// IsTentative reports whether the message still carries a client-generated id.
func (m *Message) IsTentative() bool {
	return IsTentativeID(m.ID)
}

// HasReader reports whether userID is in the message's readBy set.
func (m *Message) HasReader(userID string) bool {
	for _, r := range m.ReadBy {
		if r == userID {
			return true
		}
	}
	return false
}

// AddReader adds userID to readBy. Returns false if it was already present.
func (m *Message) AddReader(userID string) bool {
	if userID == "" || m.HasReader(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return m
}

// Preview returns a short single-line summary used by the conversation list.
func (m *Message) Preview(maxLen int) string {
	s := m.Content
	if s == "" {
		switch m.Type {
		case TypeImage:
			s = "[image]"
		case TypeFile:
			s = "[file]"
		}
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if maxLen > 0 && len([]rune(s)) > maxLen {
		return string([]rune(s)[:maxLen])
	}
	return s
}

// IsTentativeID reports whether id has the tentative form.
func IsTentativeID(id string) bool {
	return strings.HasPrefix(id, TentativePrefix)
}

// NewTentativeID returns an id of the form temp-<unix millis>-<random>.
func NewTentativeID(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", TentativePrefix, now.UnixMilli(), uuid.NewString()[:8])
}
