package model

import "time"

// ConversationType distinguishes group threads from direct ones.
type ConversationType string

const (
	Group      ConversationType = "group"
	Individual ConversationType = "individual"
)

// Member is a participant of a conversation.
type Member struct {
	ID     string
	Name   string
	Avatar string
}

// Conversation is the canonical cached conversation list entry.
type Conversation struct {
	ID          string
	Name        string
	Type        ConversationType
	Members     []Member
	Avatar      string
	LastMessage *Message
	UnreadCount int
	UpdatedAt   time.Time
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	if c.Members != nil {
		c.Members = append([]Member(nil), c.Members...)
	}
	if c.LastMessage != nil {
		lm := c.LastMessage.Clone()
		c.LastMessage = &lm
	}
	return c
}

// HasMember reports whether userID participates in the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}
