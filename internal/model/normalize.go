package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMissingID is returned when a decoded entity carries no usable id.
var ErrMissingID = errors.New("missing id")

// Ref is an entity reference that arrives either as a bare id string or as an
// embedded object ({"_id": ..., "name": ...}).
type Ref struct {
	ID     string
	Name   string
	Avatar string
}

type refObject struct {
	MongoID  string `json:"_id"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// UnmarshalJSON accepts null, a string, a number or an object.
func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*r = Ref{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Ref{ID: s}
		return nil
	case b[0] == '{':
		var o refObject
		if err := json.Unmarshal(b, &o); err != nil {
			return err
		}
		id := o.MongoID
		if id == "" {
			id = o.ID
		}
		name := o.Name
		if name == "" {
			name = o.Username
		}
		*r = Ref{ID: id, Name: name, Avatar: o.Avatar}
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("ref: unsupported json %s", string(b))
		}
		*r = Ref{ID: n.String()}
		return nil
	}
}

// Timestamp decodes RFC3339 strings and unix-millisecond numbers.
type Timestamp time.Time

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Timestamp(time.Time{})
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = Timestamp(time.Time{})
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			*t = Timestamp(time.UnixMilli(ms))
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*t = Timestamp(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = Timestamp(time.UnixMilli(ms))
	return nil
}

func (t Timestamp) Time() time.Time { return time.Time(t) }

// WireMessage is the message shape as it arrives from the server.
type WireMessage struct {
	MongoID        string       `json:"_id"`
	ID             string       `json:"id"`
	Chat           Ref          `json:"chat"`
	ChatID         Ref          `json:"chatId"`
	ConversationID Ref          `json:"conversationId"`
	Sender         Ref          `json:"sender"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      Timestamp    `json:"createdAt"`
	ReadBy         []Ref        `json:"readBy"`
	ReplyTo        Ref          `json:"replyTo"`
	TempID         string       `json:"tempId"`
}

// Normalize converts the wire shape into the canonical Message.
func (w *WireMessage) Normalize() (*Message, error) {
	id := firstNonEmpty(w.MongoID, w.ID)
	if id == "" {
		return nil, fmt.Errorf("message: %w", ErrMissingID)
	}
	convID := firstNonEmpty(w.Chat.ID, w.ChatID.ID, w.ConversationID.ID)
	if convID == "" {
		return nil, fmt.Errorf("message %s: conversation: %w", id, ErrMissingID)
	}
	m := &Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       w.Sender.ID,
		SenderName:     w.Sender.Name,
		Content:        w.Content,
		Type:           normalizeMessageType(w.Type),
		Attachments:    w.Attachments,
		CreatedAt:      w.CreatedAt.Time(),
		ReplyTo:        w.ReplyTo.ID,
		Status:         StatusSent,
		TempID:         w.TempID,
	}
	for _, r := range w.ReadBy {
		m.AddReader(r.ID)
	}
	return m, nil
}

// WireConversation is the conversation shape as it arrives from the server.
type WireConversation struct {
	MongoID      string       `json:"_id"`
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	IsGroup      *bool        `json:"isGroup"`
	Members      []Ref        `json:"members"`
	Participants []Ref        `json:"participants"`
	Avatar       string       `json:"avatar"`
	LastMessage  *WireMessage `json:"lastMessage"`
	UnreadCount  int          `json:"unreadCount"`
	UpdatedAt    Timestamp    `json:"updatedAt"`
}

// Normalize converts the wire shape into the canonical Conversation. A
// lastMessage that cannot be normalized is dropped rather than failing the
// whole conversation.
func (w *WireConversation) Normalize() (*Conversation, error) {
	id := firstNonEmpty(w.MongoID, w.ID)
	if id == "" {
		return nil, fmt.Errorf("conversation: %w", ErrMissingID)
	}
	c := &Conversation{
		ID:          id,
		Name:        w.Name,
		Type:        normalizeConversationType(w.Type, w.IsGroup),
		Avatar:      w.Avatar,
		UnreadCount: max(w.UnreadCount, 0),
		UpdatedAt:   w.UpdatedAt.Time(),
	}
	members := w.Members
	if len(members) == 0 {
		members = w.Participants
	}
	for _, r := range members {
		if r.ID == "" {
			continue
		}
		c.Members = append(c.Members, Member{ID: r.ID, Name: r.Name, Avatar: r.Avatar})
	}
	if w.LastMessage != nil {
		if w.LastMessage.Chat.ID == "" && w.LastMessage.ChatID.ID == "" && w.LastMessage.ConversationID.ID == "" {
			w.LastMessage.ChatID = Ref{ID: id}
		}
		if lm, err := w.LastMessage.Normalize(); err == nil {
			c.LastMessage = lm
		}
	}
	return c, nil
}

// DecodeMessage decodes a message payload. Payloads wrapped as
// {"message": {...}} are unwrapped first.
func DecodeMessage(raw json.RawMessage) (*Message, error) {
	var wrapper struct {
		Message json.RawMessage `json:"message"`
		ChatID  Ref             `json:"chatId"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	body := raw
	if len(wrapper.Message) > 0 && !bytes.Equal(bytes.TrimSpace(wrapper.Message), []byte("null")) {
		body = wrapper.Message
	}
	var w WireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if w.Chat.ID == "" && w.ChatID.ID == "" && w.ConversationID.ID == "" {
		w.ChatID = wrapper.ChatID
	}
	return w.Normalize()
}

// DecodeConversation decodes a conversation payload. Payloads wrapped as
// {"chat": {...}} are unwrapped first.
func DecodeConversation(raw json.RawMessage) (*Conversation, error) {
	var wrapper struct {
		Chat json.RawMessage `json:"chat"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	body := raw
	if trimmed := bytes.TrimSpace(wrapper.Chat); len(trimmed) > 0 && trimmed[0] == '{' {
		body = wrapper.Chat
	}
	var w WireConversation
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return w.Normalize()
}

// DecodeConversations decodes a list of conversations, skipping entries
// without an id.
func DecodeConversations(raw json.RawMessage) ([]Conversation, error) {
	var ws []WireConversation
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]Conversation, 0, len(ws))
	for i := range ws {
		c, err := ws[i].Normalize()
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

// DecodeMessages decodes a page of messages belonging to conversationID.
func DecodeMessages(conversationID string, raw json.RawMessage) ([]Message, error) {
	var ws []WireMessage
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]Message, 0, len(ws))
	for i := range ws {
		if ws[i].Chat.ID == "" && ws[i].ChatID.ID == "" && ws[i].ConversationID.ID == "" {
			ws[i].ChatID = Ref{ID: conversationID}
		}
		m, err := ws[i].Normalize()
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func normalizeMessageType(s string) MessageType {
	switch MessageType(s) {
	case TypeFile, TypeImage:
		return MessageType(s)
	default:
		return TypeText
	}
}

func normalizeConversationType(s string, isGroup *bool) ConversationType {
	if isGroup != nil {
		if *isGroup {
			return Group
		}
		return Individual
	}
	if s == string(Group) {
		return Group
	}
	return Individual
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
