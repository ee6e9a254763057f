package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageSenderForms(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantSender string
		wantName   string
		wantConv   string
	}{
		{
			name:       "string refs",
			raw:        `{"_id":"m1","chat":"c1","sender":"u1","content":"hi","createdAt":"2024-05-01T10:00:00Z"}`,
			wantSender: "u1",
			wantConv:   "c1",
		},
		{
			name:       "embedded objects",
			raw:        `{"_id":"m1","chat":{"_id":"c1","name":"Sales"},"sender":{"_id":"u1","name":"Ana"},"content":"hi"}`,
			wantSender: "u1",
			wantName:   "Ana",
			wantConv:   "c1",
		},
		{
			name:       "id keys and chatId",
			raw:        `{"id":"m1","chatId":"c1","sender":{"id":"u1","username":"ana"},"content":"hi"}`,
			wantSender: "u1",
			wantName:   "ana",
			wantConv:   "c1",
		},
		{
			name:       "wrapped",
			raw:        `{"chatId":"c1","message":{"_id":"m1","sender":"u1","content":"hi"}}`,
			wantSender: "u1",
			wantConv:   "c1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeMessage(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, "m1", m.ID)
			assert.Equal(t, tt.wantSender, m.SenderID)
			assert.Equal(t, tt.wantName, m.SenderName)
			assert.Equal(t, tt.wantConv, m.ConversationID)
			assert.Equal(t, StatusSent, m.Status)
			assert.Equal(t, TypeText, m.Type)
		})
	}
}

func TestDecodeMessageTimestamps(t *testing.T) {
	m, err := DecodeMessage(json.RawMessage(`{"_id":"m1","chat":"c1","createdAt":1714557600000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1714557600000), m.CreatedAt.UnixMilli())

	m, err = DecodeMessage(json.RawMessage(`{"_id":"m1","chat":"c1","createdAt":"2024-05-01T10:00:00.250Z"}`))
	require.NoError(t, err)
	assert.True(t, m.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 250_000_000, time.UTC)))
}

func TestDecodeMessageReadByDedup(t *testing.T) {
	m, err := DecodeMessage(json.RawMessage(`{"_id":"m1","chat":"c1","readBy":["u1",{"_id":"u2"},"u1"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, m.ReadBy)
}

func TestDecodeMessageKeepsEchoedTempID(t *testing.T) {
	m, err := DecodeMessage(json.RawMessage(`{"_id":"m1","chat":"c1","tempId":"temp-1714557600123-ab12cd34"}`))
	require.NoError(t, err)
	assert.Equal(t, "temp-1714557600123-ab12cd34", m.TempID)
	assert.False(t, m.IsTentative())
}

func TestDecodeMessageMissingIDs(t *testing.T) {
	_, err := DecodeMessage(json.RawMessage(`{"chat":"c1","content":"x"}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = DecodeMessage(json.RawMessage(`{"_id":"m1","content":"x"}`))
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestDecodeConversation(t *testing.T) {
	raw := `{"chat":{"_id":"c1","name":"Deals","isGroup":true,
		"participants":[{"_id":"u1","name":"Ana"},"u2"],
		"lastMessage":{"_id":"m9","sender":"u2","content":"ok"},
		"unreadCount":-3,"updatedAt":"2024-05-01T10:00:00Z"}}`
	c, err := DecodeConversation(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, Group, c.Type)
	assert.Equal(t, 0, c.UnreadCount)
	require.Len(t, c.Members, 2)
	assert.Equal(t, "Ana", c.Members[0].Name)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "c1", c.LastMessage.ConversationID)
}

func TestDecodeConversationsSkipsInvalid(t *testing.T) {
	cs, err := DecodeConversations(json.RawMessage(`[{"_id":"c1","type":"group"},{"name":"no id"},{"id":"c2"}]`))
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, Group, cs[0].Type)
	assert.Equal(t, Individual, cs[1].Type)
}

func TestTentativeID(t *testing.T) {
	now := time.UnixMilli(1714557600123)
	id := NewTentativeID(now)
	assert.True(t, strings.HasPrefix(id, "temp-1714557600123-"))
	assert.True(t, IsTentativeID(id))
	assert.NotEqual(t, id, NewTentativeID(now))
	assert.False(t, IsTentativeID("m123"))
}

func TestMessagePreview(t *testing.T) {
	m := Message{Content: "line one\nline two"}
	assert.Equal(t, "line one line two", m.Preview(0))
	assert.Equal(t, "line", m.Preview(4))

	img := Message{Type: TypeImage}
	assert.Equal(t, "[image]", img.Preview(10))
}
