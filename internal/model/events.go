package model

// Inbound server events.
const (
	EventNewMessage          = "newMessage"
	EventMessageDeleted      = "messageDeleted"
	EventMessageNotification = "messageNotification"
	EventMessageError        = "messageError"
	EventChatUpdated         = "chatUpdated"
	EventChatDeleted         = "chatDeleted"
	EventMessagesRead        = "messagesRead"
	EventUserTyping          = "userTyping"
	EventGroupAvatarUpdated  = "groupAvatarUpdated"
)

// Connection-level events, published by the connection manager.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnect        = "reconnect"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)

// Outbound client events.
const (
	EmitSendMessage   = "sendMessage"
	EmitJoinChat      = "joinChat"
	EmitLeaveChat     = "leaveChat"
	EmitReadMessage   = "readMessage"
	EmitDeleteMessage = "deleteMessage"
	EmitTyping        = "typing"
	EmitJoinUserRoom  = "joinUserRoom"
	EmitJoinChats     = "joinChats"
	EmitJoinTaskRoom  = "joinTaskRoom"
)

// SendMessagePayload is the sendMessage body. TempID lets the server echo
// failures back to the tentative entry.
type SendMessagePayload struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"type"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	TempID         string       `json:"tempId,omitempty"`
}

type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type MessageRefPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type UserRoomPayload struct {
	UserID string `json:"userId"`
}

type JoinChatsPayload struct {
	ConversationIDs []string `json:"conversationIds"`
}

// Inbound payload shapes. Id fields go through Ref so either form decodes.

type MessageDeletedEvent struct {
	MessageID Ref `json:"messageId"`
	ChatID    Ref `json:"chatId"`
}

type MessageErrorEvent struct {
	TempID string `json:"tempId"`
	ChatID Ref    `json:"chatId"`
	Error  string `json:"error"`
}

type ChatDeletedEvent struct {
	ChatID Ref `json:"chatId"`
}

type MessagesReadEvent struct {
	ChatID     Ref      `json:"chatId"`
	UserID     Ref      `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

type UserTypingEvent struct {
	ChatID   Ref    `json:"chatId"`
	UserID   Ref    `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type GroupAvatarUpdatedEvent struct {
	ChatID Ref    `json:"chatId"`
	Avatar string `json:"avatar"`
}
