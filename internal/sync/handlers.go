package sync

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"go.uber.org/zap"
)

// subscribe registers every server and connection handler on the engine's
// scope. Handlers only decode and hand off to the loop.
func (e *Engine) subscribe() {
	raw := func(name string, h func(json.RawMessage)) {
		e.scope.On(name, func(evt bus.Event) {
			data, ok := evt.Payload.(json.RawMessage)
			if !ok {
				return
			}
			e.post(func() { h(data) })
		})
	}
	raw(model.EventNewMessage, e.onNewMessage)
	raw(model.EventMessageNotification, e.onNewMessage)
	raw(model.EventMessageDeleted, e.onMessageDeleted)
	raw(model.EventMessageError, e.onMessageError)
	raw(model.EventChatUpdated, e.onChatUpdated)
	raw(model.EventChatDeleted, e.onChatDeleted)
	raw(model.EventMessagesRead, e.onMessagesRead)
	raw(model.EventUserTyping, e.onUserTyping)
	raw(model.EventGroupAvatarUpdated, e.onGroupAvatarUpdated)

	e.scope.On(model.EventConnect, func(bus.Event) {
		// Catch up on whatever was missed while offline.
		e.post(e.sweep)
	})
	e.scope.On(conn.EventQueueReplayed, func(evt bus.Event) {
		res, ok := evt.Payload.(outbox.DrainResult)
		if !ok {
			return
		}
		e.post(func() { e.onQueueReplayed(res.Replayed) })
	})
	e.scope.On(conn.EventQueueExpired, func(evt bus.Event) {
		entries, ok := evt.Payload.([]outbox.Entry)
		if !ok {
			return
		}
		e.post(func() { e.onQueueExpired(entries) })
	})
}

func (e *Engine) onNewMessage(data json.RawMessage) {
	m, err := model.DecodeMessage(data)
	if err != nil {
		e.logger.Warn("dropping undecodable message", zap.Error(err))
		return
	}
	convID := m.ConversationID
	open := e.list.Open()

	known := false
	if convID == open || e.messages.Len(convID) > 0 {
		out, prev := e.messages.Apply(*m)
		metrics.Reconciled.WithLabelValues(out.String()).Inc()
		if out == reconcile.Matched && prev != nil {
			e.list.ReplaceLastMessage(convID, prev.ID, m)
		}
		known = out == reconcile.Replaced
		e.messagesChanged(convID)
	}

	applied := false
	if known {
		applied = e.list.ApplyKnownMessage(*m)
	} else {
		applied = e.list.ApplyMessage(*m)
	}
	if !applied {
		e.logger.Debug("message for unknown conversation", zap.String("conversation_id", convID))
		e.lookup(convID)
	}
	e.listChanged()

	if !known && m.SenderID != e.selfID && convID == open {
		e.emit(e.ctx, model.EmitReadMessage, model.MessageRefPayload{MessageID: m.ID, ConversationID: convID})
	}
}

func (e *Engine) onMessageDeleted(data json.RawMessage) {
	var evt model.MessageDeletedEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.MessageID.ID == "" {
		e.logger.Warn("bad messageDeleted payload", zap.Error(err))
		return
	}
	convID := evt.ChatID.ID
	if convID == "" {
		// Older servers omit the chat; find it in the cache.
		for _, c := range e.list.Snapshot() {
			if _, ok := e.messages.Get(c.ID, evt.MessageID.ID); ok {
				convID = c.ID
				break
			}
		}
	}
	if convID == "" {
		return
	}
	if e.messages.Remove(convID, evt.MessageID.ID) {
		e.afterRemoval(convID, evt.MessageID.ID)
		return
	}
	if c, ok := e.list.Get(convID); ok && c.LastMessage != nil && c.LastMessage.ID == evt.MessageID.ID {
		e.refresh()
	}
}

// afterRemoval fixes the list preview when the removed message was shown.
func (e *Engine) afterRemoval(convID, msgID string) {
	e.messagesChanged(convID)
	c, ok := e.list.Get(convID)
	if !ok || c.LastMessage == nil || c.LastMessage.ID != msgID {
		return
	}
	msgs := e.messages.Messages(convID)
	if len(msgs) == 0 {
		e.refresh()
		return
	}
	last := msgs[len(msgs)-1]
	e.list.ReplaceLastMessage(convID, msgID, &last)
	e.listChanged()
}

func (e *Engine) onMessageError(data json.RawMessage) {
	var evt model.MessageErrorEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.TempID == "" {
		e.logger.Warn("bad messageError payload", zap.Error(err))
		return
	}
	e.failTentative(evt.TempID, evt.Error)
}

// onQueueReplayed restamps tentative sends that just left the queue so the
// server's confirmation, stamped at replay time, falls inside the match window.
func (e *Engine) onQueueReplayed(entries []outbox.Entry) {
	now := e.opts.Now()
	for _, entry := range entries {
		if entry.Event != model.EmitSendMessage {
			continue
		}
		var p model.SendMessagePayload
		if err := json.Unmarshal(entry.Data, &p); err != nil || p.TempID == "" {
			continue
		}
		if m, ok := e.messages.Resend(p.ConversationID, p.TempID, now); ok {
			e.list.ReplaceLastMessage(m.ConversationID, m.ID, &m)
			e.messagesChanged(m.ConversationID)
		}
	}
}

func (e *Engine) onQueueExpired(entries []outbox.Entry) {
	for _, entry := range entries {
		if entry.Event != model.EmitSendMessage {
			continue
		}
		var p model.SendMessagePayload
		if err := json.Unmarshal(entry.Data, &p); err != nil || p.TempID == "" {
			continue
		}
		e.failTentative(p.TempID, "expired while offline")
	}
}

func (e *Engine) failTentative(tempID, reason string) {
	cur, ok := e.messages.FindTentative(tempID)
	if !ok || !cur.IsTentative() {
		return
	}
	m, _ := e.messages.SetStatus(cur.ConversationID, tempID, model.StatusFailed)
	e.logger.Info("send failed", zap.String("conversation_id", m.ConversationID), zap.String("msg_id", tempID), zap.String("reason", reason))
	e.list.ReplaceLastMessage(m.ConversationID, tempID, &m)
	e.messagesChanged(m.ConversationID)
	e.publish(EventSendFailed, m)
}

func (e *Engine) onChatUpdated(data json.RawMessage) {
	c, err := model.DecodeConversation(data)
	if err != nil {
		e.logger.Warn("bad chatUpdated payload", zap.Error(err))
		return
	}
	if !e.list.UpdateMetadata(*c) {
		e.lookup(c.ID)
		return
	}
	e.listChanged()
}

func (e *Engine) onChatDeleted(data json.RawMessage) {
	var evt model.ChatDeletedEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.ChatID.ID == "" {
		e.logger.Warn("bad chatDeleted payload", zap.Error(err))
		return
	}
	e.forget(evt.ChatID.ID)
}

func (e *Engine) onMessagesRead(data json.RawMessage) {
	var evt model.MessagesReadEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.ChatID.ID == "" {
		e.logger.Warn("bad messagesRead payload", zap.Error(err))
		return
	}
	convID := evt.ChatID.ID
	if !e.list.Has(convID) {
		e.lookup(convID)
		return
	}
	if evt.UserID.ID == e.selfID {
		e.reads.Acknowledge(convID)
		e.listChanged()
	}
	if e.messages.MarkRead(convID, evt.UserID.ID, evt.MessageIDs) > 0 {
		e.messagesChanged(convID)
	}
}

func (e *Engine) onUserTyping(data json.RawMessage) {
	var evt model.UserTypingEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.ChatID.ID == "" || evt.UserID.ID == "" {
		return
	}
	if evt.UserID.ID == e.selfID {
		return
	}
	name := evt.UserName
	if name == "" {
		name = evt.UserID.Name
	}
	if e.typing.Set(evt.ChatID.ID, evt.UserID.ID, name, evt.IsTyping) {
		e.publishTyping(evt.ChatID.ID)
	}
}

func (e *Engine) onGroupAvatarUpdated(data json.RawMessage) {
	var evt model.GroupAvatarUpdatedEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.ChatID.ID == "" {
		e.logger.Warn("bad groupAvatarUpdated payload", zap.Error(err))
		return
	}
	if !e.list.SetAvatar(evt.ChatID.ID, evt.Avatar) {
		e.lookup(evt.ChatID.ID)
		return
	}
	e.listChanged()
}
