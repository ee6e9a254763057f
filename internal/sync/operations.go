package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	Type        model.MessageType
	Attachments []model.Attachment
	ReplyTo     string
}

// SendResult reports the tentative message and what happened to its emit.
type SendResult struct {
	Message model.Message
	Outcome conn.Outcome
}

// Send shows a tentative message immediately, moves its conversation to the
// top of the list and emits sendMessage, queued when offline.
func (e *Engine) Send(ctx context.Context, convID, content string, opts SendOptions) (SendResult, error) {
	var res SendResult
	var err error
	callErr := e.call(ctx, func() {
		now := e.opts.Now()
		typ := opts.Type
		if typ == "" {
			typ = model.TypeText
		}
		m := model.Message{
			ID:             model.NewTentativeID(now),
			ConversationID: convID,
			SenderID:       e.selfID,
			Content:        content,
			Type:           typ,
			Attachments:    opts.Attachments,
			CreatedAt:      now,
			ReplyTo:        opts.ReplyTo,
			Status:         model.StatusSending,
		}
		if !e.messages.InsertTentative(m) {
			err = fmt.Errorf("tentative id %s already cached", m.ID)
			return
		}
		if !e.list.ApplyMessage(m) {
			e.refresh()
		}
		res.Message = m
		res.Outcome, err = e.emitSend(ctx, m)
		if res.Outcome == conn.Dropped {
			res.Message, _ = e.messages.SetStatus(convID, m.ID, model.StatusFailed)
			e.publish(EventSendFailed, res.Message)
		}
		e.messagesChanged(convID)
		e.listChanged()
	})
	if callErr != nil {
		return res, callErr
	}
	return res, err
}

// Retry re-emits a failed send with the same tentative id.
func (e *Engine) Retry(ctx context.Context, convID, tempID string) (SendResult, error) {
	var res SendResult
	var err error
	callErr := e.call(ctx, func() {
		cur, ok := e.messages.Get(convID, tempID)
		if !ok {
			err = fmt.Errorf("retry %s: %w", tempID, ErrNotFound)
			return
		}
		if !cur.IsTentative() || cur.Status != model.StatusFailed {
			err = fmt.Errorf("retry %s: %w", tempID, ErrNotFailed)
			return
		}
		m, _ := e.messages.Resend(convID, tempID, e.opts.Now())
		res.Message = m
		res.Outcome, err = e.emitSend(ctx, m)
		if res.Outcome == conn.Dropped {
			res.Message, _ = e.messages.SetStatus(convID, tempID, model.StatusFailed)
		}
		e.messagesChanged(convID)
	})
	if callErr != nil {
		return res, callErr
	}
	return res, err
}

func (e *Engine) emitSend(ctx context.Context, m model.Message) (conn.Outcome, error) {
	out, err := e.opts.Emitter.Emit(ctx, model.EmitSendMessage, model.SendMessagePayload{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Type:           m.Type,
		Attachments:    m.Attachments,
		ReplyTo:        m.ReplyTo,
		TempID:         m.ID,
	})
	if err != nil {
		e.logger.Warn("send emit failed", zap.String("conversation_id", m.ConversationID), zap.String("msg_id", m.ID), zap.Error(err))
	}
	return out, err
}

// OpenConversation makes convID the viewed conversation: the previous one is
// left, the room is joined, the badge is zeroed and confirmed with the
// server, and the newest page is fetched.
func (e *Engine) OpenConversation(ctx context.Context, convID string) error {
	return e.call(ctx, func() {
		prev := e.list.Open()
		if prev == convID {
			return
		}
		if prev != "" {
			e.emit(ctx, model.EmitLeaveChat, model.ConversationPayload{ConversationID: prev})
		}
		e.emit(ctx, model.EmitJoinChat, model.ConversationPayload{ConversationID: convID})
		e.reads.Open(e.ctx, convID)
		if !e.list.Has(convID) {
			e.refresh()
		}
		e.fetchNewest(convID)
		e.listChanged()
	})
}

// CloseConversation leaves the viewed conversation.
func (e *Engine) CloseConversation(ctx context.Context) error {
	return e.call(ctx, func() {
		prev := e.list.Open()
		if prev == "" {
			return
		}
		e.emit(ctx, model.EmitLeaveChat, model.ConversationPayload{ConversationID: prev})
		e.reads.Close()
	})
}

// LoadOlder fetches the page before the oldest cached message and merges it.
// It returns how many messages were added.
func (e *Engine) LoadOlder(ctx context.Context, convID string) (int, error) {
	before := ""
	if oldest, ok := e.messages.Oldest(convID); ok {
		before = oldest.ID
	}
	page, err := e.opts.API.ListMessages(ctx, convID, before, e.opts.PageSize)
	if err != nil {
		return 0, fmt.Errorf("load older %s: %w", convID, err)
	}
	added := 0
	if err := e.call(ctx, func() {
		added = e.messages.Merge(convID, page.Messages, page.HasMore)
		if added > 0 {
			e.messagesChanged(convID)
		}
	}); err != nil {
		return 0, err
	}
	return added, nil
}

// DeleteMessage asks the server to delete a message. Tentative messages
// never reached the server and are removed locally.
func (e *Engine) DeleteMessage(ctx context.Context, convID, msgID string) (conn.Outcome, error) {
	var out conn.Outcome
	var err error
	callErr := e.call(ctx, func() {
		if model.IsTentativeID(msgID) {
			if !e.messages.Remove(convID, msgID) {
				err = fmt.Errorf("delete %s: %w", msgID, ErrNotFound)
				return
			}
			e.afterRemoval(convID, msgID)
			out = conn.Sent
			return
		}
		out, err = e.opts.Emitter.Emit(ctx, model.EmitDeleteMessage, model.MessageRefPayload{MessageID: msgID, ConversationID: convID})
	})
	if callErr != nil {
		return out, callErr
	}
	return out, err
}

// SetTyping reports the local user's typing state. It is only sent while
// connected, and typing=true at most once per throttle window.
func (e *Engine) SetTyping(ctx context.Context, convID string, isTyping bool) (bool, error) {
	if !e.opts.Emitter.IsConnected() {
		return false, nil
	}
	if !e.throttle.Allow(convID, isTyping, e.opts.Now()) {
		return false, nil
	}
	out, err := e.opts.Emitter.Emit(ctx, model.EmitTyping, model.TypingPayload{ConversationID: convID, IsTyping: isTyping})
	return out == conn.Sent, err
}

// Sweep refetches the list and the open conversation's newest page.
func (e *Engine) Sweep(ctx context.Context) error {
	return e.call(ctx, e.sweep)
}

// Refresh refetches the conversation list.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.call(ctx, e.refresh)
}

// SetSelf changes the local user id after a token refresh.
func (e *Engine) SetSelf(ctx context.Context, userID string) error {
	return e.call(ctx, func() {
		e.selfID = userID
		e.list.SetSelf(userID)
	})
}

// CreateGroup creates a group and lists it.
func (e *Engine) CreateGroup(ctx context.Context, p api.GroupParams) (model.Conversation, error) {
	c, err := e.opts.API.CreateGroup(ctx, p)
	if err != nil {
		return model.Conversation{}, err
	}
	return *c, e.call(ctx, func() { e.adopt(ctx, *c) })
}

// CreateDirect opens a direct conversation with userID and lists it.
func (e *Engine) CreateDirect(ctx context.Context, userID string) (model.Conversation, error) {
	c, err := e.opts.API.CreateDirect(ctx, userID)
	if err != nil {
		return model.Conversation{}, err
	}
	return *c, e.call(ctx, func() { e.adopt(ctx, *c) })
}

// UpdateGroup patches a group and its list entry.
func (e *Engine) UpdateGroup(ctx context.Context, id string, p api.GroupParams) (model.Conversation, error) {
	c, err := e.opts.API.UpdateGroup(ctx, id, p)
	if err != nil {
		return model.Conversation{}, err
	}
	return *c, e.call(ctx, func() {
		if e.list.UpdateMetadata(*c) {
			e.listChanged()
		} else {
			e.refresh()
		}
	})
}

// DeleteGroup deletes a group and drops it locally.
func (e *Engine) DeleteGroup(ctx context.Context, id string) error {
	if err := e.opts.API.DeleteGroup(ctx, id); err != nil {
		return err
	}
	return e.call(ctx, func() { e.forget(id) })
}

// Search passes a conversation search through to the server.
func (e *Engine) Search(ctx context.Context, query string) ([]model.Conversation, error) {
	return e.opts.API.SearchConversations(ctx, query)
}

func (e *Engine) adopt(ctx context.Context, c model.Conversation) {
	if e.list.Insert(c) {
		e.emit(ctx, model.EmitJoinChat, model.ConversationPayload{ConversationID: c.ID})
		e.listChanged()
	}
}

func (e *Engine) forget(convID string) {
	if e.list.Open() == convID {
		e.reads.Close()
	}
	removed := e.list.Remove(convID)
	e.messages.Drop(convID)
	e.typing.Clear(convID)
	if removed {
		e.listChanged()
	}
}

func (e *Engine) emit(ctx context.Context, event string, payload any) {
	if _, err := e.opts.Emitter.Emit(ctx, event, payload); err != nil {
		e.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
	}
}

// refresh fetches the list unless a fetch is already running, in which case
// one more fetch follows it.
func (e *Engine) refresh() {
	if e.refreshing {
		e.refreshAgain = true
		return
	}
	e.refreshing = true
	e.async(func(ctx context.Context) func() {
		convs, err := e.opts.API.ListConversations(ctx)
		return func() { e.applyRefresh(convs, err) }
	})
}

func (e *Engine) applyRefresh(convs []model.Conversation, err error) {
	e.refreshing = false
	if err != nil {
		metrics.ListRefreshes.WithLabelValues("error").Inc()
		e.logger.Warn("conversation list refresh failed", zap.Error(err))
	} else {
		metrics.ListRefreshes.WithLabelValues("ok").Inc()
		known := make(map[string]bool)
		for _, id := range e.list.IDs() {
			known[id] = true
		}
		e.list.Replace(convs)
		var fresh []string
		for _, c := range convs {
			if !known[c.ID] {
				fresh = append(fresh, c.ID)
			}
		}
		// Rooms are joined on connect; only late arrivals need an explicit join.
		if len(fresh) > 0 && e.opts.Emitter.IsConnected() {
			e.emit(e.ctx, model.EmitJoinChats, model.JoinChatsPayload{ConversationIDs: fresh})
		}
		e.checkpoint("list_refreshed_at", e.opts.Now().UTC().Format(time.RFC3339Nano))
		e.listChanged()
	}
	if e.refreshAgain {
		e.refreshAgain = false
		e.refresh()
	}
}

// lookup adds one unlisted conversation from its detail endpoint instead of
// refetching the whole list. A 404 means the event raced a deletion and is
// ignored; any other failure falls back to a list refresh.
func (e *Engine) lookup(convID string) {
	if e.looking[convID] {
		return
	}
	e.looking[convID] = true
	e.async(func(ctx context.Context) func() {
		c, err := e.opts.API.GetConversation(ctx, convID)
		return func() {
			delete(e.looking, convID)
			var se *api.StatusError
			switch {
			case errors.As(err, &se) && se.Code == http.StatusNotFound:
				e.logger.Debug("event for missing conversation", zap.String("conversation_id", convID))
			case err != nil:
				e.logger.Warn("conversation lookup failed, refreshing list", zap.String("conversation_id", convID), zap.Error(err))
				e.refresh()
			case e.list.Insert(*c):
				if e.opts.Emitter.IsConnected() {
					e.emit(e.ctx, model.EmitJoinChats, model.JoinChatsPayload{ConversationIDs: []string{c.ID}})
				}
				e.listChanged()
			}
		}
	})
}

// fetchNewest merges the newest page of convID into the cache.
func (e *Engine) fetchNewest(convID string) {
	e.async(func(ctx context.Context) func() {
		page, err := e.opts.API.ListMessages(ctx, convID, "", e.opts.PageSize)
		return func() {
			if err != nil {
				e.logger.Warn("message page fetch failed", zap.String("conversation_id", convID), zap.Error(err))
				return
			}
			// A conversation deleted meanwhile must not be resurrected.
			if !e.list.Has(convID) && e.list.Len() > 0 {
				return
			}
			if e.messages.Merge(convID, page.Messages, page.HasMore) > 0 {
				e.messagesChanged(convID)
			}
			if n := len(page.Messages); n > 0 {
				e.checkpoint("conversation:"+convID+":newest", page.Messages[n-1].ID)
			}
		}
	})
}

func (e *Engine) sweep() {
	e.checkpoint("last_sweep_at", e.opts.Now().UTC().Format(time.RFC3339Nano))
	e.refresh()
	if open := e.list.Open(); open != "" {
		e.fetchNewest(open)
	}
}
