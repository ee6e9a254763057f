package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/chatsync/internal/model"
)

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages []model.Message
	HasMore  bool
}

// ListConversations fetches the full conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/chats", nil, nil, &raw); err != nil {
		return nil, err
	}
	return model.DecodeConversations(unwrap(raw, "chats", "data"))
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "get_conversation", http.MethodGet, "/chats/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return nil, err
	}
	return model.DecodeConversation(unwrap(raw, "data"))
}

// ListMessages fetches up to limit messages older than before (the newest
// page when before is empty).
func (c *Client) ListMessages(ctx context.Context, convID, before string, limit int) (MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var raw json.RawMessage
	if err := c.do(ctx, "list_messages", http.MethodGet, "/chats/"+url.PathEscape(convID)+"/messages", q, nil, &raw); err != nil {
		return MessagePage{}, err
	}
	var env struct {
		HasMore *bool `json:"hasMore"`
	}
	_ = json.Unmarshal(raw, &env)
	msgs, err := model.DecodeMessages(convID, unwrap(raw, "messages", "data"))
	if err != nil {
		return MessagePage{}, err
	}
	page := MessagePage{Messages: msgs}
	if env.HasMore != nil {
		page.HasMore = *env.HasMore
	} else {
		page.HasMore = limit > 0 && len(msgs) >= limit
	}
	return page, nil
}

// MarkRead marks every message in the conversation read for the caller.
func (c *Client) MarkRead(ctx context.Context, convID string) error {
	return c.do(ctx, "mark_read", http.MethodPut, "/chats/"+url.PathEscape(convID)+"/read", nil, nil, nil)
}

// GroupParams are the mutable fields of a group.
type GroupParams struct {
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members,omitempty"`
	Avatar  string   `json:"avatar,omitempty"`
}

// CreateGroup creates a group conversation.
func (c *Client) CreateGroup(ctx context.Context, p GroupParams) (*model.Conversation, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("create_group: name is required")
	}
	return c.conversationCall(ctx, "create_group", http.MethodPost, "/chats/group", p)
}

// UpdateGroup patches a group's name, members or avatar.
func (c *Client) UpdateGroup(ctx context.Context, id string, p GroupParams) (*model.Conversation, error) {
	return c.conversationCall(ctx, "update_group", http.MethodPut, "/chats/group/"+url.PathEscape(id), p)
}

// DeleteGroup deletes a group conversation.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, "delete_group", http.MethodDelete, "/chats/group/"+url.PathEscape(id), nil, nil, nil)
}

// CreateDirect opens (or returns the existing) direct conversation with userID.
func (c *Client) CreateDirect(ctx context.Context, userID string) (*model.Conversation, error) {
	body := map[string]string{"userId": userID}
	return c.conversationCall(ctx, "create_direct", http.MethodPost, "/chats/direct", body)
}

// SearchConversations searches conversations by name or member.
func (c *Client) SearchConversations(ctx context.Context, query string) ([]model.Conversation, error) {
	var raw json.RawMessage
	q := url.Values{"q": {query}}
	if err := c.do(ctx, "search_conversations", http.MethodGet, "/chats/search", q, nil, &raw); err != nil {
		return nil, err
	}
	return model.DecodeConversations(unwrap(raw, "chats", "data"))
}

func (c *Client) conversationCall(ctx context.Context, op, method, path string, body any) (*model.Conversation, error) {
	var raw json.RawMessage
	if err := c.do(ctx, op, method, path, nil, body, &raw); err != nil {
		return nil, err
	}
	conv, err := model.DecodeConversation(unwrap(raw, "data"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return conv, nil
}
