// Package convlist keeps the conversation list ordered by recency with
// correct previews and unread badges as events arrive.
package convlist

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// List is the single owner of the cached conversation list. Index 0 is the
// most recently updated conversation.
type List struct {
	mu     sync.RWMutex
	convs  []model.Conversation
	seen   map[string]*recentIDs
	selfID string
	openID string
	now    func() time.Time
}

func New(selfID string) *List {
	return &List{selfID: selfID, seen: make(map[string]*recentIDs), now: time.Now}
}

// seenPerConversation bounds how many message ids are remembered per
// conversation for duplicate detection.
const seenPerConversation = 256

// recentIDs is a bounded set that forgets the oldest id first.
type recentIDs struct {
	ids   map[string]struct{}
	order []string
}

func (r *recentIDs) has(id string) bool {
	_, ok := r.ids[id]
	return ok
}

func (r *recentIDs) add(id string) {
	if id == "" || r.has(id) {
		return
	}
	if len(r.order) == seenPerConversation {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
}

func (l *List) seenLocked(convID string) *recentIDs {
	r, ok := l.seen[convID]
	if !ok {
		r = &recentIDs{ids: make(map[string]struct{})}
		l.seen[convID] = r
	}
	return r
}

// SetClock overrides the time source used for updatedAt.
func (l *List) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// SetSelf sets the local user id.
func (l *List) SetSelf(id string) {
	l.mu.Lock()
	l.selfID = id
	l.mu.Unlock()
}

// Self returns the local user id.
func (l *List) Self() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.selfID
}

// SetOpen records which conversation is being viewed. Opening a conversation
// zeroes its unread count; the previous count is returned.
func (l *List) SetOpen(id string) (prevUnread int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openID = id
	if i := l.indexOf(id); i >= 0 {
		prevUnread = l.convs[i].UnreadCount
		l.convs[i].UnreadCount = 0
	}
	return prevUnread
}

// Open returns the id of the conversation being viewed, or "".
func (l *List) Open() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.openID
}

func (l *List) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range l.convs {
		if l.convs[i].ID == id {
			return i
		}
	}
	return -1
}

// Replace installs a freshly fetched list. A local lastMessage newer than
// the server's is kept, and the open conversation stays at zero unread.
func (l *List) Replace(fetched []model.Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]model.Conversation, 0, len(fetched))
	for _, c := range fetched {
		c = c.Clone()
		if i := l.indexOf(c.ID); i >= 0 {
			local := l.convs[i]
			if local.LastMessage != nil && (c.LastMessage == nil || local.LastMessage.CreatedAt.After(c.LastMessage.CreatedAt)) {
				lm := local.LastMessage.Clone()
				c.LastMessage = &lm
				if local.UpdatedAt.After(c.UpdatedAt) {
					c.UpdatedAt = local.UpdatedAt
				}
			}
		}
		if c.LastMessage != nil {
			l.seenLocked(c.ID).add(c.LastMessage.ID)
		}
		if c.ID == l.openID {
			c.UnreadCount = 0
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		next = append(next, c)
	}
	slices.SortStableFunc(next, func(a, b model.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	l.convs = next
	for id := range l.seen {
		if l.indexOf(id) < 0 {
			delete(l.seen, id)
		}
	}
}

// ApplyMessage records a new message: lastMessage and updatedAt change and
// the conversation moves to the top. Unread grows by one only for messages
// from someone else while the conversation is not open. A message id seen
// before never counts twice, and a confirmed message older than the current
// preview is counted without replacing it.
// It returns false when the conversation is unknown.
func (l *List) ApplyMessage(m model.Message) bool {
	return l.apply(m, true)
}

// ApplyKnownMessage is ApplyMessage for a message the client already holds
// (a re-delivery or a page entry): the preview may move forward, unread
// never changes.
func (l *List) ApplyKnownMessage(m model.Message) bool {
	return l.apply(m, false)
}

func (l *List) apply(m model.Message, count bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(m.ConversationID)
	if i < 0 {
		return false
	}
	lm := m.Clone()
	c := l.convs[i]
	if c.LastMessage != nil && c.LastMessage.ID == m.ID {
		l.convs[i].LastMessage = &lm
		return true
	}

	seen := l.seenLocked(m.ConversationID)
	if seen.has(m.ID) {
		count = false
	}
	seen.add(m.ID)
	if count && m.SenderID != l.selfID && m.ConversationID != l.openID {
		c.UnreadCount++
	}
	if c.LastMessage != nil && !m.IsTentative() && m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		l.convs[i] = c
		return true
	}
	c.LastMessage = &lm
	c.UpdatedAt = l.now()
	l.moveToTop(i, c)
	return true
}

// ReplaceLastMessage swaps the preview when oldID is the current lastMessage,
// without reordering or touching unread. Used when a tentative send is
// confirmed or fails.
func (l *List) ReplaceLastMessage(convID, oldID string, m *model.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(convID)
	if i < 0 || l.convs[i].LastMessage == nil || l.convs[i].LastMessage.ID != oldID {
		return false
	}
	if m == nil {
		l.convs[i].LastMessage = nil
		return true
	}
	lm := m.Clone()
	l.convs[i].LastMessage = &lm
	return true
}

func (l *List) moveToTop(i int, c model.Conversation) {
	copy(l.convs[1:i+1], l.convs[:i])
	l.convs[0] = c
}

// ResetUnread sets a conversation's unread count to zero and returns the
// previous value.
func (l *List) ResetUnread(id string) (prev int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return 0, false
	}
	prev = l.convs[i].UnreadCount
	l.convs[i].UnreadCount = 0
	return prev, true
}

// AddUnread adds n to a conversation's unread count, clamped at zero.
func (l *List) AddUnread(id string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.convs[i].UnreadCount = max(l.convs[i].UnreadCount+n, 0)
	return true
}

// Patch applies fn to a conversation in place without reordering. id and
// UnreadCount are restored if fn changes them.
func (l *List) Patch(id string, fn func(c *model.Conversation)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	c := l.convs[i].Clone()
	fn(&c)
	c.ID = id
	c.UnreadCount = l.convs[i].UnreadCount
	l.convs[i] = c
	return true
}

// UpdateMetadata copies name, type, members and avatar from u in place.
func (l *List) UpdateMetadata(u model.Conversation) bool {
	return l.Patch(u.ID, func(c *model.Conversation) {
		if u.Name != "" {
			c.Name = u.Name
		}
		if u.Type != "" {
			c.Type = u.Type
		}
		if len(u.Members) > 0 {
			c.Members = append([]model.Member(nil), u.Members...)
		}
		if u.Avatar != "" {
			c.Avatar = u.Avatar
		}
	})
}

// SetAvatar patches the avatar in place.
func (l *List) SetAvatar(id, avatar string) bool {
	return l.Patch(id, func(c *model.Conversation) { c.Avatar = avatar })
}

// Insert puts a conversation at the top unless it is already listed.
func (l *List) Insert(c model.Conversation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexOf(c.ID) >= 0 {
		return false
	}
	l.convs = append([]model.Conversation{c.Clone()}, l.convs...)
	return true
}

// Remove deletes a conversation. Removing the open one also closes it.
func (l *List) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.convs = append(l.convs[:i], l.convs[i+1:]...)
	delete(l.seen, id)
	if l.openID == id {
		l.openID = ""
	}
	return true
}

// Get returns one conversation.
func (l *List) Get(id string) (model.Conversation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.indexOf(id)
	if i < 0 {
		return model.Conversation{}, false
	}
	return l.convs[i].Clone(), true
}

// Has reports whether id is in the list.
func (l *List) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexOf(id) >= 0
}

// Snapshot returns a copy of the list in display order.
func (l *List) Snapshot() []model.Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Conversation, len(l.convs))
	for i := range l.convs {
		out[i] = l.convs[i].Clone()
	}
	return out
}

// IDs returns conversation ids in display order.
func (l *List) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.convs))
	for i := range l.convs {
		out[i] = l.convs[i].ID
	}
	return out
}

// TotalUnread sums unread counts.
func (l *List) TotalUnread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for i := range l.convs {
		n += l.convs[i].UnreadCount
	}
	return n
}

// Len returns the number of conversations.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.convs)
}
