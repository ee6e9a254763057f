// Package reconcile owns the per-conversation message cache and collapses
// tentative local sends into their server-confirmed counterparts.
package reconcile

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// MatchWindow is the largest createdAt distance at which a confirmed message
// may replace a tentative one with the same content and sender.
const MatchWindow = 5 * time.Second

// Outcome describes how Apply merged a confirmed message.
type Outcome int

const (
	// Replaced means an entry with the same id was updated in place.
	Replaced Outcome = iota
	// Matched means a tentative entry was promoted to the confirmed message.
	Matched
	// Appended means the message was new to the cache.
	Appended
)

func (o Outcome) String() string {
	switch o {
	case Replaced:
		return "replaced"
	case Matched:
		return "matched"
	default:
		return "appended"
	}
}

type thread struct {
	msgs    []model.Message
	hasMore bool
}

func (t *thread) indexOf(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// echoMatch returns the tentative entry whose id the server echoed back, or -1.
func (t *thread) echoMatch(m *model.Message) int {
	if !model.IsTentativeID(m.TempID) {
		return -1
	}
	if i := t.indexOf(m.TempID); i >= 0 && t.msgs[i].IsTentative() {
		return i
	}
	return -1
}

// tentativeMatch returns the tentative entry closest in time to m that has
// the same content and sender and lies within MatchWindow, or -1.
func (t *thread) tentativeMatch(m *model.Message) int {
	best := -1
	var bestDiff time.Duration
	for i := range t.msgs {
		c := &t.msgs[i]
		if !c.IsTentative() || c.Content != m.Content || c.SenderID != m.SenderID {
			continue
		}
		diff := c.CreatedAt.Sub(m.CreatedAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > MatchWindow {
			continue
		}
		if best == -1 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}

// Cache holds messages per conversation in display order.
type Cache struct {
	mu      sync.RWMutex
	threads map[string]*thread
}

func New() *Cache {
	return &Cache{threads: make(map[string]*thread)}
}

func (c *Cache) thread(convID string) *thread {
	t, ok := c.threads[convID]
	if !ok {
		t = &thread{}
		c.threads[convID] = t
	}
	return t
}

// InsertTentative appends a locally created message. It returns false when
// an entry with the same id already exists.
func (c *Cache) InsertTentative(m model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(m.ConversationID)
	if t.indexOf(m.ID) >= 0 {
		return false
	}
	if m.Status == "" {
		m.Status = model.StatusSending
	}
	t.msgs = append(t.msgs, m.Clone())
	return true
}

// Apply merges a confirmed message. An entry with the same id is replaced in
// place; otherwise a matching tentative entry is replaced in place; otherwise
// the message is appended. The previous entry, if any, is returned.
func (c *Cache) Apply(m model.Message) (Outcome, *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(m.ConversationID)
	m = m.Clone()
	if m.Status == "" {
		m.Status = model.StatusSent
	}

	if i := t.indexOf(m.ID); i >= 0 {
		prev := t.msgs[i]
		for _, r := range prev.ReadBy {
			m.AddReader(r)
		}
		t.msgs[i] = m
		return Replaced, &prev
	}
	if i := t.echoMatch(&m); i >= 0 {
		prev := t.msgs[i]
		t.msgs[i] = m
		return Matched, &prev
	}
	if i := t.tentativeMatch(&m); i >= 0 {
		prev := t.msgs[i]
		t.msgs[i] = m
		return Matched, &prev
	}
	t.msgs = append(t.msgs, m)
	return Appended, nil
}

// Merge folds a fetched page into the cache. Known ids and tentative matches
// are replaced in place; anything else is spliced in by createdAt without
// disturbing the order of entries already present.
func (c *Cache) Merge(convID string, page []model.Message, hasMore bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(convID)
	t.hasMore = hasMore
	added := 0
	for _, m := range page {
		m = m.Clone()
		m.ConversationID = convID
		if i := t.indexOf(m.ID); i >= 0 {
			t.msgs[i] = m
			continue
		}
		if i := t.echoMatch(&m); i >= 0 {
			t.msgs[i] = m
			continue
		}
		if i := t.tentativeMatch(&m); i >= 0 {
			t.msgs[i] = m
			continue
		}
		pos := len(t.msgs)
		for i := range t.msgs {
			if t.msgs[i].CreatedAt.After(m.CreatedAt) {
				pos = i
				break
			}
		}
		t.msgs = append(t.msgs, model.Message{})
		copy(t.msgs[pos+1:], t.msgs[pos:])
		t.msgs[pos] = m
		added++
	}
	return added
}

// SetStatus updates the delivery status of an entry. It returns the updated
// message and whether it was found.
func (c *Cache) SetStatus(convID, id string, s model.DeliveryStatus) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[convID]
	if !ok {
		return model.Message{}, false
	}
	i := t.indexOf(id)
	if i < 0 {
		return model.Message{}, false
	}
	t.msgs[i].Status = s
	return t.msgs[i].Clone(), true
}

// Resend marks a tentative entry as sending again and restamps createdAt so
// the confirmation falls inside MatchWindow.
func (c *Cache) Resend(convID, id string, at time.Time) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[convID]
	if !ok {
		return model.Message{}, false
	}
	i := t.indexOf(id)
	if i < 0 || !t.msgs[i].IsTentative() {
		return model.Message{}, false
	}
	t.msgs[i].Status = model.StatusSending
	t.msgs[i].CreatedAt = at
	return t.msgs[i].Clone(), true
}

// FindTentative searches every conversation for a tentative id.
func (c *Cache) FindTentative(id string) (model.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.threads {
		if i := t.indexOf(id); i >= 0 {
			return t.msgs[i].Clone(), true
		}
	}
	return model.Message{}, false
}

// Remove deletes a message. It returns false if it was not cached.
func (c *Cache) Remove(convID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[convID]
	if !ok {
		return false
	}
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	return true
}

// MarkRead adds readerID to the readBy set of the given messages, or of
// every message in the conversation when ids is empty. It returns how many
// entries changed.
func (c *Cache) MarkRead(convID, readerID string, ids []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[convID]
	if !ok {
		return 0
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	changed := 0
	for i := range t.msgs {
		if len(want) > 0 && !want[t.msgs[i].ID] {
			continue
		}
		if t.msgs[i].AddReader(readerID) {
			changed++
		}
	}
	return changed
}

// Drop forgets a conversation entirely.
func (c *Cache) Drop(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, convID)
}

// Messages returns a copy of a conversation's messages in display order.
func (c *Cache) Messages(convID string) []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.threads[convID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(t.msgs))
	for i := range t.msgs {
		out[i] = t.msgs[i].Clone()
	}
	return out
}

// Get returns one cached message.
func (c *Cache) Get(convID, id string) (model.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.threads[convID]
	if !ok {
		return model.Message{}, false
	}
	i := t.indexOf(id)
	if i < 0 {
		return model.Message{}, false
	}
	return t.msgs[i].Clone(), true
}

// Oldest returns the earliest confirmed message, used as the paging cursor.
func (c *Cache) Oldest(convID string) (model.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.threads[convID]
	if !ok {
		return model.Message{}, false
	}
	for i := range t.msgs {
		if !t.msgs[i].IsTentative() {
			return t.msgs[i].Clone(), true
		}
	}
	return model.Message{}, false
}

// HasMore reports whether older pages remain on the server.
func (c *Cache) HasMore(convID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.threads[convID]
	return ok && t.hasMore
}

// Len returns the number of cached messages for a conversation.
func (c *Cache) Len(convID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.threads[convID]; ok {
		return len(t.msgs)
	}
	return 0
}
