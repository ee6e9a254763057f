// Package typing tracks who is typing in each conversation and throttles the
// local user's own typing notifications.
package typing

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTTL is how long a typing=true stays visible without a refresh.
const DefaultTTL = 4 * time.Second

// DefaultThrottle is the minimum gap between outbound typing=true events for
// one conversation.
const DefaultThrottle = 2 * time.Second

type entry struct {
	name string
	seen time.Time
}

// Tracker holds remote typing state per conversation.
type Tracker struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	convs map[string]map[string]entry
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{ttl: ttl, now: time.Now, convs: make(map[string]map[string]entry)}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Set records a typing event. It returns true when the visible set changed.
func (t *Tracker) Set(convID, userID, name string, typing bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.convs[convID]
	if !typing {
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.convs, convID)
		}
		return true
	}
	if users == nil {
		users = make(map[string]entry)
		t.convs[convID] = users
	}
	_, existed := users[userID]
	if name == "" {
		name = userID
	}
	users[userID] = entry{name: name, seen: t.now()}
	return !existed
}

// Names returns the sorted display names currently typing in convID.
func (t *Tracker) Names(convID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	var out []string
	for _, e := range t.convs[convID] {
		if e.seen.After(cutoff) {
			out = append(out, e.name)
		}
	}
	slices.Sort(out)
	return out
}

// Expire drops stale entries and returns the conversations that changed.
func (t *Tracker) Expire() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	var changed []string
	for convID, users := range t.convs {
		before := len(users)
		for id, e := range users {
			if !e.seen.After(cutoff) {
				delete(users, id)
			}
		}
		if len(users) != before {
			changed = append(changed, convID)
		}
		if len(users) == 0 {
			delete(t.convs, convID)
		}
	}
	slices.Sort(changed)
	return changed
}

// Clear forgets a conversation.
func (t *Tracker) Clear(convID string) {
	t.mu.Lock()
	delete(t.convs, convID)
	t.mu.Unlock()
}

// Throttle rate-limits outbound typing=true per conversation. typing=false
// always passes so the indicator clears promptly.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottle
	}
	return &Throttle{interval: interval, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a typing event should go out at now.
func (th *Throttle) Allow(convID string, typing bool, now time.Time) bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	if !typing {
		delete(th.limiters, convID)
		return true
	}
	l, ok := th.limiters[convID]
	if !ok {
		l = rate.NewLimiter(rate.Every(th.interval), 1)
		th.limiters[convID] = l
	}
	return l.AllowN(now, 1)
}
