package view

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// TypingState is the last known typing signal from one user.
type TypingState struct {
	UserID   int64
	Username string
	Since    time.Time
}

// Typing tracks who is typing in a conversation. Signals older than the
// one already recorded for a user are ignored.
type Typing struct {
	mu    sync.Mutex
	users map[int64]TypingState
	// stopped remembers the latest stop per user so a late start is dropped.
	stopped map[int64]time.Time
}

func NewTyping() *Typing {
	return &Typing{users: make(map[int64]TypingState), stopped: make(map[int64]time.Time)}
}

// Apply records a signal and reports whether the visible state changed.
func (t *Typing) Apply(userID int64, username string, typing bool, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, active := t.users[userID]
	if active && at.Before(cur.Since) {
		return false
	}
	if stop, ok := t.stopped[userID]; ok && at.Before(stop) {
		return false
	}
	if !typing {
		t.stopped[userID] = at
		delete(t.users, userID)
		return active
	}
	t.users[userID] = TypingState{UserID: userID, Username: username, Since: at}
	return !active
}

// Prune drops users whose last start is older than maxAge at now. It
// covers stop signals that were lost on the way.
func (t *Typing) Prune(now time.Time, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, st := range t.users {
		if now.Sub(st.Since) > maxAge {
			delete(t.users, id)
			n++
		}
	}
	return n
}

// Active returns the typing users ordered by id.
func (t *Typing) Active() []TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TypingState, 0, len(t.users))
	for _, st := range t.users {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b TypingState) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}
