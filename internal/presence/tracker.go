// Package presence tracks which users are online and which are typing in the
// active conversation. Both sets are ephemeral: they are valid only while the
// event channel connection is live and reset to empty when it reconnects.
package presence

import "sync"

// Tracker maintains the online and typing sets. Internally each set is an
// immutable snapshot replaced wholesale on every update, so readers can hold
// a returned map without copying and without racing concurrent handlers.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
	typing map[string]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		online: map[string]struct{}{},
		typing: map[string]struct{}{},
	}
}

// SetOnline marks a user as online.
func (t *Tracker) SetOnline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.online[userID]; ok {
		return
	}
	t.online = withMember(t.online, userID)
}

// SetOffline removes a user from the online set.
func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.online[userID]; !ok {
		return
	}
	t.online = withoutMember(t.online, userID)
}

// StartTyping marks a user as composing.
func (t *Tracker) StartTyping(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.typing[userID]; ok {
		return
	}
	t.typing = withMember(t.typing, userID)
}

// StopTyping removes a user from the typing set.
func (t *Tracker) StopTyping(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.typing[userID]; !ok {
		return
	}
	t.typing = withoutMember(t.typing, userID)
}

// Reset clears both sets. Called whenever the event channel (re)connects,
// since presence state does not survive a connection.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = map[string]struct{}{}
	t.typing = map[string]struct{}{}
	t.mu.Unlock()
}

// ClearTyping empties only the typing set. Called when the active
// conversation changes, since typing state is scoped to the open room.
func (t *Tracker) ClearTyping() {
	t.mu.Lock()
	t.typing = map[string]struct{}{}
	t.mu.Unlock()
}

// IsOnline reports whether a user is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the current online set. The returned map is an immutable
// snapshot; it is never mutated after being handed out.
func (t *Tracker) Online() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// Typing returns the current typing set as an immutable snapshot.
func (t *Tracker) Typing() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.typing
}

// AnyoneTyping reports whether the typing set is non-empty.
func (t *Tracker) AnyoneTyping() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.typing) > 0
}

// withMember returns a copy of set with userID added.
func withMember(set map[string]struct{}, userID string) map[string]struct{} {
	next := make(map[string]struct{}, len(set)+1)
	for id := range set {
		next[id] = struct{}{}
	}
	next[userID] = struct{}{}
	return next
}

// withoutMember returns a copy of set with userID removed.
func withoutMember(set map[string]struct{}, userID string) map[string]struct{} {
	next := make(map[string]struct{}, len(set))
	for id := range set {
		if id != userID {
			next[id] = struct{}{}
		}
	}
	return next
}
