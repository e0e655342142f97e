package chat

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// PreviewLimit is the maximum number of characters in a conversation
	// preview before truncation.
	PreviewLimit = 30

	// EmptyPreview is shown for conversations with no cached messages.
	EmptyPreview = "No messages yet"
)

// Directory is the ordered list of conversations for the signed-in user.
// Previews and unread counts are derived from the message store's cached
// logs, so the list can render without opening each conversation.
type Directory struct {
	mu    sync.RWMutex
	convs []Conversation
	store *MessageStore
}

// NewDirectory creates a Directory deriving previews and unread counts from
// the given message store.
func NewDirectory(store *MessageStore) *Directory {
	return &Directory{store: store}
}

// Replace swaps the conversation list with a freshly fetched one, preserving
// the server's ordering.
func (d *Directory) Replace(convs []Conversation) {
	list := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		list = append(list, c.clone())
	}

	d.mu.Lock()
	d.convs = list
	d.mu.Unlock()
}

// List returns a snapshot of the conversations in display order.
func (d *Directory) List() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, c.clone())
	}
	return out
}

// Get returns the conversation with the given id, if known.
func (d *Directory) Get(chatID string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, c := range d.convs {
		if c.ID == chatID {
			return c.clone(), true
		}
	}
	return Conversation{}, false
}

// Len returns the number of known conversations.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.convs)
}

// Touch moves the named conversation to the front of the list and stamps its
// last activity. A no-op returning false if the id is not known locally,
// which is acceptable for events about conversations not yet fetched.
func (d *Directory) Touch(chatID string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i, c := range d.convs {
		if c.ID == chatID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}

	conv := d.convs[idx]
	conv.UpdatedAt = at
	d.convs = append(d.convs[:idx], d.convs[idx+1:]...)
	d.convs = append([]Conversation{conv}, d.convs...)
	return true
}

// LastMessagePreview returns the body of the most recent cached message,
// truncated to PreviewLimit characters with an ellipsis marker, or
// EmptyPreview if the log is empty.
func (d *Directory) LastMessagePreview(chatID string) string {
	last, ok := d.store.Last(chatID)
	if !ok {
		return EmptyPreview
	}
	text := last.Text
	if utf8.RuneCountInString(text) <= PreviewLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLimit]) + "..."
}

// UnreadCount returns the number of cached messages in the conversation that
// were sent by someone else and not yet read by selfID.
func (d *Directory) UnreadCount(chatID, selfID string) int {
	return d.store.UnreadCount(chatID, selfID)
}

// FilterByPeer returns the conversations whose other participant's display
// name contains the query, case-insensitively. An empty query matches all.
func (d *Directory) FilterByPeer(selfID, query string) []Conversation {
	query = strings.ToLower(query)

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		peer := c.OtherParticipant(selfID)
		if query == "" || strings.Contains(strings.ToLower(peer.Name), query) {
			out = append(out, c.clone())
		}
	}
	return out
}
