// Package chat holds the client-side chat state: the data model, the
// per-conversation message store, and the conversation directory. All types
// mirror the server's wire records; field tags match the JSON the REST
// endpoints and the event channel deliver.
package chat

import "time"

// Participant is one of the two parties in a conversation.
type Participant struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Item is the purchased marketplace item a conversation may be linked to.
type Item struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
}

// ReadReceipt records that a specific user read a message at a specific time.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is a single chat message. ReadBy never contains the sender, and
// once a reader's id is present it is never removed.
type Message struct {
	ID           string        `json:"_id"`
	ChatID       string        `json:"chatId"`
	Sender       Participant   `json:"sender"`
	Text         string        `json:"text"`
	CreatedAt    time.Time     `json:"createdAt"`
	ReadBy       []string      `json:"readBy"`
	ReadReceipts []ReadReceipt `json:"readReceipts"`
}

// ReadByUser reports whether the given user id is recorded in ReadBy.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// markRead records a read by readerID at the given time. It is idempotent and
// refuses to record the sender as a reader. Returns true if anything changed.
func (m *Message) markRead(readerID string, at time.Time) bool {
	if readerID == m.Sender.ID {
		return false
	}

	changed := false
	if !m.ReadByUser(readerID) {
		m.ReadBy = append(m.ReadBy, readerID)
		changed = true
	}

	hasReceipt := false
	for _, r := range m.ReadReceipts {
		if r.UserID == readerID {
			hasReceipt = true
			break
		}
	}
	if !hasReceipt {
		m.ReadReceipts = append(m.ReadReceipts, ReadReceipt{UserID: readerID, ReadAt: at})
		changed = true
	}
	return changed
}

// clone returns a deep copy so callers can hand out snapshots without
// exposing the store's internal slices.
func (m Message) clone() Message {
	c := m
	if m.ReadBy != nil {
		c.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.ReadReceipts != nil {
		c.ReadReceipts = append([]ReadReceipt(nil), m.ReadReceipts...)
	}
	return c
}

// Conversation is a two-party messaging thread, optionally tied to a
// purchased item. Ordering within the directory is by recency.
type Conversation struct {
	ID           string        `json:"_id"`
	Participants []Participant `json:"participants"`
	Item         *Item         `json:"item,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// OtherParticipant returns the participant who is not selfID. Falls back to
// a zero Participant if the conversation record is malformed.
func (c *Conversation) OtherParticipant(selfID string) Participant {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p
		}
	}
	return Participant{}
}

func (c Conversation) clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = append([]Participant(nil), c.Participants...)
	}
	if c.Item != nil {
		item := *c.Item
		out.Item = &item
	}
	return out
}
