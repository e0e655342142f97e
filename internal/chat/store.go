package chat

import (
	"sort"
	"sync"
	"time"
)

// MessageStore keeps the cached message log for every known conversation.
// It is goroutine-safe: fetch completions and event-channel handlers mutate
// it concurrently, so every mutation is a read-modify-write under the lock
// and every query returns a detached snapshot.
//
// Appends are idempotent by message id: the same message arriving via a
// history fetch and a live event converges to one stored copy regardless of
// arrival order. Read marks are monotonic: once recorded for a reader they
// are only removed by a full log replace.
type MessageStore struct {
	mu   sync.RWMutex
	logs map[string][]Message            // chat id -> messages, insertion order
	ids  map[string]map[string]struct{}  // chat id -> set of message ids
}

// NewMessageStore creates an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		logs: make(map[string][]Message),
		ids:  make(map[string]map[string]struct{}),
	}
}

// Replace swaps the cached log for a conversation with a freshly fetched
// history. Duplicate ids within the input are dropped, keeping the first
// occurrence. The conversation is considered known afterwards even if the
// history is empty.
func (s *MessageStore) Replace(chatID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := make([]Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		log = append(log, m.clone())
	}
	s.logs[chatID] = log
	s.ids[chatID] = seen
}

// Append inserts a message into its conversation's log unless a message with
// the same id is already present. Returns true if the message was inserted.
func (s *MessageStore) Append(chatID string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.ids[chatID]
	if !ok {
		set = make(map[string]struct{})
		s.ids[chatID] = set
	}
	if _, dup := set[msg.ID]; dup {
		return false
	}
	set[msg.ID] = struct{}{}
	s.logs[chatID] = append(s.logs[chatID], msg.clone())
	return true
}

// MarkRead records readerID as having read each named message at the given
// time. Messages not present in the log are skipped. Idempotent; returns the
// number of messages whose read state actually changed.
func (s *MessageStore) MarkRead(chatID string, messageIDs []string, readerID string, at time.Time) int {
	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	log := s.logs[chatID]
	for i := range log {
		if _, ok := wanted[log[i].ID]; !ok {
			continue
		}
		if log[i].markRead(readerID, at) {
			changed++
		}
	}
	return changed
}

// MarkReadEverywhere applies a read mark for a single message id across all
// cached logs. Used for inbound read-receipt events, which identify the
// message but may concern any conversation the user has cached.
func (s *MessageStore) MarkReadEverywhere(messageID, readerID string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for chatID := range s.logs {
		log := s.logs[chatID]
		for i := range log {
			if log[i].ID != messageID {
				continue
			}
			if log[i].markRead(readerID, at) {
				changed++
			}
		}
	}
	return changed
}

// Messages returns the conversation's log ordered by creation time ascending.
// Display order is recomputed here rather than assumed from insertion order,
// because fetch loads and event appends interleave out of chronological
// arrival order. The returned slice is a detached copy.
func (s *MessageStore) Messages(chatID string) []Message {
	s.mu.RLock()
	log := s.logs[chatID]
	out := make([]Message, 0, len(log))
	for _, m := range log {
		out = append(out, m.clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Last returns the most recent message by creation time, if any.
func (s *MessageStore) Last(chatID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[chatID]
	if len(log) == 0 {
		return Message{}, false
	}
	last := log[0]
	for _, m := range log[1:] {
		if !m.CreatedAt.Before(last.CreatedAt) {
			last = m
		}
	}
	return last.clone(), true
}

// Len returns the number of cached messages for a conversation.
func (s *MessageStore) Len(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[chatID])
}

// Known reports whether a log has been cached for the conversation, which
// distinguishes "loaded and empty" from "never loaded".
func (s *MessageStore) Known(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logs[chatID]
	return ok
}

// UnreadIDs returns the ids of inbound messages selfID has not read yet,
// in log order.
func (s *MessageStore) UnreadIDs(chatID, selfID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for i := range s.logs[chatID] {
		m := &s.logs[chatID][i]
		if m.Sender.ID != selfID && !m.ReadByUser(selfID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// UnreadCount returns the number of inbound messages selfID has not read.
func (s *MessageStore) UnreadCount(chatID, selfID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for i := range s.logs[chatID] {
		m := &s.logs[chatID][i]
		if m.Sender.ID != selfID && !m.ReadByUser(selfID) {
			count++
		}
	}
	return count
}

// Snapshot returns a copy of every cached log, keyed by conversation id.
func (s *MessageStore) Snapshot() map[string][]Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Message, len(s.logs))
	for chatID, log := range s.logs {
		msgs := make([]Message, 0, len(log))
		for _, m := range log {
			msgs = append(msgs, m.clone())
		}
		out[chatID] = msgs
	}
	return out
}
