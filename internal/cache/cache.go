// Package cache persists a local snapshot of the conversation directory and
// message logs in a bbolt file, so a restarted client can render its last
// known state before any network round-trip. The cache is strictly
// best-effort: the server remains the source of truth and a fresh fetch
// always replaces the snapshot.
package cache

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/mercato/chat-sync/internal/chat"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")

	keyList = []byte("list")
)

// Snapshot is the persisted state: the conversation list in display order
// and each conversation's cached message log.
type Snapshot struct {
	Conversations []chat.Conversation
	Messages      map[string][]chat.Message
}

// Cache is a bbolt-backed snapshot store.
type Cache struct {
	db *bbolt.DB
}

// Open opens (or creates) the snapshot file at path.
func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Save replaces the persisted snapshot in a single transaction. Stale logs
// for conversations no longer present are dropped.
func (c *Cache) Save(snap Snapshot) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}

		convs, err := tx.CreateBucket(bucketConversations)
		if err != nil {
			return err
		}
		data, err := json.Marshal(snap.Conversations)
		if err != nil {
			return err
		}
		if err := convs.Put(keyList, data); err != nil {
			return err
		}

		msgs, err := tx.CreateBucket(bucketMessages)
		if err != nil {
			return err
		}
		for chatID, log := range snap.Messages {
			data, err := json.Marshal(log)
			if err != nil {
				return err
			}
			if err := msgs.Put([]byte(chatID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: save: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot. A fresh or empty file yields an empty
// snapshot, not an error.
func (c *Cache) Load() (Snapshot, error) {
	snap := Snapshot{Messages: make(map[string][]chat.Message)}

	err := c.db.View(func(tx *bbolt.Tx) error {
		if convs := tx.Bucket(bucketConversations); convs != nil {
			if data := convs.Get(keyList); data != nil {
				if err := json.Unmarshal(data, &snap.Conversations); err != nil {
					return err
				}
			}
		}

		msgs := tx.Bucket(bucketMessages)
		if msgs == nil {
			return nil
		}
		return msgs.ForEach(func(k, v []byte) error {
			var log []chat.Message
			if err := json.Unmarshal(v, &log); err != nil {
				return err
			}
			snap.Messages[string(k)] = log
			return nil
		})
	})
	if err != nil {
		return Snapshot{Messages: make(map[string][]chat.Message)}, fmt.Errorf("cache: load: %w", err)
	}
	return snap, nil
}
