// Package readsync implements the read-receipt synchronizer: it detects
// unread inbound messages in the open conversation, applies an optimistic
// local read mark, persists the batch remotely, and broadcasts per-message
// read receipts to peers over the event channel.
package readsync

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mercato/chat-sync/internal/chat"
	"github.com/mercato/chat-sync/internal/metrics"
)

// Synchronizer states. A run moves Idle -> Scanning -> Marking ->
// Broadcasting and returns to Idle on completion or failure.
const (
	StateIdle         = "idle"
	StateScanning     = "scanning"
	StateMarking      = "marking"
	StateBroadcasting = "broadcasting"
)

// Remote is the persistence collaborator for read marks.
type Remote interface {
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
}

// Broadcaster emits read-receipt events to the room's peers.
type Broadcaster interface {
	MessageRead(chatID, messageID string) error
}

// Synchronizer drives the per-conversation read state machine. A single
// mutex serializes runs so overlapping triggers (log growth racing a history
// load) collapse into sequential scans; idempotent marking makes the extra
// scans harmless.
type Synchronizer struct {
	store  *chat.MessageStore
	remote Remote
	selfID string

	runMu sync.Mutex // serializes the scan-and-mark phase

	stateMu sync.Mutex
	state   string

	now func() time.Time
}

// New creates a Synchronizer marking reads on behalf of selfID.
func New(store *chat.MessageStore, remote Remote, selfID string) *Synchronizer {
	return &Synchronizer{
		store:  store,
		remote: remote,
		selfID: selfID,
		state:  StateIdle,
		now:    time.Now,
	}
}

// State returns the current state. Mostly useful for observability.
func (s *Synchronizer) State() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Sync runs one pass for the open conversation and returns the number of
// messages marked read. The local mark is applied before the remote call so
// rendering never waits on the network; remote failure is logged and the
// optimistic mark stands: read state is user-local truth and the server is
// eventually consistent. Broadcasting happens only after the server
// confirms, so peers never see a receipt the server will not eventually
// hold. A nil broadcaster (channel not connected) skips broadcasting.
func (s *Synchronizer) Sync(ctx context.Context, chatID string, emit Broadcaster) int {
	ids := s.mark(chatID)
	if len(ids) == 0 {
		return 0
	}
	s.persist(ctx, chatID, ids, emit)
	return len(ids)
}

// SyncBackground applies the optimistic local mark synchronously and leaves
// the persist and broadcast phases to a background goroutine, so callers on
// a rendering path never wait on the acknowledgement round trip. The return
// value counts the messages marked locally.
func (s *Synchronizer) SyncBackground(ctx context.Context, chatID string, emit Broadcaster) int {
	ids := s.mark(chatID)
	if len(ids) == 0 {
		return 0
	}
	go s.persist(ctx, chatID, ids, emit)
	return len(ids)
}

// mark scans for unread inbound messages and applies the local read mark.
// The scan-and-mark pair is atomic under runMu, so concurrent triggers see
// each other's marks and at most one caller obtains a non-empty batch.
func (s *Synchronizer) mark(chatID string) []string {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.setState(StateScanning)
	ids := s.store.UnreadIDs(chatID, s.selfID)
	if len(ids) == 0 {
		s.setState(StateIdle)
		return nil
	}

	s.setState(StateMarking)
	s.store.MarkRead(chatID, ids, s.selfID, s.now().UTC())
	return ids
}

// persist sends the marked batch to the server and, once confirmed,
// broadcasts per-message receipts to peers.
func (s *Synchronizer) persist(ctx context.Context, chatID string, ids []string, emit Broadcaster) {
	defer s.setState(StateIdle)

	start := time.Now()
	if err := s.remote.MarkRead(ctx, chatID, ids); err != nil {
		log.Printf("readsync: persist failed chat=%s count=%d: %v", chatID, len(ids), err)
		return
	}
	metrics.MarkReadLatency.Observe(time.Since(start).Seconds())

	s.setState(StateBroadcasting)
	if emit != nil {
		for _, id := range ids {
			if err := emit.MessageRead(chatID, id); err != nil {
				log.Printf("readsync: broadcast failed chat=%s message=%s: %v", chatID, id, err)
			}
		}
	}
}

func (s *Synchronizer) setState(state string) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}
