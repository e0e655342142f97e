// Package session implements the chat session controller: it owns which
// conversation is active, wires event channel traffic into the shared state,
// and exposes the outbound actions (send message, typing) to the surrounding
// application. At most one conversation is active at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mercato/chat-sync/internal/cache"
	"github.com/mercato/chat-sync/internal/chat"
	"github.com/mercato/chat-sync/internal/metrics"
	"github.com/mercato/chat-sync/internal/presence"
	"github.com/mercato/chat-sync/internal/readsync"
)

// ErrNoActiveConversation is returned by outbound actions that require an
// open conversation.
var ErrNoActiveConversation = errors.New("session: no active conversation")

// DefaultTypingQuiet is the silence period after the last keystroke before a
// stop-typing action is emitted.
const DefaultTypingQuiet = 1 * time.Second

// Server is the REST collaborator surface the controller consumes.
type Server interface {
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	Messages(ctx context.Context, chatID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, chatID, text string) (chat.Message, error)
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
}

// Channel is the outbound surface of the event channel. It is nil until a
// connection is attached; live features degrade silently without one.
type Channel interface {
	JoinChat(chatID string) error
	LeaveChat(chatID string) error
	Typing(chatID string) error
	StopTyping(chatID string) error
	MessageRead(chatID, messageID string) error
}

// Config holds controller dependencies.
type Config struct {
	Server      Server
	SelfID      string
	TypingQuiet time.Duration // defaults to DefaultTypingQuiet
	Cache       *cache.Cache  // optional local snapshot cache
}

// Controller orchestrates the message store, conversation directory,
// presence tracker, and read-receipt synchronizer. Shared state is mutated
// only through the stores' operations, each a read-modify-write against the
// latest value, so fetch completions and event handlers can interleave
// without lost updates.
type Controller struct {
	server Server
	selfID string
	snaps  *cache.Cache

	store *chat.MessageStore
	dir   *chat.Directory
	pres  *presence.Tracker
	reads *readsync.Synchronizer

	typingQuiet time.Duration
	now         func() time.Time

	mu          sync.Mutex
	activeID    string
	draft       string
	typingTimer *time.Timer
	channel     Channel
}

// New creates a Controller with empty state.
func New(cfg Config) *Controller {
	store := chat.NewMessageStore()
	quiet := cfg.TypingQuiet
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	return &Controller{
		server:      cfg.Server,
		selfID:      cfg.SelfID,
		snaps:       cfg.Cache,
		store:       store,
		dir:         chat.NewDirectory(store),
		pres:        presence.NewTracker(),
		reads:       readsync.New(store, cfg.Server, cfg.SelfID),
		typingQuiet: quiet,
		now:         time.Now,
	}
}

// Store returns the shared message store.
func (c *Controller) Store() *chat.MessageStore { return c.store }

// Directory returns the shared conversation directory.
func (c *Controller) Directory() *chat.Directory { return c.dir }

// Presence returns the online/typing tracker.
func (c *Controller) Presence() *presence.Tracker { return c.pres }

// SelfID returns the signed-in user's id.
func (c *Controller) SelfID() string { return c.selfID }

// AttachChannel installs the event channel's outbound surface and resets
// presence state, which does not survive a (re)connection. If a conversation
// is active its room is joined on the new connection, so live events keep
// flowing across a reconnect.
func (c *Controller) AttachChannel(ch Channel) {
	c.mu.Lock()
	c.channel = ch
	active := c.activeID
	c.mu.Unlock()
	c.pres.Reset()

	if ch != nil && active != "" {
		if err := ch.JoinChat(active); err != nil {
			log.Printf("session: rejoin chat=%s: %v", active, err)
		}
	}
}

// DetachChannel clears the outbound surface after the connection is gone.
func (c *Controller) DetachChannel() {
	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()
	c.pres.Reset()
}

// RestoreSnapshot loads the last persisted state from the local cache, if
// one is configured. Best-effort: failures are logged and the controller
// starts empty.
func (c *Controller) RestoreSnapshot() {
	if c.snaps == nil {
		return
	}
	snap, err := c.snaps.Load()
	if err != nil {
		log.Printf("session: snapshot restore failed: %v", err)
		return
	}
	c.dir.Replace(snap.Conversations)
	for chatID, msgs := range snap.Messages {
		c.store.Replace(chatID, msgs)
	}
	c.updateUnreadGauge()
}

// SaveSnapshot persists the current directory and logs to the local cache.
// Best-effort: failures are logged only.
func (c *Controller) SaveSnapshot() {
	if c.snaps == nil {
		return
	}
	snap := cache.Snapshot{
		Conversations: c.dir.List(),
		Messages:      c.store.Snapshot(),
	}
	if err := c.snaps.Save(snap); err != nil {
		log.Printf("session: snapshot save failed: %v", err)
	}
}

// LoadConversations fetches the conversation list and replaces the
// directory. The error is surfaced to the caller; on failure the previously
// cached list keeps rendering.
func (c *Controller) LoadConversations(ctx context.Context) error {
	convs, err := c.server.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("session: load conversations: %w", err)
	}
	c.dir.Replace(convs)
	return nil
}

// PrefetchHistories loads every known conversation's message history, one
// concurrent request per conversation, merging results as they resolve.
// Per-conversation failures are logged and leave that log cached empty so
// previews and unread counts stay computable. The active conversation's
// reads are synchronized once all loads settle.
func (c *Controller) PrefetchHistories(ctx context.Context) {
	convs := c.dir.List()

	var wg sync.WaitGroup
	for _, conv := range convs {
		wg.Add(1)
		go func(chatID string) {
			defer wg.Done()
			msgs, err := c.server.Messages(ctx, chatID)
			if err != nil {
				log.Printf("session: prefetch chat=%s: %v", chatID, err)
				c.store.Replace(chatID, nil)
				return
			}
			c.store.Replace(chatID, msgs)
		}(conv.ID)
	}
	wg.Wait()

	c.updateUnreadGauge()
	c.SaveSnapshot()
	c.SyncReads(ctx)
}

// Select makes chatID the active conversation. The previous room is left
// before the new one is joined, exactly one leave and one join per switch.
// The history is fetched only if not already cached; a fetch error is
// surfaced but the selection stands, with the previously cached (possibly
// empty) log still rendering. Selecting the already-active conversation is
// a no-op.
func (c *Controller) Select(ctx context.Context, chatID string) error {
	c.mu.Lock()
	if chatID == c.activeID {
		c.mu.Unlock()
		return nil
	}
	prev := c.activeID
	c.activeID = chatID
	c.stopTypingTimerLocked()
	ch := c.channel
	c.mu.Unlock()

	c.pres.ClearTyping()

	if ch != nil {
		if prev != "" {
			if err := ch.LeaveChat(prev); err != nil {
				log.Printf("session: leave chat=%s: %v", prev, err)
			}
		}
		if err := ch.JoinChat(chatID); err != nil {
			log.Printf("session: join chat=%s: %v", chatID, err)
		}
	}

	if !c.store.Known(chatID) {
		msgs, err := c.server.Messages(ctx, chatID)
		if err != nil {
			return fmt.Errorf("session: load messages chat=%s: %w", chatID, err)
		}
		// Apply to the conversation's cached log unconditionally; even if
		// the selection has moved on by now, the data is still valid there.
		c.store.Replace(chatID, msgs)
	}

	c.syncReadsBackground()
	return nil
}

// Deselect closes the active conversation: the room is left and outbound
// typing state is cancelled. Called when the conversation view closes or the
// session view unmounts.
func (c *Controller) Deselect() {
	c.mu.Lock()
	prev := c.activeID
	c.activeID = ""
	c.stopTypingTimerLocked()
	ch := c.channel
	c.mu.Unlock()

	c.pres.ClearTyping()

	if ch != nil && prev != "" {
		if err := ch.LeaveChat(prev); err != nil {
			log.Printf("session: leave chat=%s: %v", prev, err)
		}
	}
}

// ActiveID returns the active conversation id, or "".
func (c *Controller) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Active returns the active conversation's directory record, if any.
func (c *Controller) Active() (chat.Conversation, bool) {
	c.mu.Lock()
	id := c.activeID
	c.mu.Unlock()
	if id == "" {
		return chat.Conversation{}, false
	}
	return c.dir.Get(id)
}

// ActiveMessages returns the active conversation's log in display order.
func (c *Controller) ActiveMessages() []chat.Message {
	c.mu.Lock()
	id := c.activeID
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	return c.store.Messages(id)
}

// Draft returns the current input draft.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// TypeKeystroke records the input draft and emits the typing indicator: a
// typing action immediately, and a stop-typing action after the quiet period
// elapses with no further keystrokes. Every keystroke resets the timer.
func (c *Controller) TypeKeystroke(text string) {
	c.mu.Lock()
	c.draft = text
	ch := c.channel
	chatID := c.activeID
	if ch == nil || chatID == "" {
		c.mu.Unlock()
		return
	}
	c.stopTypingTimerLocked()
	c.typingTimer = time.AfterFunc(c.typingQuiet, func() {
		if err := ch.StopTyping(chatID); err != nil {
			log.Printf("session: stop typing chat=%s: %v", chatID, err)
		}
	})
	c.mu.Unlock()

	if err := ch.Typing(chatID); err != nil {
		log.Printf("session: typing chat=%s: %v", chatID, err)
	}
}

// Send posts the trimmed text to the active conversation. On success the
// created message merges into the log (deduplicated with its event channel
// echo) and the draft clears. On failure the draft is left untouched for
// retry and the error is surfaced; there is no automatic retry.
func (c *Controller) Send(ctx context.Context, text string) (chat.Message, error) {
	c.mu.Lock()
	chatID := c.activeID
	c.mu.Unlock()
	if chatID == "" {
		return chat.Message{}, ErrNoActiveConversation
	}

	trimmed := strings.TrimSpace(text)
	if err := chat.ValidateText(trimmed); err != nil {
		return chat.Message{}, fmt.Errorf("session: send: %w", err)
	}

	msg, err := c.server.SendMessage(ctx, chatID, trimmed)
	if err != nil {
		log.Printf("session: send failed chat=%s: %v", chatID, err)
		return chat.Message{}, fmt.Errorf("session: send: %w", err)
	}

	metrics.MessagesSent.Inc()
	c.store.Append(msg.ChatID, msg)
	c.dir.Touch(msg.ChatID, c.now())

	c.mu.Lock()
	c.draft = ""
	c.mu.Unlock()
	return msg, nil
}

// SyncReads runs one read-receipt synchronization pass for the active
// conversation and returns the number of messages marked. Unread inbound
// messages are marked locally first, so the count drops to zero immediately
// on open, independent of remote acknowledgement latency.
func (c *Controller) SyncReads(ctx context.Context) int {
	c.mu.Lock()
	chatID := c.activeID
	ch := c.channel
	c.mu.Unlock()
	if chatID == "" {
		return 0
	}

	n := c.reads.Sync(ctx, chatID, ch)
	if n > 0 {
		c.updateUnreadGauge()
	}
	return n
}

// syncReadsBackground applies the optimistic local mark for the active
// conversation immediately and leaves persistence and broadcast to the
// synchronizer's background phase, so opening a conversation and handling
// inbound events never wait on the acknowledgement round trip.
func (c *Controller) syncReadsBackground() int {
	c.mu.Lock()
	chatID := c.activeID
	ch := c.channel
	c.mu.Unlock()
	if chatID == "" {
		return 0
	}

	n := c.reads.SyncBackground(context.Background(), chatID, ch)
	if n > 0 {
		c.updateUnreadGauge()
	}
	return n
}

// HandleNewMessage merges an inbound message event: dedup by id, move the
// owning conversation to the front, and synchronize reads if it landed in
// the open conversation. Duplicate deliveries (fetch racing the event
// channel) are dropped here.
func (c *Controller) HandleNewMessage(msg chat.Message) {
	if !c.store.Append(msg.ChatID, msg) {
		return
	}
	c.dir.Touch(msg.ChatID, c.now())
	c.updateUnreadGauge()

	c.mu.Lock()
	active := c.activeID
	c.mu.Unlock()
	if msg.ChatID == active {
		c.syncReadsBackground()
	}
	go c.SaveSnapshot()
}

// HandleTyping records a peer composing in the active conversation. Events
// for other rooms are ignored.
func (c *Controller) HandleTyping(chatID, userID string) {
	if chatID != c.ActiveID() {
		return
	}
	c.pres.StartTyping(userID)
}

// HandleStopTyping clears a peer's typing state.
func (c *Controller) HandleStopTyping(chatID, userID string) {
	c.pres.StopTyping(userID)
}

// HandleUserOnline records a peer coming online.
func (c *Controller) HandleUserOnline(userID string) {
	c.pres.SetOnline(userID)
}

// HandleUserOffline records a peer going offline.
func (c *Controller) HandleUserOffline(userID string) {
	c.pres.SetOffline(userID)
}

// HandleMessageRead applies a peer's read receipt to every cached copy of
// the message. Read marks are monotonic, so replays are harmless.
func (c *Controller) HandleMessageRead(messageID, readerID string, at time.Time) {
	c.store.MarkReadEverywhere(messageID, readerID, at)
}

// Teardown releases the active room and flushes the snapshot cache. The
// event channel itself is closed by its manager.
func (c *Controller) Teardown() {
	c.Deselect()
	c.SaveSnapshot()
}

// updateUnreadGauge recomputes the unread total across all conversations.
func (c *Controller) updateUnreadGauge() {
	total := 0
	for _, conv := range c.dir.List() {
		total += c.store.UnreadCount(conv.ID, c.selfID)
	}
	metrics.UnreadMessages.Set(float64(total))
}

// stopTypingTimerLocked cancels any pending stop-typing emission. Caller
// holds c.mu.
func (c *Controller) stopTypingTimerLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}
