package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mercato/chat-sync/internal/cache"
	"github.com/mercato/chat-sync/internal/chat"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeServer struct {
	mu          sync.Mutex
	convs       []chat.Conversation
	convsErr    error
	histories   map[string][]chat.Message
	historyErr  map[string]error
	historyGets map[string]int
	sendErr     error
	sendCount   int
	markReadErr error
	marked      [][]string

	// When set, MarkRead blocks until the channel is closed, simulating a
	// slow acknowledgement round trip.
	markReadGate chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		histories:   make(map[string][]chat.Message),
		historyErr:  make(map[string]error),
		historyGets: make(map[string]int),
	}
}

func (f *fakeServer) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convsErr != nil {
		return nil, f.convsErr
	}
	return append([]chat.Conversation(nil), f.convs...), nil
}

func (f *fakeServer) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyGets[chatID]++
	if err := f.historyErr[chatID]; err != nil {
		return nil, err
	}
	return append([]chat.Message(nil), f.histories[chatID]...), nil
}

func (f *fakeServer) SendMessage(ctx context.Context, chatID, text string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	f.sendCount++
	return chat.Message{
		ID:        "sent-1",
		ChatID:    chatID,
		Sender:    chat.Participant{ID: "u1", Name: "Me"},
		Text:      text,
		CreatedAt: t0,
	}, nil
}

func (f *fakeServer) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	f.mu.Lock()
	gate := f.markReadGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markReadErr != nil {
		return f.markReadErr
	}
	f.marked = append(f.marked, append([]string(nil), messageIDs...))
	return nil
}

func (f *fakeServer) historyFetches(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyGets[chatID]
}

func (f *fakeServer) markedBatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.marked)
}

type fakeChannel struct {
	mu      sync.Mutex
	actions []string // "join:c1", "leave:c1", "typing:c1", "stopTyping:c1", "read:c1/m1"
}

func (f *fakeChannel) record(a string) error {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) JoinChat(chatID string) error   { return f.record("join:" + chatID) }
func (f *fakeChannel) LeaveChat(chatID string) error  { return f.record("leave:" + chatID) }
func (f *fakeChannel) Typing(chatID string) error     { return f.record("typing:" + chatID) }
func (f *fakeChannel) StopTyping(chatID string) error { return f.record("stopTyping:" + chatID) }
func (f *fakeChannel) MessageRead(chatID, messageID string) error {
	return f.record("read:" + chatID + "/" + messageID)
}

func (f *fakeChannel) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeChannel) count(a string) int {
	n := 0
	for _, got := range f.recorded() {
		if got == a {
			n++
		}
	}
	return n
}

func inbound(id, chatID string, at time.Time) chat.Message {
	return chat.Message{
		ID:        id,
		ChatID:    chatID,
		Sender:    chat.Participant{ID: "u2", Name: "Ana"},
		Text:      "hello " + id,
		CreatedAt: at,
	}
}

func conv(id string, updatedAt time.Time) chat.Conversation {
	return chat.Conversation{
		ID: id,
		Participants: []chat.Participant{
			{ID: "u1", Name: "Me"},
			{ID: "u2", Name: "Ana"},
		},
		UpdatedAt: updatedAt,
	}
}

func newController(server Server) *Controller {
	return New(Config{Server: server, SelfID: "u1", TypingQuiet: 50 * time.Millisecond})
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

func TestSelectLeavesOldThenJoinsNew(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	ch := &fakeChannel{}
	ctrl.AttachChannel(ch)

	if err := ctrl.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select a: %v", err)
	}
	if err := ctrl.Select(context.Background(), "b"); err != nil {
		t.Fatalf("select b: %v", err)
	}

	if got := ch.count("leave:a"); got != 1 {
		t.Errorf("expected exactly one leave(a), got %d", got)
	}
	if got := ch.count("join:b"); got != 1 {
		t.Errorf("expected exactly one join(b), got %d", got)
	}

	// leave(a) must precede join(b).
	var leaveIdx, joinIdx int
	for i, a := range ch.recorded() {
		switch a {
		case "leave:a":
			leaveIdx = i
		case "join:b":
			joinIdx = i
		}
	}
	if leaveIdx > joinIdx {
		t.Errorf("leave(a) after join(b): %v", ch.recorded())
	}
}

func TestSelectSameConversationIsNoOp(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	ch := &fakeChannel{}
	ctrl.AttachChannel(ch)

	_ = ctrl.Select(context.Background(), "a")
	_ = ctrl.Select(context.Background(), "a")

	if got := ch.count("join:a"); got != 1 {
		t.Errorf("expected one join, got %d", got)
	}
	if got := server.historyFetches("a"); got != 1 {
		t.Errorf("expected one history fetch, got %d", got)
	}
}

func TestSelectSkipsFetchWhenCached(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	ctrl.Store().Replace("a", nil) // already loaded (empty)

	if err := ctrl.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := server.historyFetches("a"); got != 0 {
		t.Errorf("expected no fetch for cached conversation, got %d", got)
	}
}

func TestSelectSurfacesFetchError(t *testing.T) {
	server := newFakeServer()
	server.historyErr["a"] = errors.New("boom")
	ctrl := newController(server)

	if err := ctrl.Select(context.Background(), "a"); err == nil {
		t.Fatal("expected fetch error to surface")
	}
	// The selection itself stands.
	if got := ctrl.ActiveID(); got != "a" {
		t.Errorf("expected active id a, got %q", got)
	}
}

func TestSelectWithoutChannelStillLoads(t *testing.T) {
	server := newFakeServer()
	server.histories["a"] = []chat.Message{inbound("m1", "a", t0)}
	ctrl := newController(server)

	if err := ctrl.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := len(ctrl.ActiveMessages()); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}
}

func TestDeselectLeavesRoomOnce(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	ch := &fakeChannel{}
	ctrl.AttachChannel(ch)

	_ = ctrl.Select(context.Background(), "a")
	ctrl.Deselect()
	ctrl.Deselect() // second deselect must not leave again

	if got := ch.count("leave:a"); got != 1 {
		t.Errorf("expected one leave, got %d", got)
	}
	if got := ctrl.ActiveID(); got != "" {
		t.Errorf("expected no active conversation, got %q", got)
	}
}

// A reconnect hands the controller a fresh channel; the active conversation's
// room must be joined on it or live events stop arriving mid-conversation.
func TestReattachRejoinsActiveRoom(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	ch1 := &fakeChannel{}
	ctrl.AttachChannel(ch1)

	_ = ctrl.Select(context.Background(), "a")

	ctrl.DetachChannel()
	ch2 := &fakeChannel{}
	ctrl.AttachChannel(ch2)

	if got := ch2.count("join:a"); got != 1 {
		t.Fatalf("expected one join on the new channel, got %d (%v)", got, ch2.recorded())
	}
}

func TestAttachWithoutActiveConversationJoinsNothing(t *testing.T) {
	ctrl := newController(newFakeServer())
	ch := &fakeChannel{}
	ctrl.AttachChannel(ch)

	if got := len(ch.recorded()); got != 0 {
		t.Fatalf("expected no actions on attach, got %v", ch.recorded())
	}
}

// ---------------------------------------------------------------------------
// Read synchronization on open
// ---------------------------------------------------------------------------

// Opening a conversation with unread inbound messages drops the unread count
// to zero immediately, independent of remote acknowledgement: even with the
// mark-read endpoint failing, the optimistic local mark stands.
func TestOpenMarksUnreadImmediately(t *testing.T) {
	server := newFakeServer()
	server.histories["a"] = []chat.Message{
		inbound("m1", "a", t0),
		inbound("m2", "a", t0.Add(time.Second)),
		inbound("m3", "a", t0.Add(2*time.Second)),
	}
	server.convs = []chat.Conversation{conv("a", t0)}
	server.markReadErr = errors.New("ack lost")

	ctrl := newController(server)
	_ = ctrl.LoadConversations(context.Background())

	if err := ctrl.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if got := ctrl.Directory().UnreadCount("a", "u1"); got != 0 {
		t.Fatalf("expected 0 unread after open, got %d", got)
	}
}

func TestOpenBroadcastsReceiptsAfterAck(t *testing.T) {
	server := newFakeServer()
	server.histories["a"] = []chat.Message{inbound("m1", "a", t0), inbound("m2", "a", t0)}

	ctrl := newController(server)
	ch := &fakeChannel{}
	ctrl.AttachChannel(ch)

	if err := ctrl.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}

	// Persistence and broadcast run off the rendering path; poll for them.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("expected 2 receipt broadcasts, got %v", ch.recorded())
		case <-ticker.C:
			if ch.count("read:a/m1")+ch.count("read:a/m2") == 2 {
				return
			}
		}
	}
}

// Opening a conversation never waits on the mark-read acknowledgement: with
// the endpoint stalled, Select returns with the local mark already applied,
// and the persistence request completes later.
func TestOpenDoesNotWaitForReadAck(t *testing.T) {
	server := newFakeServer()
	server.histories["a"] = []chat.Message{inbound("m1", "a", t0), inbound("m2", "a", t0)}
	gate := make(chan struct{})
	server.markReadGate = gate

	ctrl := newController(server)
	start := time.Now()
	if err := ctrl.Select(context.Background(), "a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("select blocked on acknowledgement: took %v", elapsed)
	}
	if got := ctrl.Store().UnreadCount("a", "u1"); got != 0 {
		t.Fatalf("expected 0 unread before ack, got %d", got)
	}
	if server.markedBatches() != 0 {
		t.Fatal("acknowledgement arrived while the endpoint was stalled")
	}

	close(gate)
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("mark-read batch never persisted")
		case <-ticker.C:
			if server.markedBatches() == 1 {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func TestSendTrimsAndClearsDraft(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	_ = ctrl.Select(context.Background(), "a")

	ctrl.TypeKeystroke("  hello world  ")
	msg, err := ctrl.Send(context.Background(), "  hello world  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Text != "hello world" {
		t.Errorf("expected trimmed text, got %q", msg.Text)
	}
	if got := ctrl.Draft(); got != "" {
		t.Errorf("expected cleared draft, got %q", got)
	}
	if got := len(ctrl.ActiveMessages()); got != 1 {
		t.Errorf("expected sent message in log, got %d messages", got)
	}
}

func TestSendFailureKeepsDraft(t *testing.T) {
	server := newFakeServer()
	server.sendErr = errors.New("boom")
	ctrl := newController(server)
	_ = ctrl.Select(context.Background(), "a")

	ctrl.TypeKeystroke("important text")
	if _, err := ctrl.Send(context.Background(), "important text"); err == nil {
		t.Fatal("expected send error")
	}
	if got := ctrl.Draft(); got != "important text" {
		t.Errorf("draft lost on failure: %q", got)
	}
	if got := len(ctrl.ActiveMessages()); got != 0 {
		t.Errorf("failed send must not append, got %d messages", got)
	}
}

func TestSendRejectsBlankText(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	_ = ctrl.Select(context.Background(), "a")

	if _, err := ctrl.Send(context.Background(), "   \t "); err == nil {
		t.Fatal("expected validation error for blank text")
	}
	if server.sendCount != 0 {
		t.Error("blank text must not reach the server")
	}
}

func TestSendWithoutActiveConversation(t *testing.T) {
	ctrl := newController(newFakeServer())
	if _, err := ctrl.Send(context.Background(), "hi"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}
}

// The send response and its event channel echo carry the same id; the log
// must end up with one copy.
func TestSendEchoDeduplicates(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	_ = ctrl.Select(context.Background(), "a")

	msg, err := ctrl.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ctrl.HandleNewMessage(msg) // echo over the event channel

	if got := len(ctrl.ActiveMessages()); got != 1 {
		t.Fatalf("expected 1 message after echo, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Typing debounce
// ---------------------------------------------------------------------------

func TestTypingStopAfterQuietPeriod(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server) // quiet period 50ms
	ch := &fakeChannel{}
	ctrl.AttachChannel(ch)
	_ = ctrl.Select(context.Background(), "a")
	ch.mu.Lock()
	ch.actions = nil // ignore join traffic
	ch.mu.Unlock()

	// Three keystrokes inside the quiet period: stop must not fire between
	// them.
	for i := 0; i < 3; i++ {
		ctrl.TypeKeystroke("draft")
		time.Sleep(15 * time.Millisecond)
	}
	if got := ch.count("stopTyping:a"); got != 0 {
		t.Fatalf("stopTyping fired during active typing: %v", ch.recorded())
	}

	// Now stay silent past the quiet period.
	time.Sleep(150 * time.Millisecond)
	if got := ch.count("stopTyping:a"); got != 1 {
		t.Fatalf("expected exactly one stopTyping, got %d (%v)", got, ch.recorded())
	}
	if got := ch.count("typing:a"); got != 3 {
		t.Errorf("expected 3 typing emissions, got %d", got)
	}
}

func TestTypingWithoutChannelIsSafe(t *testing.T) {
	ctrl := newController(newFakeServer())
	ctrl.TypeKeystroke("no channel, no room")
	if got := ctrl.Draft(); got != "no channel, no room" {
		t.Errorf("draft not recorded: %q", got)
	}
}

// ---------------------------------------------------------------------------
// Event handling
// ---------------------------------------------------------------------------

func TestNewMessageMovesConversationToFront(t *testing.T) {
	server := newFakeServer()
	server.convs = []chat.Conversation{
		conv("a", t0),
		conv("b", t0.Add(time.Hour)), // more recent than a
	}
	ctrl := newController(server)
	_ = ctrl.LoadConversations(context.Background())

	ctrl.HandleNewMessage(inbound("m1", "a", t0.Add(2*time.Hour)))

	list := ctrl.Directory().List()
	if list[0].ID != "a" {
		t.Fatalf("expected a at front, got %s", list[0].ID)
	}
}

func TestDuplicateEventDoesNotRetouch(t *testing.T) {
	server := newFakeServer()
	server.convs = []chat.Conversation{conv("a", t0), conv("b", t0)}
	ctrl := newController(server)
	_ = ctrl.LoadConversations(context.Background())

	m := inbound("m1", "b", t0)
	ctrl.HandleNewMessage(m)
	first := ctrl.Directory().List()[0].UpdatedAt

	time.Sleep(5 * time.Millisecond)
	ctrl.HandleNewMessage(m) // duplicate delivery

	if got := ctrl.Directory().List()[0].UpdatedAt; !got.Equal(first) {
		t.Error("duplicate event re-touched the conversation")
	}
	if got := ctrl.Store().Len("b"); got != 1 {
		t.Errorf("expected 1 stored message, got %d", got)
	}
}

func TestNewMessageForActiveChatSyncsReads(t *testing.T) {
	server := newFakeServer()
	server.histories["a"] = nil
	ctrl := newController(server)
	_ = ctrl.Select(context.Background(), "a")

	ctrl.HandleNewMessage(inbound("m1", "a", t0))

	// The read sync runs asynchronously; poll briefly.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("message in open conversation never marked read")
		case <-ticker.C:
			if ctrl.Store().UnreadCount("a", "u1") == 0 {
				return
			}
		}
	}
}

func TestTypingEventsScopedToActiveChat(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	_ = ctrl.Select(context.Background(), "a")

	ctrl.HandleTyping("other", "u2")
	if ctrl.Presence().AnyoneTyping() {
		t.Fatal("typing recorded for inactive conversation")
	}

	ctrl.HandleTyping("a", "u2")
	if !ctrl.Presence().AnyoneTyping() {
		t.Fatal("typing not recorded for active conversation")
	}

	ctrl.HandleStopTyping("a", "u2")
	if ctrl.Presence().AnyoneTyping() {
		t.Fatal("stop-typing not applied")
	}
}

func TestPresenceEvents(t *testing.T) {
	ctrl := newController(newFakeServer())

	ctrl.HandleUserOnline("u2")
	if !ctrl.Presence().IsOnline("u2") {
		t.Fatal("user not marked online")
	}
	ctrl.HandleUserOffline("u2")
	if ctrl.Presence().IsOnline("u2") {
		t.Fatal("user not marked offline")
	}
}

func TestPeerReadReceiptApplied(t *testing.T) {
	server := newFakeServer()
	ctrl := newController(server)
	ctrl.Store().Replace("a", []chat.Message{
		{ID: "m1", ChatID: "a", Sender: chat.Participant{ID: "u1"}, Text: "mine", CreatedAt: t0},
	})

	ctrl.HandleMessageRead("m1", "u2", t0.Add(time.Minute))

	if !ctrl.Store().Messages("a")[0].ReadByUser("u2") {
		t.Fatal("peer read receipt not applied")
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadConversationsErrorSurfaced(t *testing.T) {
	server := newFakeServer()
	server.convsErr = errors.New("boom")
	ctrl := newController(server)

	if err := ctrl.LoadConversations(context.Background()); err == nil {
		t.Fatal("expected error to surface")
	}
}

func TestPrefetchHistories(t *testing.T) {
	server := newFakeServer()
	server.convs = []chat.Conversation{conv("a", t0), conv("b", t0), conv("c", t0)}
	server.histories["a"] = []chat.Message{inbound("m1", "a", t0)}
	server.histories["b"] = []chat.Message{inbound("m2", "b", t0), inbound("m3", "b", t0)}
	server.historyErr["c"] = errors.New("boom")

	ctrl := newController(server)
	_ = ctrl.LoadConversations(context.Background())
	ctrl.PrefetchHistories(context.Background())

	if got := ctrl.Store().Len("a"); got != 1 {
		t.Errorf("chat a: expected 1 message, got %d", got)
	}
	if got := ctrl.Store().Len("b"); got != 2 {
		t.Errorf("chat b: expected 2 messages, got %d", got)
	}
	// The failed fetch leaves an empty but known log, so previews and
	// unread counts stay computable.
	if !ctrl.Store().Known("c") {
		t.Error("chat c: failed prefetch should cache an empty log")
	}
	if got := ctrl.Directory().UnreadCount("b", "u1"); got != 2 {
		t.Errorf("chat b: expected 2 unread, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Snapshot cache
// ---------------------------------------------------------------------------

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	snaps, err := cache.Open(path)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer snaps.Close()

	server := newFakeServer()
	server.convs = []chat.Conversation{conv("a", t0)}
	server.histories["a"] = []chat.Message{inbound("m1", "a", t0)}

	ctrl := New(Config{Server: server, SelfID: "u1", Cache: snaps})
	_ = ctrl.LoadConversations(context.Background())
	ctrl.PrefetchHistories(context.Background())
	ctrl.SaveSnapshot()

	// A fresh controller over the same cache starts from the persisted state.
	restored := New(Config{Server: newFakeServer(), SelfID: "u1", Cache: snaps})
	restored.RestoreSnapshot()

	if got := restored.Directory().Len(); got != 1 {
		t.Fatalf("expected 1 restored conversation, got %d", got)
	}
	if got := restored.Store().Len("a"); got != 1 {
		t.Fatalf("expected 1 restored message, got %d", got)
	}
}
