// Package socket implements the event channel: a single long-lived WebSocket
// connection per authenticated session carrying message, typing, presence,
// and read-receipt events. The channel is presence/event-only: it replays no
// backlog on connect, so callers independently fetch current state over REST.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mercato/chat-sync/internal/metrics"
	"github.com/mercato/chat-sync/internal/protocol"
)

// ConnectionError indicates the event channel failed to establish. Live
// features degrade silently; REST-based flows remain usable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("socket: connect: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config holds event channel settings.
type Config struct {
	URL          string        // ws:// or wss:// endpoint
	DialTimeout  time.Duration // max time to establish the connection
	PingInterval time.Duration // protocol-level keepalive ping cadence
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:5000/socket",
		DialTimeout:  10 * time.Second,
		PingInterval: 25 * time.Second,
	}
}

// EventHandler receives the full raw JSON of an inbound event for flexible
// decoding. Handlers are invoked from the read loop goroutine, so they must
// not block for extended periods.
type EventHandler func(json.RawMessage)

// Client is one live event channel connection. It dispatches inbound events
// to registered handlers and provides typed emitters for the outbound
// actions. Close is safe to call multiple times.
type Client struct {
	conn   net.Conn
	userID string

	writeMu sync.Mutex // serializes outbound frames

	handlersMu sync.RWMutex
	handlers   map[string]EventHandler

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial establishes the event channel, authenticating with the bearer token.
// A keepalive pinger runs until the client is closed. Inbound dispatch does
// not begin until Start is called, so events arriving at connect time wait
// for handler registration instead of being dropped. Failure to establish
// the connection is reported as a ConnectionError; no reconnect is attempted
// beyond the transport's own behavior.
func Dial(ctx context.Context, cfg Config, token, userID string) (*Client, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	q := endpoint.Query()
	q.Set("token", token)
	q.Set("userId", userID)
	endpoint.RawQuery = q.Encode()

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	conn, _, _, err := ws.Dial(ctx, endpoint.String())
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
	}
	metrics.ChannelConnects.Inc()

	if cfg.PingInterval > 0 {
		go c.pingLoop(cfg.PingInterval)
	}
	return c, nil
}

// Start begins reading and dispatching inbound events. Call it once all
// handlers are registered; frames received between Dial and Start sit in the
// transport buffer and are delivered in order. Subsequent calls are no-ops.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// UserID returns the user id this connection was authenticated as.
func (c *Client) UserID() string { return c.userID }

// On registers a handler for a specific event type. Only one handler per
// type is supported; registering a second replaces the first. Handlers
// should be registered before events are expected, typically right after
// dialing.
func (c *Client) On(eventType string, handler EventHandler) {
	c.handlersMu.Lock()
	c.handlers[eventType] = handler
	c.handlersMu.Unlock()
}

// JoinChat subscribes this connection to a conversation's room. Joining is
// required to receive the room's newMessage events promptly.
func (c *Client) JoinChat(chatID string) error {
	return c.emit(protocol.ActionJoinChat, protocol.JoinChatAction{ChatID: chatID})
}

// LeaveChat unsubscribes this connection from a conversation's room.
func (c *Client) LeaveChat(chatID string) error {
	return c.emit(protocol.ActionLeaveChat, protocol.LeaveChatAction{ChatID: chatID})
}

// Typing announces that the user is composing in a conversation.
func (c *Client) Typing(chatID string) error {
	return c.emit(protocol.ActionTyping, protocol.TypingAction{ChatID: chatID})
}

// StopTyping announces that the user stopped composing.
func (c *Client) StopTyping(chatID string) error {
	return c.emit(protocol.ActionStopTyping, protocol.StopTypingAction{ChatID: chatID})
}

// MessageRead broadcasts a read receipt for one message to the room's peers.
func (c *Client) MessageRead(chatID, messageID string) error {
	return c.emit(protocol.ActionMessageRead, protocol.MessageReadAction{
		ChatID:    chatID,
		MessageID: messageID,
	})
}

// Done is closed when the connection has been torn down, whether by Close or
// by a read failure.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the read error that terminated the connection, or nil after an
// intentional Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Close tears the connection down. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		metrics.ChannelDisconnects.Inc()
	})
	return err
}

// emit builds a typed action frame and writes it to the connection.
func (c *Client) emit(actionType string, payload interface{}) error {
	data, err := protocol.NewClientAction(actionType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("socket: emit %s: %w", actionType, err)
	}
	return nil
}

// readLoop continuously reads event frames and dispatches them to registered
// handlers. It runs until the connection is closed or a read fails.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close; not an error.
				return
			default:
			}
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			log.Printf("socket: read failed user=%s: %v", c.userID, err)
			c.Close()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Printf("socket: malformed event user=%s: %v", c.userID, err)
			continue
		}
		metrics.EventsReceived.WithLabelValues(envelope.Type).Inc()

		c.handlersMu.RLock()
		handler, ok := c.handlers[envelope.Type]
		c.handlersMu.RUnlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}

// pingLoop sends WebSocket protocol-level ping frames (opcode 0x9) on a
// fixed cadence so intermediaries keep the idle connection alive. Client
// frames must be masked per RFC 6455.
func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewPingFrame(nil)))
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("socket: keepalive ping failed user=%s: %v", c.userID, err)
				c.Close()
				return
			}
		}
	}
}
