package socket

import (
	"context"
	"log"
	"sync"

	"github.com/mercato/chat-sync/internal/api"
)

// Manager tracks the event channel lifecycle against the credential state:
// it connects lazily once a token and user id are available, keeps at most
// one live connection per token/user pair, and tears the connection down
// when the credentials change or go away.
type Manager struct {
	cfg    Config
	tokens api.TokenSource

	mu      sync.Mutex
	current *Client
	key     string // token+user pair of the current connection
}

// NewManager creates a Manager dialing with the given config and credentials.
func NewManager(cfg Config, tokens api.TokenSource) *Manager {
	return &Manager{cfg: cfg, tokens: tokens}
}

// Ensure returns a live client for the current credentials, dialing if
// needed. If the credentials are not ready it closes any existing connection
// and returns an AuthError. If an existing connection matches the current
// token/user pair and is still live, it is reused; at most one connection
// attempt is in flight per pair at a time.
func (m *Manager) Ensure(ctx context.Context) (*Client, error) {
	token, userID, ok := m.tokens.Credentials()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ok {
		m.dropLocked()
		return nil, &api.AuthError{}
	}

	key := token + "\x00" + userID
	if m.current != nil {
		select {
		case <-m.current.Done():
			// Connection died; fall through and redial.
			m.current = nil
			m.key = ""
		default:
			if m.key == key {
				return m.current, nil
			}
			// Credentials changed: release the stale connection first.
			m.dropLocked()
		}
	}

	client, err := Dial(ctx, m.cfg, token, userID)
	if err != nil {
		return nil, err
	}
	m.current = client
	m.key = key
	return client, nil
}

// Current returns the live client, or nil if none is connected.
func (m *Manager) Current() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	select {
	case <-m.current.Done():
		return nil
	default:
		return m.current
	}
}

// Shutdown closes any live connection. Called on logout or when the
// consuming view unmounts, so server-side presence state is not leaked.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
}

func (m *Manager) dropLocked() {
	if m.current == nil {
		return
	}
	if err := m.current.Close(); err != nil {
		log.Printf("socket: close: %v", err)
	}
	m.current = nil
	m.key = ""
}
