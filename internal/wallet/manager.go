// Package wallet tracks the single signer account this client acts for.
package wallet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Manager struct {
	mu                sync.RWMutex
	conn              Connection
	inactivityTimeout time.Duration
	subscribers       map[int]chan Event
	nextSubID         int
	now               func() time.Time
}

// NewManager returns a disconnected manager. A non-positive inactivityTimeout
// disables idle expiry.
func NewManager(inactivityTimeout time.Duration) *Manager {
	return &Manager{
		conn:              Connection{Status: StatusDisconnected},
		inactivityTimeout: inactivityTimeout,
		subscribers:       make(map[int]chan Event),
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Connect links address. Reconnecting the same account only refreshes
// activity; a different account replaces the current one.
func (m *Manager) Connect(address string) (Connection, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return Connection{}, ErrInvalidAddress
	}
	checksummed := common.HexToAddress(address).Hex()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn.Connected() && m.conn.Address == checksummed {
		m.conn.LastActivityAt = now
		return m.conn, nil
	}

	prev := ""
	kind := EventConnected
	if m.conn.Connected() {
		prev = m.conn.Address
		kind = EventAccountChanged
	}
	m.conn = Connection{
		ID:             uuid.NewString(),
		Address:        checksummed,
		Status:         StatusConnected,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	m.publishLocked(Event{Kind: kind, Connection: m.conn, Previous: prev, At: now})
	return m.conn, nil
}

func (m *Manager) Disconnect() (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.conn.Connected() {
		return Connection{}, ErrNotConnected
	}
	return m.endLocked(EventDisconnected), nil
}

func (m *Manager) Current() Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Address is the connected account, or "" when disconnected.
func (m *Manager) Address() string {
	c := m.Current()
	if !c.Connected() {
		return ""
	}
	return c.Address
}

func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn.Connected() {
		m.conn.LastActivityAt = m.now()
	}
}

func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if m.inactivityTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.conn.Connected() {
		return
	}
	if m.now().Sub(m.conn.LastActivityAt) < m.inactivityTimeout {
		return
	}
	m.endLocked(EventExpired)
}

func (m *Manager) endLocked(kind EventKind) Connection {
	now := m.now()
	ended := m.conn
	ended.Status = StatusDisconnected
	ended.LastActivityAt = now
	m.conn = Connection{Status: StatusDisconnected}
	m.publishLocked(Event{Kind: kind, Connection: ended, Previous: ended.Address, At: now})
	return ended
}

func (m *Manager) publishLocked(evt Event) {
	for _, ch := range m.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
