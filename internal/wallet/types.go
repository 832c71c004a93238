package wallet

import (
	"errors"
	"time"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventAccountChanged EventKind = "account_changed"
	EventDisconnected   EventKind = "disconnected"
	EventExpired        EventKind = "expired"
)

var (
	ErrInvalidAddress = errors.New("invalid wallet address")
	ErrNotConnected   = errors.New("wallet not connected")
)

// Connection is the wallet link of this client. Address is EIP-55 checksummed.
type Connection struct {
	ID             string    `json:"connection_id"`
	Address        string    `json:"address"`
	Status         Status    `json:"status"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Connected reports whether c carries a usable signer address.
func (c Connection) Connected() bool {
	return c.Status == StatusConnected && c.Address != ""
}

type Event struct {
	Kind       EventKind  `json:"kind"`
	Connection Connection `json:"connection"`
	Previous   string     `json:"previous_address,omitempty"`
	At         time.Time  `json:"at"`
}
