// Package status holds the single user-visible notification slot.
//
// At most one status is current. Posting a new status supersedes the previous
// one and re-arms the auto-clear timer; a timer that fires after being
// superseded sees a stale generation and does nothing.
package status

import (
	"sync"
	"time"
)

type Kind string

const (
	KindPending Kind = "pending"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

const (
	DefaultSuccessTTL = 2 * time.Second
	DefaultErrorTTL   = 3 * time.Second
)

// Status is the current notification.
type Status struct {
	Visible    bool      `json:"visible"`
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	Generation uint64    `json:"generation"`
	PostedAt   time.Time `json:"posted_at,omitempty"`
}

// Config sets the auto-clear delays. Pending statuses never auto-clear.
type Config struct {
	SuccessTTL time.Duration
	ErrorTTL   time.Duration
}

type Channel struct {
	mu         sync.Mutex
	current    Status
	generation uint64
	timer      *time.Timer
	successTTL time.Duration
	errorTTL   time.Duration
	onChange   func(Status)
}

func NewChannel(cfg Config) *Channel {
	if cfg.SuccessTTL <= 0 {
		cfg.SuccessTTL = DefaultSuccessTTL
	}
	if cfg.ErrorTTL <= 0 {
		cfg.ErrorTTL = DefaultErrorTTL
	}
	return &Channel{
		current:    Status{Kind: KindPending},
		successTTL: cfg.SuccessTTL,
		errorTTL:   cfg.ErrorTTL,
	}
}

// SetHook registers a callback invoked after every change, outside the lock.
func (c *Channel) SetHook(hook func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = hook
}

func (c *Channel) Pending(message string) Status { return c.Post(KindPending, message) }
func (c *Channel) Success(message string) Status { return c.Post(KindSuccess, message) }
func (c *Channel) Error(message string) Status   { return c.Post(KindError, message) }

// Post makes a new status current and arms its clear timer.
func (c *Channel) Post(kind Kind, message string) Status {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.current = Status{
		Visible:    true,
		Kind:       kind,
		Message:    message,
		Generation: gen,
		PostedAt:   time.Now().UTC(),
	}
	if ttl := c.ttlFor(kind); ttl > 0 {
		c.timer = time.AfterFunc(ttl, func() { c.clearIf(gen) })
	}
	snap := c.current
	hook := c.onChange
	c.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
	return snap
}

// Current returns the visible status, or a hidden one.
func (c *Channel) Current() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Clear hides whatever is current.
func (c *Channel) Clear() {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.clearIf(gen)
}

func (c *Channel) clearIf(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || !c.current.Visible {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.current = Status{Kind: KindPending, Generation: gen}
	snap := c.current
	hook := c.onChange
	c.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
}

func (c *Channel) ttlFor(kind Kind) time.Duration {
	switch kind {
	case KindSuccess:
		return c.successTTL
	case KindError:
		return c.errorTTL
	default:
		return 0
	}
}
