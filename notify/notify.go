// Package notify keeps a small bounded queue of user-visible notifications.
// Each notification expires on its own timer; overflow drops the oldest.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind int

const (
	Info Kind = iota
	Success
	Warning
	Error
)

func (k Kind) String() string {
	switch k {
	case Info:
		return "info"
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

const (
	DefaultMax = 5
	DefaultTTL = 4 * time.Second
)

type Notification struct {
	ID        string
	Kind      Kind
	Message   string
	CreatedAt time.Time
	TTL       time.Duration
}

type expiry struct {
	gen uint64
	t   *time.Timer
}

// Sink is anything that accepts notifications. *Center satisfies it.
type Sink interface {
	Push(n Notification) Notification
}

// Center is safe for concurrent use. Subscribers are called with a snapshot
// after every change, outside the lock. Handlers must not block.
type Center struct {
	max int
	ttl time.Duration

	mu     sync.Mutex
	queue  []Notification // oldest first
	timers map[string]expiry
	gen    uint64
	subs   []func([]Notification)
	closed bool

	notifyMu sync.Mutex // serializes subscriber delivery
	onPush   func(Notification)
}

func New(limit int, ttl time.Duration) *Center {
	if limit <= 0 {
		limit = DefaultMax
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Center{max: limit, ttl: ttl, timers: make(map[string]expiry)}
}

// OnPush installs a hook called for every accepted notification. Used for
// logging and metrics.
func (c *Center) OnPush(fn func(Notification)) {
	c.mu.Lock()
	c.onPush = fn
	c.mu.Unlock()
}

// Push enqueues n, filling in ID, CreatedAt and TTL when unset, and returns
// the stored notification. After Close it is a no-op.
func (c *Center) Push(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.TTL <= 0 {
		n.TTL = c.ttl
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return n
	}
	if _, dup := c.timers[n.ID]; dup {
		c.removeLocked(n.ID)
	}
	for len(c.queue) >= c.max {
		c.removeLocked(c.queue[0].ID)
	}
	c.queue = append(c.queue, n)
	id := n.ID
	c.gen++
	gen := c.gen
	c.timers[id] = expiry{gen: gen, t: time.AfterFunc(n.TTL, func() { c.expire(id, gen) })}
	onPush := c.onPush
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	if onPush != nil {
		onPush(n)
	}
	c.publish(snap, subs)
	return n
}

func (c *Center) Info(msg string) Notification    { return c.Push(Notification{Kind: Info, Message: msg}) }
func (c *Center) Success(msg string) Notification { return c.Push(Notification{Kind: Success, Message: msg}) }
func (c *Center) Warn(msg string) Notification    { return c.Push(Notification{Kind: Warning, Message: msg}) }
func (c *Center) Error(msg string) Notification   { return c.Push(Notification{Kind: Error, Message: msg}) }

// Dismiss removes the notification with id. It reports whether it was queued.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	if !c.removeLocked(id) {
		c.mu.Unlock()
		return false
	}
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap, subs)
	return true
}

// expire dismisses id if it is still the entry the timer was armed for. A
// timer that fired while the id was being re-pushed finds a newer gen.
func (c *Center) expire(id string, gen uint64) bool {
	c.mu.Lock()
	if e, ok := c.timers[id]; !ok || e.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(id)
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap, subs)
	return true
}

// List returns the queued notifications, newest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, _ := c.snapshotLocked()
	return snap
}

func (c *Center) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Center) Subscribe(fn func([]Notification)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// Close stops every pending timer and empties the queue.
func (c *Center) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, e := range c.timers {
		e.t.Stop()
		delete(c.timers, id)
	}
	c.queue = nil
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap, subs)
}

// pendingTimers is for tests.
func (c *Center) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Center) removeLocked(id string) bool {
	e, ok := c.timers[id]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(c.timers, id)
	for i, n := range c.queue {
		if n.ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	return true
}

func (c *Center) snapshotLocked() ([]Notification, []func([]Notification)) {
	out := make([]Notification, len(c.queue))
	for i, n := range c.queue {
		out[len(c.queue)-1-i] = n
	}
	return out, c.subs
}

func (c *Center) publish(snap []Notification, subs []func([]Notification)) {
	if len(subs) == 0 {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
