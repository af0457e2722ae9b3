package hub

import (
	"sync"

	"docsync/internal/ratelimit"
)

// Client is one authenticated connection as seen by the hub. The transport
// drains Send and stops when Done is closed.
type Client struct {
	ID     string
	UserID string
	Email  string
	Role   string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// counters rate-limit the connection until it has a session
	limitMu  sync.Mutex
	counters ratelimit.Counters
}

// NewClient creates a client with an outbound queue of the given size.
func NewClient(id, userID, email, role string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:     id,
		UserID: userID,
		Email:  email,
		Role:   role,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Send is the outbound message queue.
func (c *Client) Send() <-chan []byte { return c.send }

// Done is closed when the hub wants the connection gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close signals the transport to shut the connection. Safe to call twice.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) allow(l *ratelimit.Limiter, action string) bool {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	if c.counters == nil {
		c.counters = make(ratelimit.Counters)
	}
	return l.Allow(c.counters, action)
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks; it reports false when the queue is full.
func (c *Client) enqueue(msg []byte) bool {
	if c.closed() {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
