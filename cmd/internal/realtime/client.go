package realtime

import (
	"errors"
	"sync"

	v1 "neighborly/shared/contracts/realtime/v1"
)

// ErrSendBackpressure reports that a client's send queue was full when a
// session-end envelope had to be enqueued.
var ErrSendBackpressure = errors.New("realtime: send queue full")

// Client represents one connected websocket session (a connection handle).
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	endReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Terminate enqueues a session-end envelope, records the reason, and shuts
// the client down. The envelope is enqueued before Close so the writer can
// drain it ahead of the connection teardown; a full queue is reported but
// never blocks termination.
func (c *Client) Terminate(env v1.Envelope, reason string) error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	if c.endReason == "" {
		c.endReason = reason
	}
	c.mu.Unlock()

	var err error
	select {
	case <-c.done:
		err = nil // already shutting down, nothing to announce
	case c.Send <- env:
	default:
		err = ErrSendBackpressure
	}

	c.Close()
	return err
}

// EndReason returns the server-initiated termination reason, if any.
func (c *Client) EndReason() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}
