// ABOUTME: One live transport connection: auth state, send queue, rate window.
// ABOUTME: Writes are serialized through a buffered channel drained by a write loop.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/deskrouter/internal/wire"
)

// ErrConnClosed indicates a send on a connection that already shut down.
var ErrConnClosed = errors.New("connection closed")

// Socket is the duplex transport a connection runs over. *websocket.Conn
// satisfies it; tests use an in-memory fake.
type Socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Conn is one live transport session. Reads happen on the manager's handler
// goroutine; writes funnel through the send channel.
type Conn struct {
	ID string

	sock    Socket
	send    chan *wire.Envelope
	limiter *slidingWindow
	logger  *slog.Logger

	mu            sync.Mutex
	agentID       string
	authenticated bool
	authFailures  int
	lastActivity  time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, sock Socket, sendBuffer int, limiter *slidingWindow, logger *slog.Logger) *Conn {
	return &Conn{
		ID:           id,
		sock:         sock,
		send:         make(chan *wire.Envelope, sendBuffer),
		limiter:      limiter,
		logger:       logger,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// Send queues an envelope for delivery. Non-blocking: a full queue drops the
// frame with a warning rather than stalling the caller.
func (c *Conn) Send(env *wire.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		c.logger.Warn("send queue full, dropping frame",
			"conn_id", c.ID,
			"type", env.Type)
		return nil
	}
}

// writeLoop drains the send queue onto the socket until the connection closes.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.sock.WriteJSON(env); err != nil {
				c.logger.Debug("write failed", "conn_id", c.ID, "error", err)
				c.Close()
				return
			}
		}
	}
}

// Close tears down the connection. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// AgentID returns the authenticated agent, empty before authenticate.
func (c *Conn) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Authenticated reports whether the connection completed authenticate.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Conn) setAuthenticated(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
	c.authenticated = true
}

// recordAuthFailure bumps the pre-auth failure counter and returns the total.
func (c *Conn) recordAuthFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFailures++
	return c.authFailures
}

func (c *Conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent frame on this connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}
