// ABOUTME: Reconnecting client adapter: one logical connection, correlated
// ABOUTME: request/response, FIFO offline outbox, liveness ping, health.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/deskrouter/internal/config"
	"github.com/2389/deskrouter/internal/fault"
	"github.com/2389/deskrouter/internal/session"
	"github.com/2389/deskrouter/internal/wire"
)

// ErrMaxAttempts is the terminal reconnect failure.
var ErrMaxAttempts = errors.New("max reconnect attempts reached")

// ErrClosed indicates a call on an adapter that has shut down.
var ErrClosed = errors.New("client closed")

// Transport is the duplex connection the adapter runs over. *websocket.Conn
// satisfies it; tests inject an in-memory fake through DialFunc.
type Transport interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// DialFunc opens one transport connection.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// WebSocketDial is the production dialer.
func WebSocketDial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type callResult struct {
	env *wire.Envelope
	err error
}

type pendingCall struct {
	ch    chan callResult // buffered 1: resolve never blocks
	timer *time.Timer
}

type queuedCall struct {
	env *wire.Envelope
}

// Health is a point-in-time view of the adapter's connection state.
type Health struct {
	Connected     bool
	LastHeartbeat time.Time
	Attempts      int
	QueuedCalls   int
}

// Client maintains exactly one logical connection to the routing core.
// Reconnection is owned here, not by the transport.
type Client struct {
	cfg    config.ClientConfig
	dial   DialFunc
	logger *slog.Logger

	events chan Event

	mu            sync.Mutex
	transport     Transport
	connected     bool
	closed        bool
	pending       map[string]*pendingCall
	outbox        []queuedCall
	lastHeartbeat time.Time
	attempts      int
	termErr       error

	done chan struct{}
	once sync.Once
}

// New builds an adapter. A nil dial uses the WebSocket dialer.
func New(cfg config.ClientConfig, dial DialFunc, logger *slog.Logger) *Client {
	if dial == nil {
		dial = WebSocketDial
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		dial:    dial,
		logger:  logger.With("component", "client"),
		events:  make(chan Event, 64),
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
	}
}

// Events is the adapter's outbound event stream. Closed on Close.
func (c *Client) Events() <-chan Event { return c.events }

// Err returns the terminal error, nil while the adapter is still viable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// Health reports connection state for liveness probes.
func (c *Client) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{
		Connected:     c.connected,
		LastHeartbeat: c.lastHeartbeat,
		Attempts:      c.attempts,
		QueuedCalls:   len(c.outbox),
	}
}

// Connect starts the connection loop. Returns once the first dial succeeds
// or fails terminally; reconnection continues in the background afterwards.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.establish(ctx); err != nil {
		return err
	}
	go c.runLoop(ctx)
	go c.pingLoop()
	return nil
}

// Close shuts the adapter down. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		if c.transport != nil {
			_ = c.transport.Close()
		}
		pending := c.pending
		c.pending = make(map[string]*pendingCall)
		close(c.events)
		c.mu.Unlock()

		for _, pc := range pending {
			pc.timer.Stop()
			pc.ch <- callResult{err: ErrClosed}
		}
	})
}

// establish dials with a fixed delay and a bounded attempt counter.
func (c *Client) establish(ctx context.Context) error {
	for {
		select {
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t, err := c.dial(ctx, c.cfg.URL)
		if err == nil {
			c.mu.Lock()
			c.transport = t
			c.connected = true
			c.attempts = 0
			drain := c.outbox
			c.outbox = nil
			c.mu.Unlock()

			c.logger.Info("connected", "url", c.cfg.URL, "queued_calls", len(drain))
			c.drainOutbox(drain)
			return nil
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Warn("dial failed",
			"url", c.cfg.URL,
			"attempt", attempts,
			"max", c.cfg.MaxReconnectAttempts,
			"error", err,
		)

		if attempts >= c.cfg.MaxReconnectAttempts {
			c.mu.Lock()
			c.termErr = ErrMaxAttempts
			c.mu.Unlock()
			c.emit(Event{Kind: EventSystemNotification, Data: json.RawMessage(`{"error":"max attempts reached"}`)})
			return ErrMaxAttempts
		}

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainOutbox replays calls queued while disconnected, in original order.
// Each already has its pending entry and running timeout.
func (c *Client) drainOutbox(calls []queuedCall) {
	for i, qc := range calls {
		if err := c.write(qc.env); err != nil {
			c.mu.Lock()
			c.outbox = append(calls[i:], c.outbox...)
			c.mu.Unlock()
			return
		}
	}
}

// runLoop reads frames until the transport fails, then reconnects.
func (c *Client) runLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()

		c.readAll(t)

		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		c.connected = false
		c.transport = nil
		c.mu.Unlock()
		c.logger.Warn("connection lost, reconnecting")

		if err := c.establish(ctx); err != nil {
			return
		}
	}
}

// readAll dispatches inbound frames until read fails.
func (c *Client) readAll(t Transport) {
	for {
		var env wire.Envelope
		if err := t.ReadJSON(&env); err != nil {
			return
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *wire.Envelope) {
	if env.Type == wire.TypePong {
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		return
	}

	if env.CorrelationID != "" {
		c.mu.Lock()
		pc, ok := c.pending[env.CorrelationID]
		if ok {
			delete(c.pending, env.CorrelationID)
		}
		c.mu.Unlock()

		if !ok {
			// Late response after timeout: already rejected, drop it.
			c.logger.Debug("ignoring response for expired correlation id",
				"correlation_id", env.CorrelationID,
				"type", env.Type)
			return
		}
		pc.timer.Stop()
		if env.Type == wire.TypeError {
			var ep wire.ErrorPayload
			if err := env.Decode(&ep); err == nil {
				pc.ch <- callResult{err: fault.FromCode(ep.Code, ep.Message)}
				return
			}
		}
		pc.ch <- callResult{env: env}
		return
	}

	c.emit(eventFor(env))
}

// emit delivers without blocking; slow owners lose events with a warning.
// Sends happen under the lock so Close cannot race the channel shut.
func (c *Client) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}

func (c *Client) write(env *wire.Envelope) error {
	c.mu.Lock()
	t := c.transport
	connected := c.connected
	c.mu.Unlock()
	if !connected || t == nil {
		return errors.New("not connected")
	}
	return t.WriteJSON(env)
}

// Call sends a correlated request and waits for its response. While
// disconnected the call is queued FIFO and replayed on reconnect; its
// timeout runs from submission either way.
func (c *Client) Call(ctx context.Context, msgType string, data any) (*wire.Envelope, error) {
	env, err := wire.New(msgType, data)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = uuid.New().String()

	pc := &pendingCall{ch: make(chan callResult, 1)}
	pc.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		c.mu.Lock()
		_, live := c.pending[env.CorrelationID]
		if live {
			delete(c.pending, env.CorrelationID)
		}
		c.mu.Unlock()
		if live {
			pc.ch <- callResult{err: fault.Timeoutf("%s request %s timed out after %s",
				msgType, env.CorrelationID, c.cfg.RequestTimeout)}
		}
	})

	c.mu.Lock()
	if c.termErr != nil {
		c.mu.Unlock()
		pc.timer.Stop()
		return nil, c.termErr
	}
	c.pending[env.CorrelationID] = pc
	connected := c.connected
	if !connected {
		c.outbox = append(c.outbox, queuedCall{env: env})
	}
	c.mu.Unlock()

	if connected {
		if err := c.write(env); err != nil {
			// Connection dropped under us: queue for replay on reconnect.
			c.mu.Lock()
			c.outbox = append(c.outbox, queuedCall{env: env})
			c.mu.Unlock()
		}
	}

	select {
	case res := <-pc.ch:
		return res.env, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, env.CorrelationID)
		c.mu.Unlock()
		pc.timer.Stop()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a fire-and-forget frame. Dropped silently while disconnected.
func (c *Client) Notify(msgType string, data any) error {
	env, err := wire.New(msgType, data)
	if err != nil {
		return err
	}
	return c.write(env)
}

// pingLoop sends a liveness ping while connected. A missing pong does not
// itself force a disconnect; it only leaves LastHeartbeat stale.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			env := &wire.Envelope{Type: wire.CmdPing}
			if err := c.write(env); err != nil {
				c.logger.Debug("ping skipped", "error", err)
			}
		}
	}
}

// Authenticate logs in as the given agent.
func (c *Client) Authenticate(ctx context.Context, token string, profile session.AgentProfile) error {
	_, err := c.Call(ctx, wire.CmdAuthenticate, session.AuthenticatePayload{Token: token, Agent: profile})
	return err
}

// UpdateStatus changes the agent's availability.
func (c *Client) UpdateStatus(ctx context.Context, status, reason string) error {
	_, err := c.Call(ctx, wire.CmdUpdateStatus, session.UpdateStatusPayload{Status: status, Reason: reason})
	return err
}

// SendMessage delivers one chat message and reports the outcome on the event
// stream as well as the return value.
func (c *Client) SendMessage(ctx context.Context, sessionID, content, idempotencyKey string) error {
	_, err := c.Call(ctx, wire.CmdSendMessage, session.SendMessagePayload{
		SessionID:      sessionID,
		Content:        content,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		c.emit(Event{Kind: EventMessageError})
		return err
	}
	c.emit(Event{Kind: EventMessageSent})
	return nil
}

// AcceptChat confirms an assignment offer.
func (c *Client) AcceptChat(ctx context.Context, queueID string) error {
	_, err := c.Call(ctx, wire.CmdAcceptChat, session.ChatRefPayload{QueueID: queueID})
	return err
}

// RejectChat declines an assignment offer.
func (c *Client) RejectChat(ctx context.Context, queueID, reason string) error {
	_, err := c.Call(ctx, wire.CmdRejectChat, session.ChatRefPayload{QueueID: queueID, Reason: reason})
	return err
}

// EndChat closes a held chat with a resolution.
func (c *Client) EndChat(ctx context.Context, sessionID, resolution string) error {
	_, err := c.Call(ctx, wire.CmdEndChat, session.ChatRefPayload{SessionID: sessionID, Resolution: resolution})
	return err
}

// QueueStatus fetches live queue statistics.
func (c *Client) QueueStatus(ctx context.Context) (session.QueueStatusPayload, error) {
	var status session.QueueStatusPayload
	env, err := c.Call(ctx, wire.CmdGetQueueStatus, nil)
	if err != nil {
		return status, err
	}
	err = env.Decode(&status)
	return status, err
}
