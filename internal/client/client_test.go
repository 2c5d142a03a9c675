// ABOUTME: Adapter tests over an in-memory fake transport: correlation,
// ABOUTME: timeouts, offline FIFO replay, reconnect bounds, event mapping.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deskrouter/internal/config"
	"github.com/2389/deskrouter/internal/fault"
	"github.com/2389/deskrouter/internal/session"
	"github.com/2389/deskrouter/internal/wire"
)

// fakeTransport is an in-memory Transport. onWrite, when set, builds the
// server's reply to each written frame.
type fakeTransport struct {
	in      chan *wire.Envelope
	done    chan struct{}
	once    sync.Once
	onWrite func(*wire.Envelope) *wire.Envelope

	mu     sync.Mutex
	writes []*wire.Envelope
}

func newFakeTransport(onWrite func(*wire.Envelope) *wire.Envelope) *fakeTransport {
	return &fakeTransport{
		in:      make(chan *wire.Envelope, 32),
		done:    make(chan struct{}),
		onWrite: onWrite,
	}
}

func (t *fakeTransport) ReadJSON(v any) error {
	select {
	case env := <-t.in:
		*(v.(*wire.Envelope)) = *env
		return nil
	case <-t.done:
		return io.EOF
	}
}

func (t *fakeTransport) WriteJSON(v any) error {
	select {
	case <-t.done:
		return io.ErrClosedPipe
	default:
	}
	cp := *(v.(*wire.Envelope))
	t.mu.Lock()
	t.writes = append(t.writes, &cp)
	onWrite := t.onWrite
	t.mu.Unlock()
	if onWrite != nil {
		if reply := onWrite(&cp); reply != nil {
			t.inject(reply)
		}
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) inject(env *wire.Envelope) {
	select {
	case t.in <- env:
	case <-t.done:
	}
}

func (t *fakeTransport) written() []*wire.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*wire.Envelope(nil), t.writes...)
}

// ackAll replies ack to every correlated frame.
func ackAll(env *wire.Envelope) *wire.Envelope {
	if env.CorrelationID == "" {
		return nil
	}
	reply, _ := wire.New(wire.TypeAck, wire.AckPayload{Status: "ok"})
	reply.CorrelationID = env.CorrelationID
	return reply
}

func testClientConfig() config.ClientConfig {
	return config.ClientConfig{
		URL:                  "ws://test/ws/agent",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       5 * time.Millisecond,
		RequestTimeout:       250 * time.Millisecond,
		PingInterval:         time.Hour, // tests ping explicitly
	}
}

// scriptDial returns each transport in turn; a nil entry is a dial failure.
func scriptDial(transports ...*fakeTransport) DialFunc {
	var mu sync.Mutex
	i := 0
	return func(context.Context, string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(transports) || transports[i] == nil {
			i++
			return nil, errors.New("dial refused")
		}
		t := transports[i]
		i++
		return t, nil
	}
}

func TestCallRoundTrip(t *testing.T) {
	ft := newFakeTransport(ackAll)
	c := New(testClientConfig(), scriptDial(ft), nil)
	require.NoError(t, c.Connect(t.Context()))
	defer c.Close()

	env, err := c.Call(t.Context(), wire.CmdGetQueueStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAck, env.Type)

	writes := ft.written()
	require.Len(t, writes, 1)
	assert.Equal(t, wire.CmdGetQueueStatus, writes[0].Type)
	assert.NotEmpty(t, writes[0].CorrelationID)
}

func TestCallErrorReplyMapsToFaultCategory(t *testing.T) {
	ft := newFakeTransport(func(env *wire.Envelope) *wire.Envelope {
		reply, _ := wire.New(wire.TypeError, wire.ErrorPayload{Code: "capacity_error", Message: "full"})
		reply.CorrelationID = env.CorrelationID
		return reply
	})
	c := New(testClientConfig(), scriptDial(ft), nil)
	require.NoError(t, c.Connect(t.Context()))
	defer c.Close()

	_, err := c.Call(t.Context(), wire.CmdSendMessage, session.SendMessagePayload{SessionID: "s", Content: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrCapacity))
}

func TestCallTimeoutThenLateResponseIgnored(t *testing.T) {
	// Server swallows requests entirely.
	ft := newFakeTransport(nil)
	cfg := testClientConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	c := New(cfg, scriptDial(ft), nil)
	require.NoError(t, c.Connect(t.Context()))
	defer c.Close()

	_, err := c.Call(t.Context(), wire.CmdGetQueueStatus, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrRequestTimeout))

	// The response shows up after the caller already gave up.
	writes := ft.written()
	require.Len(t, writes, 1)
	late, _ := wire.New(wire.TypeAck, wire.AckPayload{Status: "ok"})
	late.CorrelationID = writes[0].CorrelationID
	ft.inject(late)

	// Adapter stays healthy: a fresh call still works once replies resume.
	ft.mu.Lock()
	ft.onWrite = ackAll
	ft.mu.Unlock()
	env, err := c.Call(t.Context(), wire.CmdGetQueueStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAck, env.Type)
}

func TestOfflineCallsReplayInFIFOOrder(t *testing.T) {
	first := newFakeTransport(nil)
	second := newFakeTransport(ackAll)
	cfg := testClientConfig()
	cfg.RequestTimeout = 2 * time.Second
	// A slow reconnect keeps the adapter offline while calls queue up.
	cfg.ReconnectDelay = 150 * time.Millisecond
	c := New(cfg, scriptDial(first, nil, second), nil)
	require.NoError(t, c.Connect(t.Context()))
	defer c.Close()

	// Drop the connection so calls start queueing.
	first.Close()
	require.Eventually(t, func() bool { return !c.Health().Connected }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for _, content := range []string{"one", "two", "three"} {
		queued := c.Health().QueuedCalls
		wg.Add(1)
		go func(content string) {
			defer wg.Done()
			assert.NoError(t, c.SendMessage(t.Context(), "sess-1", content, ""))
		}(content)
		// Each call lands in the outbox before the next is issued.
		require.Eventually(t, func() bool {
			return c.Health().QueuedCalls == queued+1
		}, time.Second, time.Millisecond)
	}

	wg.Wait()

	var contents []string
	for _, env := range second.written() {
		if env.Type != wire.CmdSendMessage {
			continue
		}
		var p session.SendMessagePayload
		require.NoError(t, env.Decode(&p))
		contents = append(contents, p.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, contents, "replay preserves FIFO order")
}

func TestReconnectBoundedByMaxAttempts(t *testing.T) {
	cfg := testClientConfig()
	cfg.MaxReconnectAttempts = 3
	c := New(cfg, scriptDial(), nil) // every dial fails
	defer c.Close()

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxAttempts))
	assert.True(t, errors.Is(c.Err(), ErrMaxAttempts))

	select {
	case ev := <-c.Events():
		assert.Equal(t, EventSystemNotification, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected terminal system_notification")
	}
}

func TestReconnectAfterDropResumesCalls(t *testing.T) {
	first := newFakeTransport(ackAll)
	second := newFakeTransport(ackAll)
	c := New(testClientConfig(), scriptDial(first, second), nil)
	require.NoError(t, c.Connect(t.Context()))
	defer c.Close()

	_, err := c.Call(t.Context(), wire.CmdGetQueueStatus, nil)
	require.NoError(t, err)

	first.Close()
	require.Eventually(t, func() bool {
		h := c.Health()
		return h.Connected && h.Attempts == 0
	}, time.Second, time.Millisecond)

	_, err = c.Call(t.Context(), wire.CmdGetQueueStatus, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, second.written())
}

func TestUnsolicitedFramesBecomeEvents(t *testing.T) {
	ft := newFakeTransport(nil)
	c := New(testClientConfig(), scriptDial(ft), nil)
	require.NoError(t, c.Connect(t.Context()))
	defer c.Close()

	msg, _ := wire.New(wire.TypeChatMessage, session.ChatMessage{SessionID: "s1", Content: "hello"})
	ft.inject(msg)

	select {
	case ev := <-c.Events():
		assert.Equal(t, EventMessageReceived, ev.Kind)
		var got session.ChatMessage
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, "hello", got.Content)
	case <-time.After(time.Second):
		t.Fatal("expected message_received event")
	}
}

func TestNotificationKindPromotion(t *testing.T) {
	env, _ := wire.New(wire.TypeNotification, map[string]string{"kind": "escalation_request"})
	assert.Equal(t, EventEscalationRequest, eventFor(env).Kind)

	env, _ = wire.New(wire.TypeNotification, map[string]string{"kind": "bogus"})
	assert.Equal(t, EventSystemNotification, eventFor(env).Kind)

	env, _ = wire.New(wire.TypeAgentOffline, map[string]string{"agentId": "a"})
	assert.Equal(t, EventAgentUnassigned, eventFor(env).Kind)
}

func TestPongUpdatesHeartbeat(t *testing.T) {
	ft := newFakeTransport(nil)
	c := New(testClientConfig(), scriptDial(ft), nil)
	require.NoError(t, c.Connect(t.Context()))
	defer c.Close()

	require.True(t, c.Health().LastHeartbeat.IsZero())
	ft.inject(&wire.Envelope{Type: wire.TypePong})

	assert.Eventually(t, func() bool {
		return !c.Health().LastHeartbeat.IsZero()
	}, time.Second, time.Millisecond)
}

func TestCloseRejectsInFlightCalls(t *testing.T) {
	ft := newFakeTransport(nil) // never replies
	cfg := testClientConfig()
	cfg.RequestTimeout = time.Hour
	c := New(cfg, scriptDial(ft), nil)
	require.NoError(t, c.Connect(t.Context()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), wire.CmdGetQueueStatus, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(ft.written()) == 1 }, time.Second, time.Millisecond)

	c.Close()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("call should fail on close")
	}
}
