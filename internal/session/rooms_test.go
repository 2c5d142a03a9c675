// ABOUTME: Unit tests for room membership, broadcast fan-out, and history.

package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deskrouter/internal/wire"
)

func roomConn(id string) (*Conn, *fakeSocket) {
	sock := newFakeSocket()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := newConn(id, sock, 16, newSlidingWindow(time.Minute, 100), logger)
	return c, sock
}

func drainSend(c *Conn) []*wire.Envelope {
	var out []*wire.Envelope
	for {
		select {
		case env := <-c.send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	rooms := NewRooms(nil)
	a, _ := roomConn("a")
	b, _ := roomConn("b")
	rooms.Join("s1", a)
	rooms.Join("s1", b)

	env, err := wire.New(wire.TypeChatMessage, ChatMessage{SessionID: "s1", Content: "x"})
	require.NoError(t, err)
	rooms.Broadcast("s1", env, "a")

	assert.Empty(t, drainSend(a))
	assert.Len(t, drainSend(b), 1)
}

func TestBroadcastStaysInRoom(t *testing.T) {
	rooms := NewRooms(nil)
	a, _ := roomConn("a")
	b, _ := roomConn("b")
	rooms.Join("s1", a)
	rooms.Join("s2", b)

	env, err := wire.New(wire.TypeChatMessage, ChatMessage{SessionID: "s1"})
	require.NoError(t, err)
	rooms.Broadcast("s1", env, "")

	assert.Len(t, drainSend(a), 1)
	assert.Empty(t, drainSend(b), "other rooms must not see the frame")
}

func TestLeaveAllRemovesFromEveryRoom(t *testing.T) {
	rooms := NewRooms(nil)
	a, _ := roomConn("a")
	rooms.Join("s1", a)
	rooms.Join("s2", a)

	rooms.LeaveAll(a)

	assert.Empty(t, rooms.Members("s1"))
	assert.Empty(t, rooms.Members("s2"))
}

func TestHistoryBounded(t *testing.T) {
	rooms := NewRooms(nil)
	a, _ := roomConn("a")
	rooms.Join("s1", a)

	for i := 0; i < historyLimit+10; i++ {
		rooms.AppendHistory("s1", ChatMessage{SessionID: "s1", Content: "m"})
	}

	assert.Len(t, rooms.History("s1"), historyLimit)
}

func TestSweepTypingExpiresStaleSignals(t *testing.T) {
	rooms := NewRooms(nil)
	a, _ := roomConn("a")
	rooms.Join("s1", a)

	rooms.SetTyping("s1", "alice")
	time.Sleep(10 * time.Millisecond)

	expired := rooms.SweepTyping(time.Millisecond)
	require.Len(t, expired, 1)
	assert.Equal(t, "s1", expired[0].SessionID)
	assert.Equal(t, "alice", expired[0].AgentID)

	assert.Empty(t, rooms.SweepTyping(time.Millisecond), "sweep is idempotent")
}

func TestSlidingWindowAllowsUpToMax(t *testing.T) {
	w := newSlidingWindow(time.Minute, 3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, w.Allow(now))
	}
	assert.False(t, w.Allow(now))

	// Old hits fall out of the window.
	assert.True(t, w.Allow(now.Add(2*time.Minute)))
}
