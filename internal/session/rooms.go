// ABOUTME: Per-session broadcast rooms: membership, recent history, typing state.
// ABOUTME: Broadcast iterates a point-in-time snapshot of the member set.

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/deskrouter/internal/wire"
)

// historyLimit bounds the in-memory message ring kept per room.
const historyLimit = 50

type room struct {
	members map[string]*Conn     // connection ID -> conn
	history []ChatMessage        // most recent last
	typing  map[string]time.Time // agentID -> last typing signal
}

// Rooms maps session IDs to their live subscriber sets. A message addressed
// to session S reaches only connections joined to room S.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	logger *slog.Logger
}

// NewRooms creates an empty room table. Pass nil logger for default.
func NewRooms(logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{
		rooms:  make(map[string]*room),
		logger: logger.With("component", "rooms"),
	}
}

// Join subscribes the connection to the session's room, creating it if needed.
func (r *Rooms) Join(sessionID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[sessionID]
	if !ok {
		rm = &room{
			members: make(map[string]*Conn),
			typing:  make(map[string]time.Time),
		}
		r.rooms[sessionID] = rm
	}
	rm.members[conn.ID] = conn

	r.logger.Debug("joined room", "session_id", sessionID, "conn_id", conn.ID, "members", len(rm.members))
}

// Leave unsubscribes the connection. Empty rooms are kept until Delete so
// history survives a brief agent handoff.
func (r *Rooms) Leave(sessionID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[sessionID]; ok {
		delete(rm.members, conn.ID)
	}
}

// LeaveAll removes the connection from every room it joined.
func (r *Rooms) LeaveAll(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rm := range r.rooms {
		delete(rm.members, conn.ID)
	}
}

// Delete drops the room and everything in it.
func (r *Rooms) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, sessionID)
}

// Members returns the connection IDs currently in the room.
func (r *Rooms) Members(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// Broadcast sends the envelope to every member except excludeConnID.
// Membership is snapshotted under the read lock; sends happen lock-free so
// joins and leaves during the fan-out cannot corrupt iteration.
func (r *Rooms) Broadcast(sessionID string, env *wire.Envelope, excludeConnID string) {
	r.mu.RLock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	targets := make([]*Conn, 0, len(rm.members))
	for id, c := range rm.members {
		if excludeConnID != "" && id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(env); err != nil {
			r.logger.Debug("broadcast send failed",
				"session_id", sessionID,
				"conn_id", c.ID,
				"error", err)
		}
	}
}

// AppendHistory records a message in the room's bounded ring.
func (r *Rooms) AppendHistory(sessionID string, msg ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[sessionID]
	if !ok {
		return
	}
	rm.history = append(rm.history, msg)
	if len(rm.history) > historyLimit {
		rm.history = rm.history[len(rm.history)-historyLimit:]
	}
}

// History returns a copy of the room's recent messages.
func (r *Rooms) History(sessionID string) []ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[sessionID]
	if !ok {
		return nil
	}
	return append([]ChatMessage(nil), rm.history...)
}

// SetTyping records a typing signal for the agent in the session's room.
func (r *Rooms) SetTyping(sessionID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[sessionID]; ok {
		rm.typing[agentID] = time.Now()
	}
}

// ClearTyping removes the agent's typing state.
func (r *Rooms) ClearTyping(sessionID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[sessionID]; ok {
		delete(rm.typing, agentID)
	}
}

// typingExpiry identifies one stale typing indicator.
type typingExpiry struct {
	SessionID string
	AgentID   string
}

// SweepTyping clears typing signals older than ttl and returns what expired
// so the caller can broadcast stop_typing frames.
func (r *Rooms) SweepTyping(ttl time.Duration) []typingExpiry {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var expired []typingExpiry
	for sessionID, rm := range r.rooms {
		for agentID, at := range rm.typing {
			if at.Before(cutoff) {
				delete(rm.typing, agentID)
				expired = append(expired, typingExpiry{SessionID: sessionID, AgentID: agentID})
			}
		}
	}
	return expired
}
