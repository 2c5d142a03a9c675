// ABOUTME: Transport session manager: authentication, command dispatch, handoffs.
// ABOUTME: Turns queue assignment proposals into confirmed agent handoffs.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/deskrouter/internal/auth"
	"github.com/2389/deskrouter/internal/config"
	"github.com/2389/deskrouter/internal/dedupe"
	"github.com/2389/deskrouter/internal/events"
	"github.com/2389/deskrouter/internal/fault"
	"github.com/2389/deskrouter/internal/queue"
	"github.com/2389/deskrouter/internal/registry"
	"github.com/2389/deskrouter/internal/wire"
)

// activeChat is a confirmed handoff: a session currently held by an agent.
type activeChat struct {
	SessionID string
	QueueID   string
	AgentID   string
	Customer  queue.CustomerData
	StartedAt time.Time
}

// Manager owns all transport sessions and rooms. It is the only component
// that calls Registry.AssignChat/RemoveChat and Queue.RemoveFromQueue as the
// result of a confirmed handoff.
type Manager struct {
	mu        sync.RWMutex
	conns     map[string]*Conn           // connection ID -> conn
	byAgent   map[string]*Conn           // agent ID -> conn
	chats     map[string]*activeChat     // session ID -> chat
	proposals map[string]queue.Proposal  // queue ID -> outstanding offer

	rooms    *Rooms
	registry *registry.Registry
	queue    *queue.Manager
	bus      *events.Bus
	verifier auth.TokenVerifier
	dedupe   *dedupe.Cache

	cfg     config.SessionConfig
	authCfg config.AuthConfig
	logger  *slog.Logger

	done chan struct{}
	once sync.Once
}

// NewManager wires the session layer to its collaborators. Pass nil logger
// for default.
func NewManager(
	cfg config.SessionConfig,
	authCfg config.AuthConfig,
	reg *registry.Registry,
	q *queue.Manager,
	bus *events.Bus,
	verifier auth.TokenVerifier,
	dd *dedupe.Cache,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	return &Manager{
		conns:     make(map[string]*Conn),
		byAgent:   make(map[string]*Conn),
		chats:     make(map[string]*activeChat),
		proposals: make(map[string]queue.Proposal),
		rooms:     NewRooms(logger),
		registry:  reg,
		queue:     q,
		bus:       bus,
		verifier:  verifier,
		dedupe:    dd,
		cfg:       cfg,
		authCfg:   authCfg,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Rooms exposes the room table, mainly for tests and the history query.
func (m *Manager) Rooms() *Rooms { return m.rooms }

// Start subscribes to queue proposals and launches the typing sweep.
func (m *Manager) Start(ctx context.Context) {
	ch, _ := m.bus.Subscribe(ctx, events.KindAssignmentProposed, events.KindQueueEntryEscalated)
	go m.forwardProposals(ch)
	go m.typingSweepLoop()
}

// Close shuts down every live connection. Idempotent.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// HandleConnection runs the read loop for one transport connection. Blocks
// until the peer disconnects or the connection is forced closed.
func (m *Manager) HandleConnection(sock Socket) {
	conn := newConn(
		uuid.New().String(),
		sock,
		m.cfg.SendBuffer,
		newSlidingWindow(m.cfg.RateWindow, m.cfg.RateMax),
		m.logger,
	)

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()

	m.logger.Info("connection opened", "conn_id", conn.ID, "total_conns", m.connCount())

	go conn.writeLoop()

	// Unauthenticated connections get a bounded grace period.
	authTimer := time.AfterFunc(m.authCfg.AuthDeadline, func() {
		if !conn.Authenticated() {
			m.logger.Warn("authentication deadline expired", "conn_id", conn.ID)
			conn.Close()
		}
	})
	defer authTimer.Stop()

	for {
		var env wire.Envelope
		if err := sock.ReadJSON(&env); err != nil {
			break
		}
		conn.touch()
		m.handleEnvelope(conn, &env)
		if conn.Closed() {
			break
		}
	}

	m.disconnect(conn)
}

func (m *Manager) connCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// handleEnvelope dispatches one inbound frame.
func (m *Manager) handleEnvelope(conn *Conn, env *wire.Envelope) {
	if !conn.Authenticated() {
		if env.Type == wire.CmdAuthenticate {
			m.handleAuthenticate(conn, env)
			return
		}
		// Pre-auth commands are rejected; repeated failures disconnect.
		failures := conn.recordAuthFailure()
		fatal := failures >= m.authCfg.FailureLimit
		m.replyError(conn, env, fault.Authf("authenticate first"), fatal)
		if fatal {
			m.logger.Warn("pre-auth failure limit reached", "conn_id", conn.ID)
			conn.Close()
		}
		return
	}

	if agentID := conn.AgentID(); agentID != "" {
		m.registry.Touch(agentID)
	}

	switch env.Type {
	case wire.CmdAuthenticate:
		m.replyAck(conn, env, "already_authenticated", "")
	case wire.CmdPing:
		m.reply(conn, env, wire.TypePong, nil)
	case wire.CmdUpdateStatus:
		m.handleUpdateStatus(conn, env)
	case wire.CmdSendMessage:
		m.handleSendMessage(conn, env)
	case wire.CmdAcceptChat:
		m.handleAcceptChat(conn, env)
	case wire.CmdRejectChat:
		m.handleRejectChat(conn, env)
	case wire.CmdEndChat:
		m.handleEndChat(conn, env)
	case wire.CmdTransferChat:
		m.handleTransferChat(conn, env)
	case wire.CmdGetQueueStatus:
		m.handleQueueStatus(conn, env)
	case wire.CmdGetAgentList:
		m.handleAgentList(conn, env)
	case wire.CmdGetChatHistory:
		m.handleChatHistory(conn, env)
	case wire.CmdGetCustomerInfo:
		m.handleCustomerInfo(conn, env)
	case wire.CmdTyping, wire.CmdStopTyping:
		m.handleTyping(conn, env)
	default:
		m.replyError(conn, env, fault.Validationf("unknown command %q", env.Type), false)
	}
}

func (m *Manager) handleAuthenticate(conn *Conn, env *wire.Envelope) {
	var p AuthenticatePayload
	if err := env.Decode(&p); err != nil {
		m.authFailed(conn, env, fault.Authf("bad authenticate payload: %v", err))
		return
	}

	subject, err := m.verifier.Verify(p.Token)
	if err != nil {
		m.authFailed(conn, env, fault.Authf("token rejected: %v", err))
		return
	}
	if p.Agent.ID != "" && p.Agent.ID != subject {
		m.authFailed(conn, env, fault.Authf("token subject does not match agent id"))
		return
	}

	skill, err := registry.ParseSkillLevel(p.Agent.SkillLevel)
	if err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}

	name := p.Agent.Name
	if name == "" {
		name = subject
	}
	if _, err := m.registry.RegisterAgent(registry.AgentInfo{
		ID:                 subject,
		Name:               name,
		Department:         p.Agent.Department,
		Capabilities:       p.Agent.Capabilities,
		SkillLevel:         skill,
		Languages:          p.Agent.Languages,
		MaxConcurrentChats: p.Agent.MaxConcurrentChats,
	}); err != nil {
		m.replyError(conn, env, err, false)
		return
	}

	// One live connection per agent: a newer login supersedes the old one.
	m.mu.Lock()
	if prev, ok := m.byAgent[subject]; ok && prev.ID != conn.ID {
		prev.Close()
	}
	m.byAgent[subject] = conn
	var held []string
	for sessionID, chat := range m.chats {
		if chat.AgentID == subject {
			held = append(held, sessionID)
		}
	}
	m.mu.Unlock()

	conn.setAuthenticated(subject)
	// Re-login keeps the agent's chats; rejoin their rooms.
	for _, sessionID := range held {
		m.rooms.Join(sessionID, conn)
	}
	m.logger.Info("connection authenticated", "conn_id", conn.ID, "agent_id", subject)
	m.replyAck(conn, env, "authenticated", subject)

	// An agent coming online may unblock queued sessions.
	m.queue.Kick()
}

func (m *Manager) authFailed(conn *Conn, env *wire.Envelope, err error) {
	failures := conn.recordAuthFailure()
	fatal := failures >= m.authCfg.FailureLimit
	m.replyError(conn, env, err, fatal)
	if fatal {
		m.logger.Warn("authentication failure limit reached", "conn_id", conn.ID)
		conn.Close()
	}
}

func (m *Manager) handleUpdateStatus(conn *Conn, env *wire.Envelope) {
	var p UpdateStatusPayload
	if err := env.Decode(&p); err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}
	if err := m.registry.UpdateStatus(conn.AgentID(), registry.Status(p.Status), p.Reason); err != nil {
		m.replyError(conn, env, err, false)
		return
	}
	m.replyAck(conn, env, "status_updated", p.Status)
}

func (m *Manager) handleSendMessage(conn *Conn, env *wire.Envelope) {
	var p SendMessagePayload
	if err := env.Decode(&p); err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}
	if p.SessionID == "" || p.Content == "" {
		m.replyError(conn, env, fault.Validationf("sessionId and content are required"), false)
		return
	}

	// Rate limit rejections are non-fatal: the connection stays up.
	if !conn.limiter.Allow(time.Now()) {
		m.replyError(conn, env, fault.Capacityf("rate limit exceeded"), false)
		return
	}

	agentID := conn.AgentID()
	if !m.holdsChat(agentID, p.SessionID) {
		m.replyError(conn, env, fault.NotFoundf("chat %s not held by agent %s", p.SessionID, agentID), false)
		return
	}

	// Retried sends with the same idempotency key are acked, not re-broadcast.
	if p.IdempotencyKey != "" && m.dedupe != nil && m.dedupe.Seen(agentID+":"+p.IdempotencyKey) {
		m.replyAck(conn, env, "duplicate", "")
		return
	}

	msg := ChatMessage{
		ID:        uuid.New().String(),
		SessionID: p.SessionID,
		From:      agentID,
		Content:   p.Content,
		SentAt:    time.Now(),
	}
	m.rooms.AppendHistory(p.SessionID, msg)
	m.rooms.ClearTyping(p.SessionID, agentID)

	out, err := wire.New(wire.TypeChatMessage, msg)
	if err != nil {
		m.replyError(conn, env, err, false)
		return
	}
	m.rooms.Broadcast(p.SessionID, out, conn.ID)

	m.bus.Publish(&events.Event{
		Kind:      events.KindMessageReceived,
		SessionID: p.SessionID,
		AgentID:   agentID,
		Payload:   msg,
	})
	m.replyAck(conn, env, "sent", msg.ID)
}

// handleAcceptChat confirms a handoff: Registry.AssignChat and
// Queue.RemoveFromQueue run as one logical unit. If assignment fails the
// proposal is released and the entry waits for the next dispatch pass; if
// the entry itself is gone the assignment is rolled back.
func (m *Manager) handleAcceptChat(conn *Conn, env *wire.Envelope) {
	var p ChatRefPayload
	if err := env.Decode(&p); err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}
	agentID := conn.AgentID()

	// Only the agent the offer was addressed to may claim it.
	m.mu.Lock()
	proposal, ok := m.proposals[p.QueueID]
	if ok && proposal.AgentID == agentID {
		delete(m.proposals, p.QueueID)
	}
	m.mu.Unlock()

	if !ok || proposal.AgentID != agentID {
		m.replyError(conn, env, fault.NotFoundf("no pending offer %s for agent %s", p.QueueID, agentID), false)
		return
	}

	if err := m.registry.AssignChat(agentID, proposal.SessionID); err != nil {
		m.queue.ReleaseProposal(p.QueueID)
		m.queue.Kick()
		m.replyError(conn, env, err, false)
		return
	}

	// A missing entry means a monitor escalated it under a new queue id (or
	// it was canceled). The replacement is still live and will be routed, so
	// this handoff must not stand: roll the assignment back.
	if !m.queue.RemoveFromQueue(p.QueueID, "assigned") {
		_ = m.registry.RemoveChat(agentID, proposal.SessionID, "stale_offer")
		m.logger.Warn("accept raced entry replacement",
			"queue_id", p.QueueID,
			"session_id", proposal.SessionID,
			"agent_id", agentID,
		)
		m.replyError(conn, env, fault.NotFoundf("offer %s is no longer valid", p.QueueID), false)
		return
	}

	m.mu.Lock()
	m.chats[proposal.SessionID] = &activeChat{
		SessionID: proposal.SessionID,
		QueueID:   p.QueueID,
		AgentID:   agentID,
		Customer:  proposal.Customer,
		StartedAt: time.Now(),
	}
	m.mu.Unlock()

	m.rooms.Join(proposal.SessionID, conn)

	m.logger.Info("handoff confirmed",
		"queue_id", p.QueueID,
		"session_id", proposal.SessionID,
		"agent_id", agentID,
	)
	m.bus.Publish(&events.Event{
		Kind:      events.KindChatAssigned,
		SessionID: proposal.SessionID,
		AgentID:   agentID,
		QueueID:   p.QueueID,
	})
	m.replyAck(conn, env, "accepted", proposal.SessionID)
}

func (m *Manager) handleRejectChat(conn *Conn, env *wire.Envelope) {
	var p ChatRefPayload
	if err := env.Decode(&p); err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}
	agentID := conn.AgentID()

	// Only the agent the offer was addressed to may clear it.
	m.mu.Lock()
	proposal, ok := m.proposals[p.QueueID]
	if ok && proposal.AgentID == agentID {
		delete(m.proposals, p.QueueID)
	}
	m.mu.Unlock()

	if !ok || proposal.AgentID != agentID {
		m.replyError(conn, env, fault.NotFoundf("no pending offer %s for agent %s", p.QueueID, agentID), false)
		return
	}

	m.queue.ReleaseProposal(p.QueueID)
	m.queue.Kick()

	m.logger.Info("offer rejected",
		"queue_id", p.QueueID,
		"agent_id", agentID,
		"reason", p.Reason,
	)
	m.replyAck(conn, env, "rejected", p.QueueID)
}

func (m *Manager) handleEndChat(conn *Conn, env *wire.Envelope) {
	var p ChatRefPayload
	if err := env.Decode(&p); err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}
	agentID := conn.AgentID()

	if !m.holdsChat(agentID, p.SessionID) {
		m.replyError(conn, env, fault.NotFoundf("chat %s not held by agent %s", p.SessionID, agentID), false)
		return
	}

	resolution := p.Resolution
	if resolution == "" {
		resolution = "completed"
	}
	if err := m.registry.RemoveChat(agentID, p.SessionID, resolution); err != nil {
		m.replyError(conn, env, err, false)
		return
	}

	ended, _ := wire.New(wire.TypeChatEnded, ChatRefPayload{SessionID: p.SessionID, Resolution: resolution})
	m.rooms.Broadcast(p.SessionID, ended, conn.ID)
	m.rooms.Delete(p.SessionID)

	m.mu.Lock()
	delete(m.chats, p.SessionID)
	m.mu.Unlock()

	m.bus.Publish(&events.Event{
		Kind:      events.KindSessionEnded,
		SessionID: p.SessionID,
		AgentID:   agentID,
		Reason:    resolution,
	})
	m.replyAck(conn, env, "ended", p.SessionID)
}

// handleTransferChat moves a chat to another online agent. The target is
// assigned before the source releases, so a capacity failure leaves the chat
// where it was.
func (m *Manager) handleTransferChat(conn *Conn, env *wire.Envelope) {
	var p TransferPayload
	if err := env.Decode(&p); err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}
	agentID := conn.AgentID()

	if !m.holdsChat(agentID, p.SessionID) {
		m.replyError(conn, env, fault.NotFoundf("chat %s not held by agent %s", p.SessionID, agentID), false)
		return
	}

	m.mu.RLock()
	target, online := m.byAgent[p.TargetAgentID]
	m.mu.RUnlock()
	if !online {
		m.replyError(conn, env, fault.NotFoundf("agent %s is not connected", p.TargetAgentID), false)
		return
	}

	if err := m.registry.AssignChat(p.TargetAgentID, p.SessionID); err != nil {
		m.replyError(conn, env, err, false)
		return
	}
	if err := m.registry.RemoveChat(agentID, p.SessionID, "transferred"); err != nil {
		// Roll the target assignment back; the source still holds the chat.
		_ = m.registry.RemoveChat(p.TargetAgentID, p.SessionID, "transfer_failed")
		m.replyError(conn, env, err, false)
		return
	}

	m.mu.Lock()
	if chat, ok := m.chats[p.SessionID]; ok {
		chat.AgentID = p.TargetAgentID
	}
	m.mu.Unlock()

	m.rooms.Join(p.SessionID, target)
	m.rooms.Leave(p.SessionID, conn)

	notice, _ := wire.New(wire.TypeChatTransfer, TransferPayload{
		SessionID:     p.SessionID,
		TargetAgentID: p.TargetAgentID,
		Reason:        p.Reason,
	})
	_ = target.Send(notice)
	m.rooms.Broadcast(p.SessionID, notice, target.ID)

	m.logger.Info("chat transferred",
		"session_id", p.SessionID,
		"from_agent", agentID,
		"to_agent", p.TargetAgentID,
	)
	m.replyAck(conn, env, "transferred", p.SessionID)
}

func (m *Manager) handleQueueStatus(conn *Conn, env *wire.Envelope) {
	stats := m.queue.Stats()
	m.reply(conn, env, wire.TypeAck, QueueStatusPayload{
		Size:             stats.Size,
		ByPriority:       stats.ByPriority,
		TotalProcessed:   stats.TotalProcessed,
		TotalEscalations: stats.TotalEscalations,
		AvgWaitSeconds:   stats.AvgWait.Seconds(),
	})
}

func (m *Manager) handleAgentList(conn *Conn, env *wire.Envelope) {
	agents := m.registry.ListAgents()
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentSummary{
			ID:          a.ID,
			Name:        a.Name,
			Department:  a.Department,
			Status:      a.Status,
			ActiveChats: len(a.CurrentChats),
			MaxChats:    a.MaxConcurrentChats,
		})
	}
	m.reply(conn, env, wire.TypeAck, out)
}

func (m *Manager) handleChatHistory(conn *Conn, env *wire.Envelope) {
	var p ChatRefPayload
	if err := env.Decode(&p); err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}
	m.reply(conn, env, wire.TypeAck, HistoryPayload{
		SessionID: p.SessionID,
		Messages:  m.rooms.History(p.SessionID),
	})
}

func (m *Manager) handleCustomerInfo(conn *Conn, env *wire.Envelope) {
	var p ChatRefPayload
	if err := env.Decode(&p); err != nil {
		m.replyError(conn, env, fault.Validationf("%v", err), false)
		return
	}

	m.mu.RLock()
	chat, ok := m.chats[p.SessionID]
	m.mu.RUnlock()
	if !ok {
		m.replyError(conn, env, fault.NotFoundf("session %s", p.SessionID), false)
		return
	}
	m.reply(conn, env, wire.TypeAck, CustomerInfoPayload{
		SessionID: p.SessionID,
		Customer:  chat.Customer,
	})
}

// handleTyping is fire-and-forget: no acknowledgment either way.
func (m *Manager) handleTyping(conn *Conn, env *wire.Envelope) {
	var p TypingPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	agentID := conn.AgentID()

	frameType := wire.TypeTyping
	if env.Type == wire.CmdStopTyping {
		m.rooms.ClearTyping(p.SessionID, agentID)
		frameType = wire.TypeStopTyping
	} else {
		m.rooms.SetTyping(p.SessionID, agentID)
	}

	frame, err := wire.New(frameType, map[string]string{
		"sessionId": p.SessionID,
		"agentId":   agentID,
	})
	if err != nil {
		return
	}
	m.rooms.Broadcast(p.SessionID, frame, conn.ID)
}

// forwardProposals turns queue proposals into chat_assignment offers on the
// chosen agent's connection. Offers to agents without a live connection are
// released immediately so dispatch can pick someone else.
func (m *Manager) forwardProposals(ch <-chan *events.Event) {
	for ev := range ch {
		if ev.Kind == events.KindQueueEntryEscalated {
			// The session's entry was replaced; any offer still keyed by the
			// old queue id can no longer be accepted.
			m.dropStaleProposals(ev.SessionID, ev.QueueID)
			continue
		}
		proposal, ok := ev.Payload.(queue.Proposal)
		if !ok {
			continue
		}

		m.mu.Lock()
		conn, online := m.byAgent[proposal.AgentID]
		if online {
			m.proposals[proposal.QueueID] = proposal
		}
		m.mu.Unlock()

		if !online {
			m.logger.Debug("proposed agent has no live connection",
				"queue_id", proposal.QueueID,
				"agent_id", proposal.AgentID)
			m.queue.ReleaseProposal(proposal.QueueID)
			continue
		}

		offer, err := wire.New(wire.TypeChatAssignment, AssignmentOffer{
			QueueID:   proposal.QueueID,
			SessionID: proposal.SessionID,
			Priority:  proposal.Priority,
			Customer:  proposal.Customer,
			QueuedAt:  proposal.QueuedAt,
		})
		if err != nil {
			continue
		}
		if err := conn.Send(offer); err != nil {
			m.queue.ReleaseProposal(proposal.QueueID)
		}
	}
}

func (m *Manager) dropStaleProposals(sessionID, currentQueueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for queueID, p := range m.proposals {
		if p.SessionID == sessionID && queueID != currentQueueID {
			delete(m.proposals, queueID)
		}
	}
}

func (m *Manager) typingSweepLoop() {
	ticker := time.NewTicker(m.cfg.TypingTTL)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			for _, exp := range m.rooms.SweepTyping(m.cfg.TypingTTL) {
				frame, err := wire.New(wire.TypeStopTyping, map[string]string{
					"sessionId": exp.SessionID,
					"agentId":   exp.AgentID,
				})
				if err != nil {
					continue
				}
				m.rooms.Broadcast(exp.SessionID, frame, "")
			}
		}
	}
}

// disconnect cleans up after a connection ends, gracefully or not. Chats the
// agent held are signalled for reassignment via the registry's offline
// transition; they are NOT automatically re-enqueued (operator policy).
func (m *Manager) disconnect(conn *Conn) {
	conn.Close()
	agentID := conn.AgentID()

	m.mu.Lock()
	delete(m.conns, conn.ID)
	// A superseded connection (same agent logged in again) must not tear
	// down the agent's live state.
	current := agentID != "" && m.byAgent[agentID] == conn
	if current {
		delete(m.byAgent, agentID)
	}
	var released []string
	var orphaned []string
	if current {
		// Outstanding offers to this agent go back to the queue.
		for queueID, p := range m.proposals {
			if p.AgentID == agentID {
				delete(m.proposals, queueID)
				released = append(released, queueID)
			}
		}
		for sessionID, chat := range m.chats {
			if chat.AgentID == agentID {
				orphaned = append(orphaned, sessionID)
				delete(m.chats, sessionID)
			}
		}
	}
	m.mu.Unlock()

	m.rooms.LeaveAll(conn)
	for _, queueID := range released {
		m.queue.ReleaseProposal(queueID)
	}
	if len(released) > 0 {
		m.queue.Kick()
	}

	if !current {
		m.logger.Info("connection closed", "conn_id", conn.ID, "agent_id", agentID)
		return
	}

	// Offline transition force-terminates held chats in the registry, which
	// publishes chat_needs_reassignment for each one.
	if err := m.registry.UpdateStatus(agentID, registry.StatusOffline, "connection_lost"); err != nil &&
		!errors.Is(err, fault.ErrNotFound) {
		m.logger.Warn("offline transition failed", "agent_id", agentID, "error", err)
	}

	m.logger.Info("agent disconnected",
		"conn_id", conn.ID,
		"agent_id", agentID,
		"orphaned_chats", len(orphaned),
	)

	// Everyone else learns the agent went away.
	notice, err := wire.New(wire.TypeAgentOffline, map[string]string{"agentId": agentID})
	if err != nil {
		return
	}
	m.mu.RLock()
	peers := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		if c.Authenticated() {
			peers = append(peers, c)
		}
	}
	m.mu.RUnlock()
	for _, c := range peers {
		_ = c.Send(notice)
	}
}

// holdsChat reports whether the agent currently holds the session.
func (m *Manager) holdsChat(agentID, sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[sessionID]
	return ok && chat.AgentID == agentID
}

func (m *Manager) reply(conn *Conn, req *wire.Envelope, msgType string, data any) {
	env, err := wire.Reply(req, msgType, data)
	if err != nil {
		m.logger.Error("building reply failed", "type", msgType, "error", err)
		return
	}
	_ = conn.Send(env)
}

func (m *Manager) replyAck(conn *Conn, req *wire.Envelope, status, detail string) {
	m.reply(conn, req, wire.TypeAck, wire.AckPayload{Status: status, Detail: detail})
}

func (m *Manager) replyError(conn *Conn, req *wire.Envelope, err error, fatal bool) {
	m.logger.Debug("command failed",
		"conn_id", conn.ID,
		"type", req.Type,
		"error", err,
		"fatal", fatal,
	)
	m.reply(conn, req, wire.TypeError, wire.ErrorPayload{
		Code:    fault.Code(err),
		Message: err.Error(),
		Fatal:   fatal,
	})
}
