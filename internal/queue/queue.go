// ABOUTME: Admission queue with priority dispatch, bounded attempts, and escalation.
// ABOUTME: Owns all queue entries; assignment is proposed here and confirmed by the session layer.

package queue

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/deskrouter/internal/config"
	"github.com/2389/deskrouter/internal/events"
	"github.com/2389/deskrouter/internal/fault"
	"github.com/2389/deskrouter/internal/registry"
)

// AgentDirectory is the registry query surface the queue depends on. The
// queue only ever reads agent state through it.
type AgentDirectory interface {
	GetAvailableAgents(registry.Requirements) []registry.Candidate
}

// Manager admits sessions, prioritizes them, escalates starved entries, and
// proposes assignments. Entries leave only through RemoveFromQueue (confirmed
// handoff or cancellation) or by being replaced with an escalation.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Entry
	rules   []Rule

	totalProcessed   int
	totalEscalations int
	avgWait          time.Duration

	cfg    config.QueueConfig
	agents AgentDirectory
	bus    *events.Bus
	logger *slog.Logger

	kick chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates an empty queue manager. Pass nil logger for default.
func New(cfg config.QueueConfig, agents AgentDirectory, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		agents:  agents,
		bus:     bus,
		logger:  logger.With("component", "queue"),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// AddRule registers a routing rule. Rules are consulted on every assignment
// attempt; the built-in default rule needs no registration.
func (m *Manager) AddRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// Enqueue admits a session. Fails with a capacity error when the queue is
// full. Triggers an immediate dispatch pass.
func (m *Manager) Enqueue(sessionID string, customer CustomerData, priority Priority, req registry.Requirements) (EnqueueResult, error) {
	if sessionID == "" {
		return EnqueueResult{}, fault.Validationf("session id is required")
	}

	m.mu.Lock()
	if len(m.entries) >= m.cfg.MaxSize {
		m.mu.Unlock()
		return EnqueueResult{}, fault.Capacityf("queue full (%d)", m.cfg.MaxSize)
	}

	now := time.Now()
	entry := &Entry{
		QueueID:       uuid.New().String(),
		SessionID:     sessionID,
		CustomerID:    customer.CustomerID,
		Priority:      priority,
		Requirements:  req,
		QueuedAt:      now,
		EstimatedWait: m.estimateWait(priority, len(m.entries)),
		MaxAttempts:   m.cfg.MaxAttempts,
		Customer:      customer,
	}
	m.entries[entry.QueueID] = entry
	result := EnqueueResult{
		QueueID:       entry.QueueID,
		Position:      m.positionLocked(entry),
		EstimatedWait: entry.EstimatedWait,
	}
	snapshot := entry.clone()
	m.mu.Unlock()

	m.logger.Info("session enqueued",
		"queue_id", entry.QueueID,
		"session_id", sessionID,
		"priority", priority,
		"position", result.Position,
		"estimated_wait", entry.EstimatedWait,
	)

	m.publish(&events.Event{
		Kind:      events.KindSessionCreated,
		SessionID: sessionID,
		QueueID:   entry.QueueID,
		Payload:   snapshot,
	})

	m.Kick()
	return result, nil
}

// estimateWait computes baseWait x priority multiplier x sqrt(size+1).
// Product heuristic; constants come from config.
func (m *Manager) estimateWait(p Priority, queueSize int) time.Duration {
	scaled := float64(m.cfg.BaseWait) * p.WaitMultiplier() * math.Sqrt(float64(queueSize+1))
	return time.Duration(scaled)
}

// positionLocked returns the 1-based dispatch position of the entry.
func (m *Manager) positionLocked(target *Entry) int {
	pos := 1
	for _, e := range m.entries {
		if e.QueueID == target.QueueID {
			continue
		}
		if e.Priority.Weight() > target.Priority.Weight() ||
			(e.Priority.Weight() == target.Priority.Weight() && e.QueuedAt.Before(target.QueuedAt)) {
			pos++
		}
	}
	return pos
}

// Kick requests an immediate dispatch pass. Coalesces with any pending kick.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// RemoveFromQueue deletes an entry and folds its wait into the running
// average. Idempotent: removing an absent entry is a no-op returning false.
func (m *Manager) RemoveFromQueue(queueID, reason string) bool {
	m.mu.Lock()
	entry, ok := m.entries[queueID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, queueID)

	wait := time.Since(entry.QueuedAt) + entry.TotalWaitTime
	m.totalProcessed++
	m.avgWait += (wait - m.avgWait) / time.Duration(m.totalProcessed)
	m.mu.Unlock()

	m.logger.Info("entry removed from queue",
		"queue_id", queueID,
		"session_id", entry.SessionID,
		"reason", reason,
		"wait", wait,
		"attempts", entry.Attempts,
	)
	return true
}

// ReleaseProposal clears an outstanding assignment proposal so the next
// dispatch pass can retry the entry. No-op for unknown entries.
func (m *Manager) ReleaseProposal(queueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[queueID]; ok {
		e.proposedAgent = ""
		e.proposedAt = time.Time{}
	}
}

// Entry returns a copy of a live entry.
func (m *Manager) Entry(queueID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[queueID]
	if !ok {
		return Entry{}, false
	}
	return *e.clone(), true
}

// Entries returns copies of every live entry in dispatch order.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Weight() != out[j].Priority.Weight() {
			return out[i].Priority.Weight() > out[j].Priority.Weight()
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// Stats returns a point-in-time view of queue health.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPriority := make(map[Priority]int)
	for _, e := range m.entries {
		byPriority[e.Priority]++
	}
	return Stats{
		Size:             len(m.entries),
		ByPriority:       byPriority,
		TotalProcessed:   m.totalProcessed,
		TotalEscalations: m.totalEscalations,
		AvgWait:          m.avgWait,
	}
}

// DispatchPass walks live entries in priority order and attempts assignment
// for each. Entries removed by a concurrent confirmation are skipped.
func (m *Manager) DispatchPass() {
	for _, e := range m.Entries() {
		m.attemptAssignment(e.QueueID)
	}
}

// attemptAssignment runs one assignment attempt for the entry. The agent
// query happens outside the queue lock; existence is re-checked before any
// mutation, so a concurrent removal degrades to a no-op.
func (m *Manager) attemptAssignment(queueID string) {
	now := time.Now()

	m.mu.Lock()
	e, ok := m.entries[queueID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if e.proposedAgent != "" && now.Sub(e.proposedAt) < m.cfg.ProposalTimeout {
		// An offer is already out for this entry.
		m.mu.Unlock()
		return
	}
	e.proposedAgent = ""
	e.Attempts++
	rule := resolveRule(m.rules, e)
	req := effectiveRequirements(e, rule)
	snapshot := e.clone()
	m.mu.Unlock()

	candidates := m.agents.GetAvailableAgents(req)

	m.mu.Lock()
	e, ok = m.entries[queueID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if len(candidates) == 0 {
		if e.Attempts >= e.MaxAttempts {
			ev := m.escalateLocked(e, "no_agents_available")
			m.mu.Unlock()
			m.publish(ev)
			m.Kick()
			return
		}
		attempts, maxAttempts := e.Attempts, e.MaxAttempts
		m.mu.Unlock()
		m.logger.Debug("no agents available",
			"queue_id", queueID,
			"attempts", attempts,
			"max_attempts", maxAttempts,
		)
		return
	}

	chosen := selectCandidate(rule.Strategy, candidates, snapshot, now)
	e.proposedAgent = chosen.ID
	e.proposedAt = now
	proposal := Proposal{
		QueueID:      e.QueueID,
		SessionID:    e.SessionID,
		AgentID:      chosen.ID,
		Priority:     e.Priority,
		Customer:     e.Customer,
		Requirements: e.Requirements,
		QueuedAt:     e.QueuedAt,
	}
	m.mu.Unlock()

	m.logger.Info("assignment proposed",
		"queue_id", proposal.QueueID,
		"session_id", proposal.SessionID,
		"agent_id", chosen.ID,
		"rule", rule.Name,
		"strategy", rule.Strategy,
	)

	m.publish(&events.Event{
		Kind:      events.KindAssignmentProposed,
		QueueID:   proposal.QueueID,
		SessionID: proposal.SessionID,
		AgentID:   chosen.ID,
		Payload:   proposal,
	})
}

// escalateLocked replaces the entry with a fresh one a tier up. Must be
// called with the lock held; returns the event to publish after unlock.
func (m *Manager) escalateLocked(e *Entry, reason string) *events.Event {
	delete(m.entries, e.QueueID)

	now := time.Now()
	escalated := &Entry{
		QueueID:          uuid.New().String(),
		SessionID:        e.SessionID,
		CustomerID:       e.CustomerID,
		Priority:         e.Priority.Bump(),
		Requirements:     e.Requirements,
		QueuedAt:         now,
		MaxAttempts:      e.MaxAttempts,
		EscalationID:     uuid.New().String(),
		EscalationReason: reason,
		TotalWaitTime:    e.TotalWaitTime + now.Sub(e.QueuedAt),
		Customer:         e.Customer,
	}
	escalated.Requirements.MinSkillLevel = e.Requirements.MinSkillLevel.Bump()
	escalated.Requirements.Urgent = true
	escalated.EstimatedWait = m.estimateWait(escalated.Priority, len(m.entries))

	m.entries[escalated.QueueID] = escalated
	m.totalEscalations++

	m.logger.Warn("queue entry escalated",
		"old_queue_id", e.QueueID,
		"queue_id", escalated.QueueID,
		"session_id", e.SessionID,
		"reason", reason,
		"priority", escalated.Priority,
		"min_skill", escalated.Requirements.MinSkillLevel.String(),
		"total_wait", escalated.TotalWaitTime,
	)

	return &events.Event{
		Kind:      events.KindQueueEntryEscalated,
		QueueID:   escalated.QueueID,
		SessionID: e.SessionID,
		Reason:    reason,
		Payload:   *escalated.clone(),
	}
}

// MonitorPass escalates starved entries: entries past the escalation
// threshold that were never attempted, and entries past the hard wait limit
// regardless of attempts. Concurrently removed entries are a no-op.
func (m *Manager) MonitorPass() {
	now := time.Now()
	var published []*events.Event

	m.mu.Lock()
	// Collect first: escalateLocked mutates the map.
	live := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		live = append(live, e)
	}
	for _, e := range live {
		if _, still := m.entries[e.QueueID]; !still {
			continue
		}
		wait := now.Sub(e.QueuedAt)
		switch {
		case wait > m.cfg.MaxWaitTime:
			published = append(published, m.escalateLocked(e, "max_wait_exceeded"))
		case wait > m.cfg.EscalationThreshold && e.Attempts == 0:
			published = append(published, m.escalateLocked(e, "wait_time_exceeded"))
		}
	}
	m.mu.Unlock()

	for _, ev := range published {
		m.publish(ev)
	}
	if len(published) > 0 {
		m.Kick()
	}
}

// Start launches the dispatch and monitor loops.
func (m *Manager) Start() {
	go m.dispatchLoop()
	go m.monitorLoop()
}

func (m *Manager) dispatchLoop() {
	ticker := time.NewTicker(m.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-m.kick:
			m.DispatchPass()
		case <-ticker.C:
			m.DispatchPass()
		}
	}
}

func (m *Manager) monitorLoop() {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.MonitorPass()
		}
	}
}

// Close stops the background loops. Idempotent.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Manager) publish(ev *events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
