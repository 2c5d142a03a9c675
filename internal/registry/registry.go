// ABOUTME: Owns all live agent records: registration, status machine, chat capacity.
// ABOUTME: Sole writer of agent state; other components query through snapshots.

package registry

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/2389/deskrouter/internal/config"
	"github.com/2389/deskrouter/internal/events"
	"github.com/2389/deskrouter/internal/fault"
)

// Scoring constants for GetAvailableAgents. Tuning heuristics, overridable
// only in code; the formula shape is what matters to callers.
const (
	bonusAvailable     = 50.0
	bonusBusy          = 20.0
	workloadPenalty    = 30.0
	resolutionWeight   = 20.0
	ratingWeight       = 5.0
	skillBonusStep     = 5.0
	recencyBonus       = 10.0
	recencyWindow      = 5 * time.Minute
	resolutionResolved = "resolved"
	resolutionComplete = "completed"
)

// Registry coordinates all registered agents. It is the exclusive owner of
// agent records; the queue engine reads them via GetAvailableAgents and the
// session layer mutates them via AssignChat/RemoveChat/UpdateStatus.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agent

	cfg    config.RegistryConfig
	bus    *events.Bus
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// New creates an empty registry. Pass nil logger for default.
func New(cfg config.RegistryConfig, bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*agent),
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "registry"),
		done:   make(chan struct{}),
	}
}

// RegisterAgent creates an agent record with status available. Registering
// an existing ID brings that agent back online, preserving its performance
// history (reconnect case).
func (r *Registry) RegisterAgent(info AgentInfo) (Snapshot, error) {
	if info.ID == "" || info.Name == "" {
		return Snapshot{}, fault.Validationf("agent id and name are required")
	}
	if info.MaxConcurrentChats <= 0 {
		info.MaxConcurrentChats = r.cfg.DefaultMaxChats
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	a, exists := r.agents[info.ID]
	if exists {
		a.AgentInfo = info
		a.Online = true
		a.Status = StatusAvailable
		a.LastActivity = now
		a.LastStatusChange = now
	} else {
		a = &agent{
			AgentInfo:        info,
			Status:           StatusAvailable,
			Online:           true,
			CurrentChats:     make(map[string]time.Time),
			RegisteredAt:     now,
			LastActivity:     now,
			LastStatusChange: now,
		}
		r.agents[info.ID] = a
	}

	r.logger.Info("agent registered",
		"agent_id", info.ID,
		"name", info.Name,
		"department", info.Department,
		"skill_level", info.SkillLevel.String(),
		"max_chats", info.MaxConcurrentChats,
		"total_agents", len(r.agents),
	)

	r.publish(&events.Event{
		Kind:    events.KindAgentStatusChanged,
		AgentID: info.ID,
		Reason:  "registered",
		Payload: string(StatusAvailable),
	})

	return a.snapshot(), nil
}

// UpdateStatus applies a status transition. Going offline force-terminates
// every chat the agent holds; each one is signalled as needing reassignment.
// Capacity-driven available/busy flips are not done here, only by
// AssignChat/RemoveChat.
func (r *Registry) UpdateStatus(agentID string, newStatus Status, reason string) error {
	if !newStatus.Valid() {
		return fault.Validationf("unknown status %q", newStatus)
	}

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fault.NotFoundf("agent %s", agentID)
	}

	now := time.Now()
	a.Status = newStatus
	a.LastStatusChange = now
	a.LastActivity = now

	var orphaned []string
	if newStatus == StatusOffline {
		a.Online = false
		for sessionID := range a.CurrentChats {
			orphaned = append(orphaned, sessionID)
		}
		a.CurrentChats = make(map[string]time.Time)
	} else {
		a.Online = true
	}
	r.mu.Unlock()

	r.logger.Info("agent status changed",
		"agent_id", agentID,
		"status", newStatus,
		"reason", reason,
		"terminated_chats", len(orphaned),
	)

	r.publish(&events.Event{
		Kind:    events.KindAgentStatusChanged,
		AgentID: agentID,
		Reason:  reason,
		Payload: string(newStatus),
	})
	for _, sessionID := range orphaned {
		r.publish(&events.Event{
			Kind:      events.KindChatNeedsReassignment,
			AgentID:   agentID,
			SessionID: sessionID,
			Reason:    "agent_offline",
		})
	}
	return nil
}

// AssignChat adds a session to the agent's active set. Fails with a capacity
// error when the agent is full or not online. Reaching capacity flips
// available to busy.
func (r *Registry) AssignChat(agentID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fault.NotFoundf("agent %s", agentID)
	}
	if !a.Online || a.Status == StatusOffline {
		return fault.Capacityf("agent %s is not online", agentID)
	}
	if len(a.CurrentChats) >= a.MaxConcurrentChats {
		return fault.Capacityf("agent %s at capacity (%d/%d)", agentID, len(a.CurrentChats), a.MaxConcurrentChats)
	}

	now := time.Now()
	a.CurrentChats[sessionID] = now
	a.Performance.TotalChats++
	a.LastActivity = now
	if len(a.CurrentChats) >= a.MaxConcurrentChats && a.Status == StatusAvailable {
		a.Status = StatusBusy
		a.LastStatusChange = now
	}

	r.logger.Info("chat assigned",
		"agent_id", agentID,
		"session_id", sessionID,
		"active_chats", len(a.CurrentChats),
		"max_chats", a.MaxConcurrentChats,
	)
	return nil
}

// RemoveChat takes a session off the agent's active set, recording duration
// and resolution. Freed capacity flips busy back to available.
func (r *Registry) RemoveChat(agentID, sessionID, resolution string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fault.NotFoundf("agent %s", agentID)
	}
	assignedAt, held := a.CurrentChats[sessionID]
	if !held {
		return fault.NotFoundf("chat %s not assigned to agent %s", sessionID, agentID)
	}

	now := time.Now()
	delete(a.CurrentChats, sessionID)
	a.LastActivity = now

	duration := now.Sub(assignedAt)
	a.completedChats++
	a.Performance.AvgResponseTime += (duration - a.Performance.AvgResponseTime) / time.Duration(a.completedChats)
	if resolution == resolutionResolved || resolution == resolutionComplete {
		a.Performance.ResolvedChats++
	}

	if a.Status == StatusBusy && len(a.CurrentChats) < a.MaxConcurrentChats {
		a.Status = StatusAvailable
		a.LastStatusChange = now
	}

	r.logger.Info("chat removed",
		"agent_id", agentID,
		"session_id", sessionID,
		"resolution", resolution,
		"duration", duration,
		"active_chats", len(a.CurrentChats),
	)
	return nil
}

// RecordRating folds a customer rating into the agent's running average.
func (r *Registry) RecordRating(agentID string, rating float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fault.NotFoundf("agent %s", agentID)
	}
	a.ratingCount++
	a.Performance.CustomerRating += (rating - a.Performance.CustomerRating) / float64(a.ratingCount)
	return nil
}

// Touch records activity for an agent, used by the recency score bonus and
// the idle sweep. Unknown agents are a no-op.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.LastActivity = time.Now()
	}
}

// GetAgent returns a snapshot of one agent.
func (r *Registry) GetAgent(agentID string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return Snapshot{}, fault.NotFoundf("agent %s", agentID)
	}
	return a.snapshot(), nil
}

// ListAgents returns snapshots of every registered agent.
func (r *Registry) ListAgents() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.snapshot())
	}
	return out
}

// GetAvailableAgents filters agents that can take the described chat and
// annotates each with a priority score, highest first. Pure query; no state
// is mutated.
func (r *Registry) GetAvailableAgents(req Requirements) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]Candidate, 0)
	for _, a := range r.agents {
		if !r.matches(a, req) {
			continue
		}
		out = append(out, Candidate{
			Snapshot: a.snapshot(),
			Score:    score(a, now),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (r *Registry) matches(a *agent, req Requirements) bool {
	if !a.Online || a.Status == StatusOffline || a.Status == StatusBreak {
		return false
	}
	if len(a.CurrentChats) >= a.MaxConcurrentChats {
		return false
	}
	if req.Department != "" && a.Department != req.Department {
		return false
	}
	if a.SkillLevel < req.MinSkillLevel {
		return false
	}
	if len(req.Capabilities) > 0 && !intersects(a.Capabilities, req.Capabilities) {
		return false
	}
	if req.Language != "" && !contains(a.Languages, req.Language) {
		return false
	}
	return true
}

func score(a *agent, now time.Time) float64 {
	var s float64
	switch a.Status {
	case StatusAvailable:
		s += bonusAvailable
	case StatusBusy:
		s += bonusBusy
	}
	if a.MaxConcurrentChats > 0 {
		s -= workloadPenalty * float64(len(a.CurrentChats)) / float64(a.MaxConcurrentChats)
	}
	s += resolutionWeight*a.Performance.ResolutionRate() + ratingWeight*a.Performance.CustomerRating
	s += skillBonusStep * math.Min(float64(a.SkillLevel), 3)
	if now.Sub(a.LastActivity) <= recencyWindow {
		s += recencyBonus
	}
	return s
}

func intersects(have, want []string) bool {
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Start launches the idle sweep, which moves long-inactive available agents
// to away. Safe to skip in tests.
func (r *Registry) Start() {
	go r.sweepLoop()
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

// sweepIdle runs one idle pass. Agents removed concurrently are simply not
// seen; acting on a stale view is harmless because the transition re-checks
// status.
func (r *Registry) sweepIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	var idle []string
	for id, a := range r.agents {
		if a.Online && a.Status == StatusAvailable && len(a.CurrentChats) == 0 && a.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		if err := r.UpdateStatus(id, StatusAway, "idle_timeout"); err != nil {
			r.logger.Debug("idle sweep skipped agent", "agent_id", id, "error", err)
		}
	}
}

// Close stops the idle sweep. Idempotent.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Registry) publish(ev *events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
