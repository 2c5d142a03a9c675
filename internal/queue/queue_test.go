// ABOUTME: Tests for the admission queue: dispatch order, escalation, monitor.
// ABOUTME: Uses the real registry as the agent directory for end-to-end passes.

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deskrouter/internal/config"
	"github.com/2389/deskrouter/internal/events"
	"github.com/2389/deskrouter/internal/fault"
	"github.com/2389/deskrouter/internal/registry"
)

// fixture wires a queue manager to a live registry and an event bus. Loops
// are not started; tests drive passes directly.
type fixture struct {
	queue    *Manager
	registry *registry.Registry
	bus      *events.Bus
}

func newFixture(t *testing.T, mutate func(*config.QueueConfig)) *fixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Queue)
	}
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	reg := registry.New(cfg.Registry, bus, nil)
	t.Cleanup(reg.Close)
	q := New(cfg.Queue, reg, bus, nil)
	t.Cleanup(q.Close)
	return &fixture{queue: q, registry: reg, bus: bus}
}

func (f *fixture) addAgent(t *testing.T, id string, maxChats int) {
	t.Helper()
	_, err := f.registry.RegisterAgent(registry.AgentInfo{
		ID:                 id,
		Name:               "Agent " + id,
		Department:         "support",
		Capabilities:       []string{"billing"},
		SkillLevel:         registry.SkillIntermediate,
		Languages:          []string{"en"},
		MaxConcurrentChats: maxChats,
	})
	require.NoError(t, err)
}

func recvProposal(t *testing.T, ch <-chan *events.Event) Proposal {
	t.Helper()
	select {
	case ev := <-ch:
		p, ok := ev.Payload.(Proposal)
		require.True(t, ok, "payload should be a Proposal")
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for proposal")
		return Proposal{}
	}
}

func TestEnqueue_ReturnsPositionAndEstimate(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.queue.Enqueue("s1", CustomerData{CustomerID: "c1"}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.QueueID)
	assert.Equal(t, 1, res.Position)
	assert.Greater(t, res.EstimatedWait, time.Duration(0))

	res2, err := f.queue.Enqueue("s2", CustomerData{CustomerID: "c2"}, PriorityCritical, registry.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, 1, res2.Position, "critical jumps ahead of medium")
}

func TestEnqueue_QueueFull(t *testing.T) {
	f := newFixture(t, func(q *config.QueueConfig) { q.MaxSize = 1 })

	_, err := f.queue.Enqueue("s1", CustomerData{}, PriorityLow, registry.Requirements{})
	require.NoError(t, err)

	_, err = f.queue.Enqueue("s2", CustomerData{}, PriorityLow, registry.Requirements{})
	assert.ErrorIs(t, err, fault.ErrCapacity)
}

func TestEnqueue_EstimateScalesWithPriorityAndSize(t *testing.T) {
	f := newFixture(t, nil)

	low, err := f.queue.Enqueue("s1", CustomerData{}, PriorityLow, registry.Requirements{})
	require.NoError(t, err)
	critical, err := f.queue.Enqueue("s2", CustomerData{}, PriorityCritical, registry.Requirements{})
	require.NoError(t, err)

	// Critical multiplier (0.5) beats low (1.5) even with a bigger queue.
	assert.Less(t, critical.EstimatedWait, low.EstimatedWait)
}

func TestRemoveFromQueue_CountsOnce(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.queue.Enqueue("s1", CustomerData{}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)

	before := f.queue.Stats()
	assert.True(t, f.queue.RemoveFromQueue(res.QueueID, "assigned"))
	after := f.queue.Stats()

	assert.Equal(t, before.Size-1, after.Size)
	assert.Equal(t, before.TotalProcessed+1, after.TotalProcessed)

	// Idempotent: second removal is a no-op.
	assert.False(t, f.queue.RemoveFromQueue(res.QueueID, "assigned"))
	assert.Equal(t, after.TotalProcessed, f.queue.Stats().TotalProcessed)
}

func TestDispatch_CriticalBeforeMedium(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "a1", 1)

	proposals, _ := f.bus.Subscribe(t.Context(), events.KindAssignmentProposed)

	_, err := f.queue.Enqueue("med-1", CustomerData{}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)
	_, err = f.queue.Enqueue("med-2", CustomerData{}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)
	_, err = f.queue.Enqueue("crit-1", CustomerData{}, PriorityCritical, registry.Requirements{})
	require.NoError(t, err)

	f.queue.DispatchPass()

	p := recvProposal(t, proposals)
	assert.Equal(t, "crit-1", p.SessionID)
	assert.Equal(t, "a1", p.AgentID)
}

func TestDispatch_FIFOWithinPriorityTier(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "a1", 1)

	proposals, _ := f.bus.Subscribe(t.Context(), events.KindAssignmentProposed)

	_, err := f.queue.Enqueue("first", CustomerData{}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = f.queue.Enqueue("second", CustomerData{}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)

	f.queue.DispatchPass()

	assert.Equal(t, "first", recvProposal(t, proposals).SessionID)
}

func TestDispatch_FullAgentNotSelected(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "a1", 1)
	require.NoError(t, f.registry.AssignChat("a1", "existing"))

	res, err := f.queue.Enqueue("s1", CustomerData{}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)

	f.queue.DispatchPass()

	// Entry stays queued; no agent had spare capacity.
	entry, live := f.queue.Entry(res.QueueID)
	require.True(t, live)
	assert.Equal(t, 1, entry.Attempts)
}

func TestDispatch_ProposalNotRepeatedWhileOutstanding(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "a1", 1)

	proposals, _ := f.bus.Subscribe(t.Context(), events.KindAssignmentProposed)

	_, err := f.queue.Enqueue("s1", CustomerData{}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)

	f.queue.DispatchPass()
	f.queue.DispatchPass()

	recvProposal(t, proposals)
	select {
	case ev := <-proposals:
		t.Fatalf("unexpected second proposal: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatch_RejectedProposalRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.addAgent(t, "a1", 1)

	proposals, _ := f.bus.Subscribe(t.Context(), events.KindAssignmentProposed)

	res, err := f.queue.Enqueue("s1", CustomerData{}, PriorityMedium, registry.Requirements{})
	require.NoError(t, err)

	f.queue.DispatchPass()
	recvProposal(t, proposals)

	f.queue.ReleaseProposal(res.QueueID)
	f.queue.DispatchPass()

	p := recvProposal(t, proposals)
	assert.Equal(t, res.QueueID, p.QueueID)
}

func TestEscalation_MaxAttemptsWithNoAgents(t *testing.T) {
	f := newFixture(t, func(q *config.QueueConfig) { q.MaxAttempts = 2 })

	escalations, _ := f.bus.Subscribe(t.Context(), events.KindQueueEntryEscalated)

	res, err := f.queue.Enqueue("s1", CustomerData{}, PriorityMedium, registry.Requirements{
		MinSkillLevel: registry.SkillIntermediate,
	})
	require.NoError(t, err)

	f.queue.DispatchPass() // attempt 1
	f.queue.DispatchPass() // attempt 2 -> escalation

	var escalated Entry
	select {
	case ev := <-escalations:
		assert.Equal(t, "no_agents_available", ev.Reason)
		escalated = ev.Payload.(Entry)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for escalation")
	}

	// Original entry is gone, replacement carries elevated requirements.
	_, live := f.queue.Entry(res.QueueID)
	assert.False(t, live)
	assert.NotEqual(t, res.QueueID, escalated.QueueID)
	assert.NotEmpty(t, escalated.EscalationID)
	assert.Equal(t, PriorityHigh, escalated.Priority)
	assert.Equal(t, registry.SkillAdvanced, escalated.Requirements.MinSkillLevel)
	assert.True(t, escalated.Requirements.Urgent)
	assert.Equal(t, 0, escalated.Attempts)
	assert.Equal(t, 1, f.queue.Stats().TotalEscalations)
}

func TestEscalation_PrioritySaturatesAtCritical(t *testing.T) {
	assert.Equal(t, PriorityMedium, PriorityLow.Bump())
	assert.Equal(t, PriorityHigh, PriorityMedium.Bump())
	assert.Equal(t, PriorityCritical, PriorityHigh.Bump())
	assert.Equal(t, PriorityCritical, PriorityCritical.Bump())

	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		assert.GreaterOrEqual(t, p.Bump().Weight(), p.Weight())
	}
}

func TestMonitor_WaitTimeExceededNeedsZeroAttempts(t *testing.T) {
	f := newFixture(t, func(q *config.QueueConfig) {
		q.EscalationThreshold = time.Millisecond
		q.MaxWaitTime = time.Hour
	})

	escalations, _ := f.bus.Subscribe(t.Context(), events.KindQueueEntryEscalated)

	_, err := f.queue.Enqueue("s1", CustomerData{}, PriorityLow, registry.Requirements{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	f.queue.MonitorPass()

	select {
	case ev := <-escalations:
		assert.Equal(t, "wait_time_exceeded", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for escalation")
	}
}

func TestMonitor_AttemptedEntriesOnlyPastHardLimit(t *testing.T) {
	f := newFixture(t, func(q *config.QueueConfig) {
		q.EscalationThreshold = time.Millisecond
		q.MaxWaitTime = time.Hour
	})

	res, err := f.queue.Enqueue("s1", CustomerData{}, PriorityLow, registry.Requirements{})
	require.NoError(t, err)

	// One failed attempt; threshold escalation no longer applies.
	f.queue.DispatchPass()
	time.Sleep(5 * time.Millisecond)
	f.queue.MonitorPass()

	_, live := f.queue.Entry(res.QueueID)
	assert.True(t, live, "attempted entry should not escalate before the hard limit")
}

func TestMonitor_MaxWaitExceededRegardlessOfAttempts(t *testing.T) {
	f := newFixture(t, func(q *config.QueueConfig) {
		q.EscalationThreshold = time.Hour
		q.MaxWaitTime = time.Millisecond
	})

	escalations, _ := f.bus.Subscribe(t.Context(), events.KindQueueEntryEscalated)

	_, err := f.queue.Enqueue("s1", CustomerData{}, PriorityLow, registry.Requirements{})
	require.NoError(t, err)
	f.queue.DispatchPass()

	time.Sleep(5 * time.Millisecond)
	f.queue.MonitorPass()

	select {
	case ev := <-escalations:
		assert.Equal(t, "max_wait_exceeded", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for escalation")
	}
}

func TestMonitor_RemovedEntryIsNoOp(t *testing.T) {
	f := newFixture(t, func(q *config.QueueConfig) {
		q.EscalationThreshold = time.Millisecond
		q.MaxWaitTime = time.Millisecond
	})

	res, err := f.queue.Enqueue("s1", CustomerData{}, PriorityLow, registry.Requirements{})
	require.NoError(t, err)
	f.queue.RemoveFromQueue(res.QueueID, "cancelled")

	time.Sleep(5 * time.Millisecond)
	f.queue.MonitorPass()

	assert.Equal(t, 0, f.queue.Stats().TotalEscalations)
}

func TestStats_PerPriorityCounts(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.queue.Enqueue("s1", CustomerData{}, PriorityLow, registry.Requirements{})
	require.NoError(t, err)
	_, err = f.queue.Enqueue("s2", CustomerData{}, PriorityLow, registry.Requirements{})
	require.NoError(t, err)
	_, err = f.queue.Enqueue("s3", CustomerData{}, PriorityCritical, registry.Requirements{})
	require.NoError(t, err)

	stats := f.queue.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 2, stats.ByPriority[PriorityLow])
	assert.Equal(t, 1, stats.ByPriority[PriorityCritical])
}
