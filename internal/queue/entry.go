// ABOUTME: Queue entry and priority types for the admission queue.
// ABOUTME: Entries are owned by the queue manager; callers get copies.

package queue

import (
	"fmt"
	"time"

	"github.com/2389/deskrouter/internal/registry"
)

// Priority orders queue entries. Higher weight dispatches first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority converts a wire string into a Priority. Empty defaults to medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "":
		return PriorityMedium, nil
	case "low", "medium", "high", "critical":
		return Priority(s), nil
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q", s)
}

// Weight returns the dispatch ordering weight.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// WaitMultiplier scales the estimated wait: urgent tiers wait less.
func (p Priority) WaitMultiplier() float64 {
	switch p {
	case PriorityCritical:
		return 0.5
	case PriorityHigh:
		return 0.7
	case PriorityLow:
		return 1.5
	default:
		return 1.0
	}
}

// Bump returns the next tier up, saturating at critical.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// CustomerData is the opaque routing context attached to a session. The
// banking surface that produces it is outside this system; routing only
// reads tier, issue type, and urgency.
type CustomerData struct {
	CustomerID  string `json:"customerId"`
	AccountTier string `json:"accountTier,omitempty"`
	IssueType   string `json:"issueType,omitempty"`
	Urgency     string `json:"urgency,omitempty"`
}

// Entry is one chat session awaiting assignment.
type Entry struct {
	QueueID          string
	SessionID        string
	CustomerID       string
	Priority         Priority
	Requirements     registry.Requirements
	QueuedAt         time.Time
	EstimatedWait    time.Duration
	Attempts         int
	MaxAttempts      int
	EscalationID     string // set when this entry replaced an escalated one
	EscalationReason string
	TotalWaitTime    time.Duration // accumulated wait carried over an escalation
	Customer         CustomerData

	// Outstanding assignment proposal, cleared on rejection or expiry.
	proposedAgent string
	proposedAt    time.Time
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Requirements.Capabilities = append([]string(nil), e.Requirements.Capabilities...)
	return &c
}

// EnqueueResult reports admission back to the caller.
type EnqueueResult struct {
	QueueID       string
	Position      int
	EstimatedWait time.Duration
}

// Proposal is the payload of an assignment_proposed event. The session layer
// turns it into an offer on the chosen agent's connection.
type Proposal struct {
	QueueID      string
	SessionID    string
	AgentID      string
	Priority     Priority
	Customer     CustomerData
	Requirements registry.Requirements
	QueuedAt     time.Time
}

// Stats is a point-in-time view of queue health.
type Stats struct {
	Size             int
	ByPriority       map[Priority]int
	TotalProcessed   int
	TotalEscalations int
	AvgWait          time.Duration
}
