// ABOUTME: Core types for the agent registry: status machine, skill levels, performance.
// ABOUTME: Snapshots are handed out to callers; live records never leave the registry.

package registry

import (
	"fmt"
	"time"
)

// Status is an agent's availability state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusAway      Status = "away"
	StatusBreak     Status = "break"
	StatusOffline   Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusAway, StatusBreak, StatusOffline:
		return true
	}
	return false
}

// SkillLevel is an ordinal proficiency tier.
type SkillLevel int

const (
	SkillBasic SkillLevel = iota
	SkillIntermediate
	SkillAdvanced
	SkillExpert
)

// ParseSkillLevel converts a wire string into a SkillLevel.
func ParseSkillLevel(s string) (SkillLevel, error) {
	switch s {
	case "basic", "":
		return SkillBasic, nil
	case "intermediate":
		return SkillIntermediate, nil
	case "advanced":
		return SkillAdvanced, nil
	case "expert":
		return SkillExpert, nil
	}
	return SkillBasic, fmt.Errorf("unknown skill level %q", s)
}

// String returns the wire form of the skill level.
func (l SkillLevel) String() string {
	switch l {
	case SkillIntermediate:
		return "intermediate"
	case SkillAdvanced:
		return "advanced"
	case SkillExpert:
		return "expert"
	default:
		return "basic"
	}
}

// Bump returns the next tier up, saturating at expert.
func (l SkillLevel) Bump() SkillLevel {
	if l >= SkillExpert {
		return SkillExpert
	}
	return l + 1
}

// Performance accumulates an agent's service history.
type Performance struct {
	TotalChats      int
	ResolvedChats   int
	AvgResponseTime time.Duration
	CustomerRating  float64
}

// ResolutionRate is resolved over total, zero-safe.
func (p Performance) ResolutionRate() float64 {
	if p.TotalChats == 0 {
		return 0
	}
	return float64(p.ResolvedChats) / float64(p.TotalChats)
}

// AgentInfo is the identity an agent registers with.
type AgentInfo struct {
	ID                 string
	Name               string
	Department         string
	Capabilities       []string
	SkillLevel         SkillLevel
	Languages          []string
	MaxConcurrentChats int
}

// agent is the live registry record. Mutations happen only under the
// registry lock; callers get Snapshot copies.
type agent struct {
	AgentInfo

	Status           Status
	Online           bool
	CurrentChats     map[string]time.Time // sessionID -> assigned at
	Performance      Performance
	RegisteredAt     time.Time
	LastActivity     time.Time
	LastStatusChange time.Time

	completedChats int // denominator for the response-time running average
	ratingCount    int
}

// Snapshot is a point-in-time copy of an agent record.
type Snapshot struct {
	AgentInfo

	Status           Status
	Online           bool
	CurrentChats     []string
	Performance      Performance
	RegisteredAt     time.Time
	LastActivity     time.Time
	LastStatusChange time.Time
}

// AtCapacity reports whether the snapshot holds its maximum concurrent chats.
func (s Snapshot) AtCapacity() bool {
	return len(s.CurrentChats) >= s.MaxConcurrentChats
}

// Requirements filters candidate agents for an assignment.
type Requirements struct {
	Department    string
	Capabilities  []string
	MinSkillLevel SkillLevel
	Language      string
	Urgent        bool
}

// Candidate is a matching agent annotated with its priority score.
type Candidate struct {
	Snapshot
	Score float64
}

func (a *agent) snapshot() Snapshot {
	chats := make([]string, 0, len(a.CurrentChats))
	for id := range a.CurrentChats {
		chats = append(chats, id)
	}
	info := a.AgentInfo
	info.Capabilities = append([]string(nil), a.Capabilities...)
	info.Languages = append([]string(nil), a.Languages...)
	return Snapshot{
		AgentInfo:        info,
		Status:           a.Status,
		Online:           a.Online,
		CurrentChats:     chats,
		Performance:      a.Performance,
		RegisteredAt:     a.RegisteredAt,
		LastActivity:     a.LastActivity,
		LastStatusChange: a.LastStatusChange,
	}
}
