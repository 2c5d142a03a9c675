// ABOUTME: Tests for selection strategies and routing rule resolution.
// ABOUTME: Candidates are built directly; no registry involved.

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/deskrouter/internal/registry"
)

func candidate(id string, score float64, chats int) registry.Candidate {
	c := registry.Candidate{Score: score}
	c.ID = id
	c.CurrentChats = make([]string, chats)
	return c
}

func TestSelect_PriorityPicksMaxScore(t *testing.T) {
	candidates := []registry.Candidate{
		candidate("low", 10, 0),
		candidate("high", 90, 0),
		candidate("mid", 50, 0),
	}
	got := selectCandidate(StrategyPriority, candidates, &Entry{}, time.Now())
	assert.Equal(t, "high", got.ID)
}

func TestSelect_RoundRobinCyclesByTimestamp(t *testing.T) {
	candidates := []registry.Candidate{
		candidate("a", 0, 0),
		candidate("b", 0, 0),
		candidate("c", 0, 0),
	}
	base := time.Unix(3000, 0)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		got := selectCandidate(StrategyRoundRobin, candidates, &Entry{}, base.Add(time.Duration(i)*time.Second))
		seen[got.ID] = true
	}
	assert.Len(t, seen, 3, "consecutive seconds should hit all candidates")
}

func TestSelect_LeastBusy(t *testing.T) {
	candidates := []registry.Candidate{
		candidate("busy", 99, 3),
		candidate("idle", 1, 0),
		candidate("mid", 50, 1),
	}
	got := selectCandidate(StrategyLeastBusy, candidates, &Entry{}, time.Now())
	assert.Equal(t, "idle", got.ID)
}

func TestSelect_SkillBased(t *testing.T) {
	expert := candidate("expert", 0, 0)
	expert.SkillLevel = registry.SkillExpert
	expert.Capabilities = []string{"billing", "cards"}
	expert.Department = "support"

	novice := candidate("novice", 0, 0)
	novice.SkillLevel = registry.SkillIntermediate
	novice.Capabilities = []string{"billing"}

	entry := &Entry{Requirements: registry.Requirements{
		MinSkillLevel: registry.SkillIntermediate,
		Capabilities:  []string{"billing", "cards"},
		Department:    "support",
	}}

	got := selectCandidate(StrategySkillBased, []registry.Candidate{novice, expert}, entry, time.Now())
	assert.Equal(t, "expert", got.ID)
}

func TestSelect_PerformanceBlendsRatingAndResolution(t *testing.T) {
	rated := candidate("rated", 0, 0)
	rated.Performance = registry.Performance{TotalChats: 10, ResolvedChats: 9, CustomerRating: 4.8}

	fresh := candidate("fresh", 0, 0)
	// Zero history: 0.6*0 + 0.4*(0/1) = 0.

	got := selectCandidate(StrategyPerformance, []registry.Candidate{fresh, rated}, &Entry{}, time.Now())
	assert.Equal(t, "rated", got.ID)
}

func TestResolveRule_HighestWeightWins(t *testing.T) {
	rules := []Rule{
		{Name: "vip", Weight: 10, Criteria: Criteria{AccountTiers: []string{"platinum"}}, Strategy: StrategyPerformance},
		{Name: "vip-priority", Weight: 20, Criteria: Criteria{AccountTiers: []string{"platinum"}}, Strategy: StrategySkillBased},
		{Name: "fraud", Weight: 30, Criteria: Criteria{IssueTypes: []string{"fraud"}}, Strategy: StrategyLeastBusy},
	}

	entry := &Entry{Customer: CustomerData{AccountTier: "platinum", IssueType: "billing"}}
	got := resolveRule(rules, entry)
	assert.Equal(t, "vip-priority", got.Name)
}

func TestResolveRule_FallsBackToDefault(t *testing.T) {
	rules := []Rule{
		{Name: "fraud", Weight: 30, Criteria: Criteria{IssueTypes: []string{"fraud"}}, Strategy: StrategyLeastBusy},
	}

	got := resolveRule(rules, &Entry{Customer: CustomerData{IssueType: "billing"}})
	assert.Equal(t, "default", got.Name)
	assert.Equal(t, StrategyPriority, got.Strategy)
}

func TestCriteria_UrgentOnly(t *testing.T) {
	c := Criteria{UrgentOnly: true}
	assert.False(t, c.Matches(&Entry{}))
	assert.True(t, c.Matches(&Entry{Requirements: registry.Requirements{Urgent: true}}))
}

func TestEffectiveRequirements_Overrides(t *testing.T) {
	entry := &Entry{Requirements: registry.Requirements{
		Department:    "support",
		MinSkillLevel: registry.SkillIntermediate,
	}}
	rule := Rule{Requirements: &registry.Requirements{
		MinSkillLevel: registry.SkillExpert,
		Urgent:        true,
	}}

	req := effectiveRequirements(entry, rule)
	assert.Equal(t, "support", req.Department, "unset override keeps entry value")
	assert.Equal(t, registry.SkillExpert, req.MinSkillLevel)
	assert.True(t, req.Urgent)

	// Lower override never weakens the entry's requirement.
	weak := Rule{Requirements: &registry.Requirements{MinSkillLevel: registry.SkillBasic}}
	req = effectiveRequirements(entry, weak)
	assert.Equal(t, registry.SkillIntermediate, req.MinSkillLevel)
}
