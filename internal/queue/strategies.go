// ABOUTME: Selection strategies choosing one agent among scored candidates.
// ABOUTME: Candidates arrive pre-filtered and pre-scored from the registry.

package queue

import (
	"time"

	"github.com/2389/deskrouter/internal/registry"
)

// Strategy names an agent-selection algorithm.
type Strategy string

const (
	StrategyPriority    Strategy = "priority"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastBusy   Strategy = "least_busy"
	StrategySkillBased  Strategy = "skill_based"
	StrategyPerformance Strategy = "performance"
)

// selectCandidate applies the strategy to a non-empty candidate list and
// returns exactly one agent.
func selectCandidate(s Strategy, candidates []registry.Candidate, e *Entry, now time.Time) registry.Candidate {
	switch s {
	case StrategyRoundRobin:
		return candidates[int(now.Unix())%len(candidates)]
	case StrategyLeastBusy:
		return pickLeastBusy(candidates)
	case StrategySkillBased:
		return pickBySkillMatch(candidates, e)
	case StrategyPerformance:
		return pickByPerformance(candidates)
	default:
		// priority: candidates are already sorted by registry score descending.
		return pickByScore(candidates)
	}
}

func pickByScore(candidates []registry.Candidate) registry.Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best
}

func pickLeastBusy(candidates []registry.Candidate) registry.Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if len(c.CurrentChats) < len(best.CurrentChats) {
			best = c
		}
	}
	return best
}

// pickBySkillMatch recomputes a match score favoring skill headroom over the
// requirement, capability overlap, and department affinity.
func pickBySkillMatch(candidates []registry.Candidate, e *Entry) registry.Candidate {
	best := candidates[0]
	bestScore := skillMatchScore(best, e)
	for _, c := range candidates[1:] {
		if s := skillMatchScore(c, e); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func skillMatchScore(c registry.Candidate, e *Entry) float64 {
	headroom := int(c.SkillLevel) - int(e.Requirements.MinSkillLevel) + 1
	if headroom < 0 {
		headroom = 0
	}
	score := 10 * float64(headroom)
	score += 5 * float64(capabilityOverlap(c.Capabilities, e.Requirements.Capabilities))
	if e.Requirements.Department != "" && c.Department == e.Requirements.Department {
		score += 15
	}
	return score
}

func pickByPerformance(candidates []registry.Candidate) registry.Candidate {
	best := candidates[0]
	bestScore := performanceScore(best)
	for _, c := range candidates[1:] {
		if s := performanceScore(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func performanceScore(c registry.Candidate) float64 {
	total := c.Performance.TotalChats
	if total < 1 {
		total = 1
	}
	return 0.6*c.Performance.CustomerRating + 0.4*float64(c.Performance.ResolvedChats)/float64(total)
}

func capabilityOverlap(have, want []string) int {
	n := 0
	for _, w := range want {
		for _, h := range have {
			if h == w {
				n++
				break
			}
		}
	}
	return n
}
