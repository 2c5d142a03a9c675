// ABOUTME: Routing rules mapping session/customer attributes to a selection strategy.
// ABOUTME: Highest-weight matching rule wins; a default rule always matches.

package queue

import "github.com/2389/deskrouter/internal/registry"

// Criteria is a declarative predicate over an entry's customer and session
// attributes. Empty fields match everything.
type Criteria struct {
	AccountTiers []string
	IssueTypes   []string
	Departments  []string
	Priorities   []Priority
	UrgentOnly   bool
}

// Matches reports whether the entry satisfies every populated field.
func (c Criteria) Matches(e *Entry) bool {
	if len(c.AccountTiers) > 0 && !containsString(c.AccountTiers, e.Customer.AccountTier) {
		return false
	}
	if len(c.IssueTypes) > 0 && !containsString(c.IssueTypes, e.Customer.IssueType) {
		return false
	}
	if len(c.Departments) > 0 && !containsString(c.Departments, e.Requirements.Department) {
		return false
	}
	if len(c.Priorities) > 0 && !containsPriority(c.Priorities, e.Priority) {
		return false
	}
	if c.UrgentOnly && !e.Requirements.Urgent {
		return false
	}
	return true
}

// Rule binds matching criteria to requirement overrides and a selection
// strategy. Weight breaks ties between matching rules, highest wins.
type Rule struct {
	Name         string
	Weight       int
	Criteria     Criteria
	Requirements *registry.Requirements // optional overrides applied before the agent query
	Strategy     Strategy
}

// defaultRule always matches and falls back to priority-score selection.
var defaultRule = Rule{Name: "default", Weight: 0, Strategy: StrategyPriority}

// resolveRule picks the highest-weight rule whose criteria match the entry.
func resolveRule(rules []Rule, e *Entry) Rule {
	best := defaultRule
	found := false
	for _, r := range rules {
		if !r.Criteria.Matches(e) {
			continue
		}
		if !found || r.Weight > best.Weight {
			best = r
			found = true
		}
	}
	return best
}

// effectiveRequirements merges rule overrides onto the entry's requirements.
// Only populated override fields replace entry values.
func effectiveRequirements(e *Entry, rule Rule) registry.Requirements {
	req := e.Requirements
	if rule.Requirements == nil {
		return req
	}
	o := rule.Requirements
	if o.Department != "" {
		req.Department = o.Department
	}
	if len(o.Capabilities) > 0 {
		req.Capabilities = o.Capabilities
	}
	if o.MinSkillLevel > req.MinSkillLevel {
		req.MinSkillLevel = o.MinSkillLevel
	}
	if o.Language != "" {
		req.Language = o.Language
	}
	if o.Urgent {
		req.Urgent = true
	}
	return req
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsPriority(list []Priority, v Priority) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
