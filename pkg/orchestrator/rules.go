package orchestrator

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/comply-core/pkg/model"
)

// Rule maps company attributes to mandatory and optional frameworks. Empty
// matcher fields match everything.
type Rule struct {
	Industries    []string `yaml:"industries"`
	Jurisdictions []string `yaml:"jurisdictions"`
	MinEmployees  int      `yaml:"min_employees"`
	MaxEmployees  int      `yaml:"max_employees"`
	Mandatory     []string `yaml:"mandatory"`
	Optional      []string `yaml:"optional"`
}

func (r Rule) matches(p model.CompanyProfile) bool {
	if len(r.Industries) > 0 && !containsFold(r.Industries, p.Industry) {
		return false
	}
	if len(r.Jurisdictions) > 0 && !containsFold(r.Jurisdictions, p.Jurisdiction) {
		return false
	}
	if r.MinEmployees > 0 && p.Employees < r.MinEmployees {
		return false
	}
	if r.MaxEmployees > 0 && p.Employees > r.MaxEmployees {
		return false
	}
	return true
}

// Resolver derives the applicable framework set for a profile. An explicit
// request always overrides the rule table.
type Resolver struct {
	rules    []Rule
	defaults []string
}

// NewResolver builds a resolver from a rule table and a default framework set
// applied when no rule matches.
func NewResolver(rules []Rule, defaults []string) *Resolver {
	return &Resolver{rules: rules, defaults: defaults}
}

// ruleFile is the YAML shape of a rule table on disk.
type ruleFile struct {
	Defaults []string `yaml:"defaults"`
	Rules    []Rule   `yaml:"rules"`
}

// LoadResolver reads a rule table from a YAML file.
func LoadResolver(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return NewResolver(rf.Rules, rf.Defaults), nil
}

// Resolve returns the sorted framework set for a request. A non-empty
// requested set is the manual override; otherwise mandatory and optional
// frameworks of every matching rule apply, falling back to the defaults.
func (rv *Resolver) Resolve(profile model.CompanyProfile, requested []string) []string {
	if len(requested) > 0 {
		return sortedUnique(requested)
	}

	p := profile.Normalized()
	var out []string
	for _, r := range rv.rules {
		if !r.matches(p) {
			continue
		}
		out = append(out, r.Mandatory...)
		out = append(out, r.Optional...)
	}
	if len(out) == 0 {
		out = append(out, rv.defaults...)
	}
	return sortedUnique(out)
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
