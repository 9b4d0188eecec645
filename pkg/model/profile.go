package model

import (
	"sort"
	"strings"
	"time"
)

// CompanyProfile is an immutable snapshot of organization attributes supplied
// per assessment request. It is never mutated after the request is created.
type CompanyProfile struct {
	Name             string   `json:"name" yaml:"name"`
	Industry         string   `json:"industry" yaml:"industry"`
	Employees        int      `json:"employees" yaml:"employees"`
	Jurisdiction     string   `json:"jurisdiction" yaml:"jurisdiction"`
	TechStack        []string `json:"tech_stack,omitempty" yaml:"tech_stack"`
	DeclaredControls []string `json:"declared_controls,omitempty" yaml:"declared_controls"`
}

// Normalized returns a canonical copy: lowercased categorical attributes and
// sorted sets, so that two equivalent profiles fingerprint identically.
func (p CompanyProfile) Normalized() CompanyProfile {
	n := CompanyProfile{
		Name:         strings.TrimSpace(p.Name),
		Industry:     strings.ToLower(strings.TrimSpace(p.Industry)),
		Employees:    p.Employees,
		Jurisdiction: strings.ToLower(strings.TrimSpace(p.Jurisdiction)),
	}
	n.TechStack = normalizeSet(p.TechStack)
	n.DeclaredControls = normalizeSet(p.DeclaredControls)
	return n
}

// HasControl reports whether the profile declares the given control id.
func (p CompanyProfile) HasControl(id string) bool {
	for _, c := range p.DeclaredControls {
		if strings.EqualFold(c, id) {
			return true
		}
	}
	return false
}

// Summary returns a compact one-line description for sidecar payloads.
func (p CompanyProfile) Summary() string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	sb.WriteString(" (")
	sb.WriteString(p.Industry)
	sb.WriteString(", ")
	sb.WriteString(p.Jurisdiction)
	sb.WriteString(")")
	return sb.String()
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// AssessmentRequest couples a profile with the requested framework set and an
// optional deadline. An empty Frameworks slice means "resolve from profile".
type AssessmentRequest struct {
	Profile    CompanyProfile `json:"company_profile" yaml:"company_profile"`
	Frameworks []string       `json:"frameworks,omitempty" yaml:"frameworks"`
	DeadlineMs int            `json:"deadline_ms,omitempty" yaml:"deadline_ms"`
}

// Deadline converts DeadlineMs into a duration, zero meaning "no deadline".
func (r AssessmentRequest) Deadline() time.Duration {
	if r.DeadlineMs <= 0 {
		return 0
	}
	return time.Duration(r.DeadlineMs) * time.Millisecond
}
