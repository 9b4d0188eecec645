package graph

import "fmt"

// Control is a single checkable requirement within a framework.
type Control struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	Effort      int      `json:"effort" yaml:"effort"` // implementation effort estimate, 1-10
	Threats     []string `json:"threats,omitempty" yaml:"threats"`
}

// Framework is a compliance standard with a fixed set of controls.
type Framework struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Version  string    `json:"version" yaml:"version"`
	Controls []Control `json:"controls" yaml:"controls"`
}

// Threat is a risk mitigated by one or more controls.
type Threat struct {
	ID          string `json:"id" yaml:"id"`
	Severity    int    `json:"severity" yaml:"severity"` // 1-10
	Description string `json:"description" yaml:"description"`
}

// ControlRef qualifies a control id with its framework, since control ids are
// only unique per framework.
type ControlRef struct {
	Framework string `json:"framework" yaml:"framework"`
	Control   string `json:"control" yaml:"control"`
}

// Key returns the canonical "framework/control" form.
func (r ControlRef) Key() string {
	return r.Framework + "/" + r.Control
}

func (r ControlRef) String() string {
	return r.Key()
}

// Mapping is an overlap edge between two controls, possibly cross-framework.
// Symmetric in meaning; stored as two directed entries for query efficiency.
type Mapping struct {
	From   ControlRef `json:"from" yaml:"from"`
	To     ControlRef `json:"to" yaml:"to"`
	Weight float64    `json:"weight" yaml:"weight"` // overlap confidence, 0..1
}

// Equivalent is one neighbor in an equivalence query result.
type Equivalent struct {
	Ref    ControlRef `json:"ref"`
	Weight float64    `json:"weight"`
}

// Bundle is the bulk-upsert payload published by a curation collaborator.
// It is published atomically or rejected as a whole.
type Bundle struct {
	Version    int64       `json:"snapshot_version" yaml:"snapshot_version"`
	Frameworks []Framework `json:"frameworks" yaml:"frameworks"`
	Mappings   []Mapping   `json:"mappings" yaml:"mappings"`
	Threats    []Threat    `json:"threats" yaml:"threats"`
}

// Recommendation is one ranked entry from Prioritize.
type Recommendation struct {
	Control       ControlRef `json:"control"`
	Score         float64    `json:"score"`
	EvidenceReuse int        `json:"evidence_reuse"` // frameworks simultaneously satisfied
	ThreatScore   float64    `json:"threat_score"`
	Affinity      float64    `json:"affinity"` // archetype similarity contribution
	Effort        int        `json:"effort"`
}

func (r Recommendation) String() string {
	return fmt.Sprintf("%s score=%.3f reuse=%d threat=%.1f effort=%d",
		r.Control.Key(), r.Score, r.EvidenceReuse, r.ThreatScore, r.Effort)
}
