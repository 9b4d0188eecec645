package model

// FindingStatus is the per-control outcome reported by a framework agent.
type FindingStatus string

const (
	StatusImplemented    FindingStatus = "Implemented"
	StatusPartial        FindingStatus = "Partial"
	StatusNotImplemented FindingStatus = "NotImplemented"
	StatusNotApplicable  FindingStatus = "NotApplicable"
	StatusUnavailable    FindingStatus = "Unavailable"
)

// AgentFinding is a normalized per-control result from a framework agent.
// Immutable once produced.
type AgentFinding struct {
	ControlID         string        `json:"control_id"`
	Status            FindingStatus `json:"status"`
	Confidence        float64       `json:"confidence"` // 0..1
	Evidence          []string      `json:"evidence,omitempty"`
	Rationale         string        `json:"rationale,omitempty"`
	RemediationEffort int           `json:"remediation_effort,omitempty"`
}

// FrameworkFindings groups one framework's findings inside a result.
type FrameworkFindings struct {
	FrameworkID string         `json:"framework_id"`
	Findings    []AgentFinding `json:"findings"`
	Unavailable bool           `json:"unavailable,omitempty"`
}

// MeanConfidence averages finding confidence across the group.
func (f FrameworkFindings) MeanConfidence() float64 {
	if len(f.Findings) == 0 {
		return 0
	}
	var sum float64
	for _, fd := range f.Findings {
		sum += fd.Confidence
	}
	return sum / float64(len(f.Findings))
}
