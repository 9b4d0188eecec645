package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
)

// BaselineAgent assesses a framework from the profile's declared controls and
// the graph's overlap edges. A declared control counts as direct evidence; a
// strong mapping from a declared control in another framework counts as
// partial evidence reused across frameworks.
type BaselineAgent struct {
	frameworkID string
}

// NewBaselineAgent creates a declared-controls assessor for one framework.
func NewBaselineAgent(frameworkID string) *BaselineAgent {
	return &BaselineAgent{frameworkID: frameworkID}
}

// FrameworkID implements Agent.
func (b *BaselineAgent) FrameworkID() string {
	return b.frameworkID
}

// Assess implements Agent. Pure with respect to shared state: it only reads
// the snapshot it is handed.
func (b *BaselineAgent) Assess(ctx context.Context, profile model.CompanyProfile, snap *graph.Snapshot) ([]model.AgentFinding, error) {
	fw, err := snap.Framework(b.frameworkID)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]bool, len(profile.DeclaredControls))
	for _, c := range profile.DeclaredControls {
		declared[strings.ToLower(c)] = true
	}

	findings := make([]model.AgentFinding, 0, len(fw.Controls))
	for _, c := range fw.Controls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		findings = append(findings, b.assessControl(fw.ID, c, declared, snap))
	}
	return findings, nil
}

func (b *BaselineAgent) assessControl(fwID string, c graph.Control, declared map[string]bool, snap *graph.Snapshot) model.AgentFinding {
	ref := graph.ControlRef{Framework: fwID, Control: c.ID}

	if declared[strings.ToLower(ref.Key())] || declared[strings.ToLower(c.ID)] {
		return model.AgentFinding{
			ControlID:         c.ID,
			Status:            model.StatusImplemented,
			Confidence:        0.95,
			Evidence:          []string{"declared:" + c.ID},
			Rationale:         "control declared by the organization",
			RemediationEffort: 0,
		}
	}

	// Look for a declared control in another framework that maps onto this
	// one; the mapping weight bounds how much of the requirement carries over.
	nbrs, err := snap.EquivalentControls(ref)
	if err == nil {
		for _, nbr := range nbrs {
			if !declared[strings.ToLower(nbr.Ref.Key())] && !declared[strings.ToLower(nbr.Ref.Control)] {
				continue
			}
			if nbr.Weight >= 0.9 {
				return model.AgentFinding{
					ControlID:  c.ID,
					Status:     model.StatusImplemented,
					Confidence: 0.6 + 0.3*nbr.Weight,
					Evidence:   []string{"mapped:" + nbr.Ref.Key()},
					Rationale:  fmt.Sprintf("satisfied via equivalent control %s (overlap %.2f)", nbr.Ref.Key(), nbr.Weight),
				}
			}
			if nbr.Weight >= 0.5 {
				return model.AgentFinding{
					ControlID:         c.ID,
					Status:            model.StatusPartial,
					Confidence:        0.4 + 0.4*nbr.Weight,
					Evidence:          []string{"mapped:" + nbr.Ref.Key()},
					Rationale:         fmt.Sprintf("partially covered by %s (overlap %.2f)", nbr.Ref.Key(), nbr.Weight),
					RemediationEffort: c.Effort / 2,
				}
			}
		}
	}

	// Controls with no mitigated threats are informational; for a company
	// with no declared evidence they read as not applicable rather than as a
	// gap.
	if len(c.Threats) == 0 {
		return model.AgentFinding{
			ControlID:  c.ID,
			Status:     model.StatusNotApplicable,
			Confidence: 0.7,
			Rationale:  "control mitigates no tracked threat for this profile",
		}
	}

	return model.AgentFinding{
		ControlID:         c.ID,
		Status:            model.StatusNotImplemented,
		Confidence:        0.8,
		Rationale:         "no declared or mapped evidence found",
		RemediationEffort: c.Effort,
	}
}
