package sidecar

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
)

// TaskTypeThreatScenario identifies threat-scenario generation tasks.
const TaskTypeThreatScenario = "threat_scenario"

// ThreatScenarioConsumer derives threat scenarios from the coverage gaps in
// an assessment: every unmitigated control contributes the threats it would
// have covered, ranked by severity.
type ThreatScenarioConsumer struct {
	graphs *graph.Store
}

// NewThreatScenarioConsumer creates the consumer over the live graph store.
func NewThreatScenarioConsumer(graphs *graph.Store) *ThreatScenarioConsumer {
	return &ThreatScenarioConsumer{graphs: graphs}
}

// Type implements Consumer.
func (c *ThreatScenarioConsumer) Type() string {
	return TaskTypeThreatScenario
}

// Process implements Consumer.
func (c *ThreatScenarioConsumer) Process(ctx context.Context, task model.SidecarTask, payload Payload) (string, error) {
	snap, err := c.graphs.Current()
	if err != nil {
		return "", fmt.Errorf("threat scenarios: %w", err)
	}

	type exposure struct {
		threat   graph.Threat
		controls []string
	}
	exposed := make(map[string]*exposure)

	for _, fw := range payload.Findings {
		for _, f := range fw.Findings {
			if f.Status != model.StatusNotImplemented && f.Status != model.StatusUnavailable {
				continue
			}
			ctl, err := snap.Control(graph.ControlRef{Framework: fw.FrameworkID, Control: f.ControlID})
			if err != nil {
				continue
			}
			for _, tid := range ctl.Threats {
				t, err := snap.Threat(tid)
				if err != nil {
					continue
				}
				e, ok := exposed[tid]
				if !ok {
					e = &exposure{threat: t}
					exposed[tid] = e
				}
				e.controls = append(e.controls, fw.FrameworkID+"/"+f.ControlID)
			}
		}
	}

	if len(exposed) == 0 {
		return "No uncovered threats: every tracked threat is mitigated by an implemented control.\n", nil
	}

	ordered := make([]*exposure, 0, len(exposed))
	for _, e := range exposed {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].threat.Severity != ordered[j].threat.Severity {
			return ordered[i].threat.Severity > ordered[j].threat.Severity
		}
		return ordered[i].threat.ID < ordered[j].threat.ID
	})

	var sb strings.Builder
	sb.WriteString("Threat scenarios for ")
	sb.WriteString(payload.ProfileSummary)
	sb.WriteString("\n")
	for _, e := range ordered {
		sort.Strings(e.controls)
		sb.WriteString(fmt.Sprintf("[severity %d] %s: %s\n", e.threat.Severity, e.threat.ID, e.threat.Description))
		sb.WriteString("  uncovered controls: " + strings.Join(e.controls, ", ") + "\n")
	}
	return sb.String(), nil
}
