package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
)

// Run invokes one agent under a timeout budget and normalizes every failure
// mode into findings. An error, panic or timeout yields an Unavailable finding
// with confidence 0 for every control in the framework, so a failing agent
// degrades only its own framework's contribution.
func Run(ctx context.Context, a Agent, profile model.CompanyProfile, snap *graph.Snapshot, timeout time.Duration) (model.FrameworkFindings, bool) {
	fwID := a.FrameworkID()
	fw, err := snap.Framework(fwID)
	if err != nil {
		return unavailable(fwID, nil, fmt.Sprintf("framework %s missing from snapshot %d", fwID, snap.Version())), false
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	findings, err := assessSafely(runCtx, a, profile, snap)
	if err != nil {
		return unavailable(fwID, fw.Controls, fmt.Sprintf("agent failed: %v", err)), false
	}

	// Enforce the coverage contract: one finding per control, missing
	// controls surface as Unavailable instead of silently dropping out.
	byControl := make(map[string]model.AgentFinding, len(findings))
	for _, f := range findings {
		byControl[f.ControlID] = f
	}
	out := make([]model.AgentFinding, 0, len(fw.Controls))
	for _, c := range fw.Controls {
		if f, ok := byControl[c.ID]; ok {
			out = append(out, f)
			continue
		}
		out = append(out, model.AgentFinding{
			ControlID:  c.ID,
			Status:     model.StatusUnavailable,
			Confidence: 0,
			Rationale:  "agent returned no finding for this control",
		})
	}
	return model.FrameworkFindings{FrameworkID: fwID, Findings: out}, true
}

// assessSafely converts agent panics into errors so one misbehaving plugin
// cannot take down the fan-out.
func assessSafely(ctx context.Context, a Agent, profile model.CompanyProfile, snap *graph.Snapshot) (findings []model.AgentFinding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("agent panicked: %v", r)
			}
		}()
		findings, err = a.Assess(ctx, profile, snap)
	}()

	select {
	case <-done:
		if err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return findings, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unavailable(frameworkID string, controls []graph.Control, rationale string) model.FrameworkFindings {
	out := make([]model.AgentFinding, 0, len(controls))
	for _, c := range controls {
		out = append(out, model.AgentFinding{
			ControlID:  c.ID,
			Status:     model.StatusUnavailable,
			Confidence: 0,
			Rationale:  rationale,
		})
	}
	return model.FrameworkFindings{FrameworkID: frameworkID, Findings: out, Unavailable: true}
}
