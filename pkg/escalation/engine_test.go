package escalation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/comply-core/pkg/model"
)

type recordingSink struct {
	mu        sync.Mutex
	decisions []model.EscalationDecision
}

func (s *recordingSink) AppendDecision(d model.EscalationDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *recordingSink) all() []model.EscalationDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EscalationDecision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

func newTestEngine() (*Engine, *recordingSink) {
	sink := &recordingSink{}
	return NewEngine(Config{Thresholds: DefaultThresholds()}, sink, nil), sink
}

func uniformFindings(frameworkID string, n int, confidence float64) model.FrameworkFindings {
	fw := model.FrameworkFindings{FrameworkID: frameworkID}
	for i := 0; i < n; i++ {
		fw.Findings = append(fw.Findings, model.AgentFinding{
			ControlID:  frameworkID,
			Status:     model.StatusImplemented,
			Confidence: confidence,
		})
	}
	return fw
}

func TestOverallConfidenceCoverageWeighted(t *testing.T) {
	e, _ := newTestEngine()

	// Ten findings at 0.95 and five at 0.55 average by coverage, not by
	// framework: (10*0.95 + 5*0.55) / 15.
	conf := e.OverallConfidence("healthcare", []model.FrameworkFindings{
		uniformFindings("iso", 10, 0.95),
		uniformFindings("soc2", 5, 0.55),
	})
	assert.InDelta(t, 0.8167, conf, 1e-3)
}

func TestOverallConfidenceHistoryBlend(t *testing.T) {
	e, _ := newTestEngine()
	e.SeedHistory("retail", []float64{0.9})

	// Blend is (1-w)*base + w*ema with w capped at 0.30.
	conf := e.OverallConfidence("retail", []model.FrameworkFindings{
		uniformFindings("iso", 4, 0.5),
	})
	assert.InDelta(t, 0.7*0.5+0.3*0.9, conf, 1e-9)
}

func TestOverallConfidenceEmptyFindings(t *testing.T) {
	e, _ := newTestEngine()
	assert.Zero(t, e.OverallConfidence("retail", nil))
}

func TestEvaluateHighRiskIndustry(t *testing.T) {
	e, _ := newTestEngine()
	res := &model.AssessmentResult{
		Profile:           model.CompanyProfile{Name: "Acme", Industry: "Healthcare", Employees: 1200},
		OverallConfidence: 0.8167,
	}

	esc := e.Evaluate(res)
	assert.Equal(t, model.EscalationExpertReview, esc.Type)
	assert.True(t, esc.Type.Escalated())
	require.Len(t, esc.Reasons, 1)
	assert.Contains(t, esc.Reasons[0], "healthcare")
}

func TestEvaluateLowConfidence(t *testing.T) {
	e, _ := newTestEngine()
	res := &model.AssessmentResult{
		Profile:           model.CompanyProfile{Name: "Acme", Industry: "retail", Employees: 100},
		OverallConfidence: 0.5,
	}

	esc := e.Evaluate(res)
	assert.Equal(t, model.EscalationMandatoryReview, esc.Type)
}

func TestEvaluateRulePriorityAndReasonCollection(t *testing.T) {
	e, _ := newTestEngine()
	res := &model.AssessmentResult{
		Profile:           model.CompanyProfile{Name: "Acme", Industry: "finance", Employees: 8000},
		OverallConfidence: 0.4,
		Degraded:          true,
	}

	esc := e.Evaluate(res)
	// First matching rule wins the type; every matching rule contributes
	// its reason.
	assert.Equal(t, model.EscalationMandatoryReview, esc.Type)
	assert.Len(t, esc.Reasons, 4)
}

func TestEvaluateExecutiveApproval(t *testing.T) {
	e, _ := newTestEngine()
	res := &model.AssessmentResult{
		Profile:           model.CompanyProfile{Name: "Acme", Industry: "retail", Employees: 5000},
		OverallConfidence: 0.9,
	}

	esc := e.Evaluate(res)
	assert.Equal(t, model.EscalationExecutiveApproval, esc.Type)
}

func TestEvaluateLegalSensitivity(t *testing.T) {
	e, _ := newTestEngine()
	res := &model.AssessmentResult{
		Profile:           model.CompanyProfile{Name: "Acme", Industry: "retail", Employees: 100},
		OverallConfidence: 0.9,
		Findings: []model.FrameworkFindings{{
			FrameworkID: "iso",
			Findings: []model.AgentFinding{{
				ControlID: "A.1",
				Status:    model.StatusPartial,
				Rationale: "gap may trigger breach notification duties",
			}},
		}},
	}

	esc := e.Evaluate(res)
	assert.Equal(t, model.EscalationLegalValidation, esc.Type)
	assert.Contains(t, esc.Reasons[0], "iso/A.1")
}

func TestEvaluateAutoApproved(t *testing.T) {
	e, _ := newTestEngine()
	res := &model.AssessmentResult{
		Profile:           model.CompanyProfile{Name: "Acme", Industry: "retail", Employees: 100},
		OverallConfidence: 0.9,
	}

	esc := e.Evaluate(res)
	assert.Equal(t, model.EscalationAutoApproved, esc.Type)
	assert.False(t, esc.Type.Escalated())
}

func TestNewEngineSkipsInvalidLegalPattern(t *testing.T) {
	th := DefaultThresholds()
	th.LegalPatterns = []string{"(", "(?i)litigation"}
	e := NewEngine(Config{Thresholds: th}, nil, nil)

	res := &model.AssessmentResult{
		Profile:           model.CompanyProfile{Name: "Acme", Industry: "retail", Employees: 10},
		OverallConfidence: 0.9,
		Findings: []model.FrameworkFindings{{
			FrameworkID: "iso",
			Findings:    []model.AgentFinding{{ControlID: "A.1", Rationale: "ongoing litigation exposure"}},
		}},
	}
	assert.Equal(t, model.EscalationLegalValidation, e.Evaluate(res).Type)
}
