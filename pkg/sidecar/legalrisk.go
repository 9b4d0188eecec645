package sidecar

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/comply-core/pkg/model"
)

// Annotator drafts annotation text from a prompt. Satisfied by the llm
// package providers; nil means the consumer falls back to deterministic text.
type Annotator interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const legalSystemPrompt = `You are a compliance legal analyst. Given assessment
findings, write a short legal-risk annotation: exposure areas, jurisdictions
of concern, and which gaps need counsel review. Be factual and concise.`

// TaskTypeLegalRisk identifies legal-risk annotation tasks.
const TaskTypeLegalRisk = "legal_risk"

// LegalRiskConsumer produces legal-risk annotations for completed
// assessments. With an Annotator configured it drafts via the model;
// otherwise it summarizes the gaps deterministically so the pipeline works
// offline.
type LegalRiskConsumer struct {
	annotator Annotator
}

// NewLegalRiskConsumer creates the consumer. annotator may be nil.
func NewLegalRiskConsumer(annotator Annotator) *LegalRiskConsumer {
	return &LegalRiskConsumer{annotator: annotator}
}

// Type implements Consumer.
func (c *LegalRiskConsumer) Type() string {
	return TaskTypeLegalRisk
}

// Process implements Consumer.
func (c *LegalRiskConsumer) Process(ctx context.Context, task model.SidecarTask, payload Payload) (string, error) {
	gaps := collectGaps(payload.Findings)

	if c.annotator != nil {
		prompt := buildLegalPrompt(payload, gaps)
		body, err := c.annotator.Complete(ctx, legalSystemPrompt, prompt)
		if err != nil {
			return "", fmt.Errorf("legal annotator: %w", err)
		}
		return body, nil
	}

	var sb strings.Builder
	sb.WriteString("Legal risk summary for ")
	sb.WriteString(payload.ProfileSummary)
	sb.WriteString("\n")
	if len(gaps) == 0 {
		sb.WriteString("No unimplemented controls; residual legal exposure is low.\n")
		return sb.String(), nil
	}
	sb.WriteString(fmt.Sprintf("%d control gaps carry potential legal exposure:\n", len(gaps)))
	for _, g := range gaps {
		sb.WriteString("  - " + g + "\n")
	}
	sb.WriteString("Recommend counsel review of the listed gaps.\n")
	return sb.String(), nil
}

func collectGaps(findings []model.FrameworkFindings) []string {
	var gaps []string
	for _, fw := range findings {
		for _, f := range fw.Findings {
			if f.Status == model.StatusNotImplemented || f.Status == model.StatusPartial {
				gaps = append(gaps, fw.FrameworkID+"/"+f.ControlID+" ("+string(f.Status)+")")
			}
		}
	}
	return gaps
}

func buildLegalPrompt(payload Payload, gaps []string) string {
	var sb strings.Builder
	sb.WriteString("Organization: ")
	sb.WriteString(payload.ProfileSummary)
	sb.WriteString("\nControl gaps:\n")
	for _, g := range gaps {
		sb.WriteString("- " + g + "\n")
	}
	return sb.String()
}
