package model

import "time"

// AssessmentStatus is the lifecycle state of an assessment.
type AssessmentStatus string

const (
	StateCreated            AssessmentStatus = "CREATED"
	StateRunning            AssessmentStatus = "RUNNING"
	StateCompletedAuto      AssessmentStatus = "COMPLETED_AUTO"
	StateCompletedEscalated AssessmentStatus = "COMPLETED_ESCALATED"
	StatePendingHumanReview AssessmentStatus = "PENDING_HUMAN_REVIEW"
	StateReviewedApproved   AssessmentStatus = "REVIEWED_APPROVED"
	StateReviewedRejected   AssessmentStatus = "REVIEWED_REJECTED"
	StateReviewedModified   AssessmentStatus = "REVIEWED_MODIFIED"
	StateClosed             AssessmentStatus = "CLOSED"
)

// EscalationType classifies the review routing of an assessment.
type EscalationType string

const (
	EscalationAutoApproved      EscalationType = "AUTO_APPROVED"
	EscalationMandatoryReview   EscalationType = "MANDATORY_HUMAN_REVIEW"
	EscalationExpertReview      EscalationType = "EXPERT_REVIEW_REQUIRED"
	EscalationExecutiveApproval EscalationType = "EXECUTIVE_APPROVAL_NEEDED"
	EscalationLegalValidation   EscalationType = "LEGAL_EXPERT_VALIDATION"
)

// Escalated reports whether the type requires a human in the loop.
func (t EscalationType) Escalated() bool {
	return t != EscalationAutoApproved && t != ""
}

// Escalation is the routing decision attached to an assessment result.
type Escalation struct {
	Type    EscalationType `json:"type"`
	Reasons []string       `json:"reasons"`
}

// AssessmentResult is the merged outcome of one assessment run. It is written
// once by the orchestrator; cached copies are read-only thereafter.
type AssessmentResult struct {
	ID                string              `json:"id"`
	Fingerprint       string              `json:"fingerprint"`
	SnapshotVersion   int64               `json:"snapshot_version"`
	Profile           CompanyProfile      `json:"company_profile"`
	Status            AssessmentStatus    `json:"status"`
	Findings          []FrameworkFindings `json:"per_framework_findings"`
	OverallConfidence float64             `json:"overall_confidence"`
	Escalation        Escalation          `json:"escalation"`
	Degraded          bool                `json:"degraded"`
	Cached            bool                `json:"cached"`
	CreatedAt         time.Time           `json:"created_at"`
}

// EscalationDecision is one append-only audit record. History is only ever
// extended, never rewritten.
type EscalationDecision struct {
	AssessmentID string    `json:"assessment_id"`
	Type         string    `json:"type"`
	Reasons      []string  `json:"reasons"`
	Timestamp    time.Time `json:"timestamp"`
}
