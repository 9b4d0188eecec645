package escalation

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/comply-core/pkg/model"
)

// ErrIntegrityViolation marks an attempt to programmatically clear
// PENDING_HUMAN_REVIEW. That transition is reserved for the explicit review
// action; hitting this error is logged as a security-relevant event.
var ErrIntegrityViolation = errors.New("escalation: automated transition out of PENDING_HUMAN_REVIEW")

// ErrInvalidTransition rejects a transition the state machine does not allow.
var ErrInvalidTransition = errors.New("escalation: invalid state transition")

// transitions is the complete state machine. Absence means forbidden.
var transitions = map[model.AssessmentStatus][]model.AssessmentStatus{
	model.StateCreated:            {model.StateRunning},
	model.StateRunning:            {model.StateCompletedAuto, model.StateCompletedEscalated},
	model.StateCompletedAuto:      {model.StateClosed},
	model.StateCompletedEscalated: {model.StatePendingHumanReview},
	model.StatePendingHumanReview: {model.StateReviewedApproved, model.StateReviewedRejected, model.StateReviewedModified},
	model.StateReviewedApproved:   {model.StateClosed},
	model.StateReviewedRejected:   {model.StateClosed},
	model.StateReviewedModified:   {model.StateClosed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.AssessmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition advances an assessment along an automated edge and appends the
// audit record. It refuses to leave PENDING_HUMAN_REVIEW: only Review may.
func (e *Engine) Transition(res *model.AssessmentResult, to model.AssessmentStatus, reasons ...string) error {
	if res.Status == model.StatePendingHumanReview {
		e.log.Error("automated transition out of PENDING_HUMAN_REVIEW rejected",
			zap.String("assessment_id", res.ID),
			zap.String("attempted", string(to)))
		e.appendDecision(res.ID, "INTEGRITY_VIOLATION_REJECTED", []string{
			fmt.Sprintf("automated transition to %s rejected", to),
		})
		return ErrIntegrityViolation
	}
	if !CanTransition(res.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, res.Status, to)
	}
	res.Status = to
	e.appendDecision(res.ID, string(to), reasons)
	return nil
}

// ReviewDecision is the verdict of an external human review.
type ReviewDecision string

const (
	ReviewApproved ReviewDecision = "approved"
	ReviewRejected ReviewDecision = "rejected"
	ReviewModified ReviewDecision = "modified"
)

func (d ReviewDecision) status() (model.AssessmentStatus, bool) {
	switch d {
	case ReviewApproved:
		return model.StateReviewedApproved, true
	case ReviewRejected:
		return model.StateReviewedRejected, true
	case ReviewModified:
		return model.StateReviewedModified, true
	default:
		return "", false
	}
}

// Review applies an explicit external review action. This is the only path
// out of PENDING_HUMAN_REVIEW.
func (e *Engine) Review(res *model.AssessmentResult, decision ReviewDecision, reviewerID, notes string) error {
	if res.Status != model.StatePendingHumanReview {
		return fmt.Errorf("%w: review only valid in %s, assessment is %s",
			ErrInvalidTransition, model.StatePendingHumanReview, res.Status)
	}
	to, ok := decision.status()
	if !ok {
		return fmt.Errorf("escalation: unknown review decision %q", decision)
	}
	res.Status = to
	reasons := []string{fmt.Sprintf("reviewed by %s: %s", reviewerID, decision)}
	if notes != "" {
		reasons = append(reasons, "notes: "+notes)
	}
	e.appendDecision(res.ID, string(to), reasons)
	e.log.Info("assessment reviewed",
		zap.String("assessment_id", res.ID),
		zap.String("decision", string(decision)),
		zap.String("reviewer", reviewerID))
	return nil
}
