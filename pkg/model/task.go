package model

import "time"

// TaskStatus tracks a sidecar task through the pipeline.
type TaskStatus string

const (
	TaskQueued          TaskStatus = "Queued"
	TaskInProgress      TaskStatus = "InProgress"
	TaskCompleted       TaskStatus = "Completed"
	TaskFailedPermanent TaskStatus = "FailedPermanent"
)

// SidecarTask is an asynchronous enrichment job tied to a completed
// assessment. Created once, delivered at least once, idempotent on completion.
type SidecarTask struct {
	ID           string     `json:"id"`
	AssessmentID string     `json:"assessment_id"`
	TaskType     string     `json:"task_type"`
	Priority     int        `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Annotation is the supplementary output a sidecar consumer attaches to an
// assessment once (and if) its task succeeds.
type Annotation struct {
	TaskID       string    `json:"task_id"`
	AssessmentID string    `json:"assessment_id"`
	TaskType     string    `json:"task_type"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}
