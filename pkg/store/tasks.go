package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/user/comply-core/pkg/model"
)

// SaveTask inserts a newly enqueued sidecar task.
func (s *Store) SaveTask(t model.SidecarTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sidecar_tasks (id, assessment_id, task_type, priority, retry_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AssessmentID, t.TaskType, t.Priority, t.RetryCount,
		string(t.Status), t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	return err
}

// UpdateTask records a status or retry-count change.
func (s *Store) UpdateTask(t model.SidecarTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.db.Exec(`
		UPDATE sidecar_tasks SET retry_count = ?, status = ?, updated_at = ? WHERE id = ?`,
		t.RetryCount, string(t.Status), time.Now().UTC(), t.ID)
	if err != nil {
		return err
	}
	n, _ := r.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask marks a task Completed and attaches its annotation in one
// transaction. Re-delivering an already-completed task is a no-op; the first
// annotation wins and the return value reports whether this call changed
// anything.
func (s *Store) CompleteTask(taskID string, a model.Annotation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM sidecar_tasks WHERE id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if model.TaskStatus(status) == model.TaskCompleted {
		return false, nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE sidecar_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.TaskCompleted), now, taskID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO annotations (task_id, assessment_id, task_type, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.TaskID, a.AssessmentID, a.TaskType, a.Body, now); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// PendingTasks returns tasks that still need delivery: Queued, plus
// InProgress ones orphaned by a crash. Ordered by priority then age so
// recovery preserves scheduling intent.
func (s *Store) PendingTasks() ([]model.SidecarTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, assessment_id, task_type, priority, retry_count, status, created_at, updated_at
		FROM sidecar_tasks
		WHERE status IN (?, ?)
		ORDER BY priority DESC, created_at ASC`,
		string(model.TaskQueued), string(model.TaskInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SidecarTask
	for rows.Next() {
		var t model.SidecarTask
		var status string
		if err := rows.Scan(&t.ID, &t.AssessmentID, &t.TaskType, &t.Priority,
			&t.RetryCount, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = model.TaskStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTask loads one task by id.
func (s *Store) GetTask(taskID string) (model.SidecarTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t model.SidecarTask
	var status string
	err := s.db.QueryRow(`
		SELECT id, assessment_id, task_type, priority, retry_count, status, created_at, updated_at
		FROM sidecar_tasks WHERE id = ?`, taskID).
		Scan(&t.ID, &t.AssessmentID, &t.TaskType, &t.Priority, &t.RetryCount, &status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SidecarTask{}, ErrNotFound
	}
	if err != nil {
		return model.SidecarTask{}, err
	}
	t.Status = model.TaskStatus(status)
	return t, nil
}

// Annotations returns the annotations attached to an assessment.
func (s *Store) Annotations(assessmentID string) ([]model.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT task_id, assessment_id, task_type, body, created_at
		FROM annotations WHERE assessment_id = ? ORDER BY created_at ASC`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Annotation
	for rows.Next() {
		var a model.Annotation
		if err := rows.Scan(&a.TaskID, &a.AssessmentID, &a.TaskType, &a.Body, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
