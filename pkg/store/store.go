// Package store persists assessment results, the append-only escalation audit
// trail, the sidecar task queue and confidence history in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/user/comply-core/pkg/model"
)

// ErrNotFound is returned for unknown assessment or task ids.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *zap.Logger
}

// New creates or opens the database at path.
func New(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, log: log.Named("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		snapshot_version INTEGER NOT NULL,
		status TEXT NOT NULL,
		overall_confidence REAL NOT NULL,
		degraded INTEGER NOT NULL DEFAULT 0,
		result_json TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assessments_fingerprint ON assessments(fingerprint);

	-- Append-only: rows are inserted, never updated or deleted.
	CREATE TABLE IF NOT EXISTS escalation_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assessment_id TEXT NOT NULL,
		type TEXT NOT NULL,
		reasons_json TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_assessment ON escalation_decisions(assessment_id);

	CREATE TABLE IF NOT EXISTS sidecar_tasks (
		id TEXT PRIMARY KEY,
		assessment_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON sidecar_tasks(status);

	CREATE TABLE IF NOT EXISTS annotations (
		task_id TEXT PRIMARY KEY,
		assessment_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_annotations_assessment ON annotations(assessment_id);

	CREATE TABLE IF NOT EXISTS confidence_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		industry TEXT NOT NULL,
		employees INTEGER NOT NULL,
		confidence REAL NOT NULL,
		implemented_json TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_industry ON confidence_history(industry);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveResult inserts a new assessment result. Results are written once; later
// state changes go through UpdateStatus only.
func (s *Store) SaveResult(res model.AssessmentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO assessments (id, fingerprint, snapshot_version, status, overall_confidence, degraded, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.Fingerprint, res.SnapshotVersion, string(res.Status),
		res.OverallConfidence, boolInt(res.Degraded), string(data), res.CreatedAt.UTC())
	return err
}

// GetResult loads an assessment by id. The status column is authoritative for
// lifecycle state; the stored JSON carries the full findings payload.
func (s *Store) GetResult(id string) (model.AssessmentResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		data   string
		status string
	)
	err := s.db.QueryRow(`SELECT result_json, status FROM assessments WHERE id = ?`, id).Scan(&data, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AssessmentResult{}, ErrNotFound
	}
	if err != nil {
		return model.AssessmentResult{}, err
	}
	var res model.AssessmentResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return model.AssessmentResult{}, fmt.Errorf("unmarshal result %s: %w", id, err)
	}
	res.Status = model.AssessmentStatus(status)
	return res, nil
}

// UpdateStatus records a lifecycle state change for an assessment.
func (s *Store) UpdateStatus(id string, status model.AssessmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.db.Exec(`UPDATE assessments SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, _ := r.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendDecision adds one audit record. There is deliberately no update or
// delete counterpart.
func (s *Store) AppendDecision(d model.EscalationDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return err
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO escalation_decisions (assessment_id, type, reasons_json, created_at)
		VALUES (?, ?, ?, ?)`,
		d.AssessmentID, d.Type, string(reasons), ts)
	return err
}

// Decisions returns the audit trail for an assessment, oldest first.
func (s *Store) Decisions(assessmentID string) ([]model.EscalationDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT type, reasons_json, created_at FROM escalation_decisions
		WHERE assessment_id = ? ORDER BY id ASC`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EscalationDecision
	for rows.Next() {
		var (
			d       model.EscalationDecision
			reasons sql.NullString
		)
		d.AssessmentID = assessmentID
		if err := rows.Scan(&d.Type, &reasons, &d.Timestamp); err != nil {
			return nil, err
		}
		if reasons.Valid {
			if err := json.Unmarshal([]byte(reasons.String), &d.Reasons); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
