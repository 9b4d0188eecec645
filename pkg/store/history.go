package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
)

// RecordArchetype persists one assessed organization's shape: industry, size,
// base confidence and the controls found implemented. Feeds both the EMA
// history at boot and the archetype affinity used by Prioritize.
func (s *Store) RecordArchetype(profile model.CompanyProfile, confidence float64, implemented []graph.ControlRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(implemented))
	for _, ref := range implemented {
		keys = append(keys, strings.ToLower(ref.Key()))
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	norm := profile.Normalized()
	_, err = s.db.Exec(`
		INSERT INTO confidence_history (industry, employees, confidence, implemented_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		norm.Industry, norm.Employees, confidence, string(data), time.Now().UTC())
	return err
}

// RecentConfidence returns up to limit historical confidence values for an
// industry, oldest first, for seeding the escalation engine's EMA.
func (s *Store) RecentConfidence(industry string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 32
	}
	rows, err := s.db.Query(`
		SELECT confidence FROM (
			SELECT id, confidence FROM confidence_history
			WHERE industry = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, strings.ToLower(industry), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Industries lists every industry with recorded archetype history.
func (s *Store) Industries() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT DISTINCT industry FROM confidence_history ORDER BY industry`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ind string
		if err := rows.Scan(&ind); err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

// ControlAffinity implements graph.ArchetypeScorer: nearest-neighbor over
// industry and organization size. The score is the size-similarity-weighted
// share of same-industry archetypes that implemented the control.
func (s *Store) ControlAffinity(profile model.CompanyProfile, ref graph.ControlRef) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	norm := profile.Normalized()
	rows, err := s.db.Query(`
		SELECT employees, implemented_json FROM confidence_history
		WHERE industry = ? ORDER BY id DESC LIMIT 100`, norm.Industry)
	if err != nil {
		return 0
	}
	defer rows.Close()

	key := strings.ToLower(ref.Key())
	var total, hit float64
	for rows.Next() {
		var (
			employees int
			impl      string
		)
		if err := rows.Scan(&employees, &impl); err != nil {
			return 0
		}
		sim := sizeSimilarity(norm.Employees, employees)
		total += sim

		var keys []string
		if json.Unmarshal([]byte(impl), &keys) != nil {
			continue
		}
		for _, k := range keys {
			if k == key {
				hit += sim
				break
			}
		}
	}
	if total == 0 {
		return 0
	}
	return hit / total
}

func sizeSimilarity(a, b int) float64 {
	if a <= 0 || b <= 0 {
		return 0.5
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}
