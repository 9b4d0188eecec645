package graph

import (
	"sort"

	"github.com/user/comply-core/pkg/model"
)

// ArchetypeScorer rates how strongly a company profile resembles previously
// assessed organizations that implemented a given control. Implementations
// return a value in [0,1]; a zero scorer is valid and contributes nothing.
type ArchetypeScorer interface {
	ControlAffinity(profile model.CompanyProfile, ref ControlRef) float64
}

// NopScorer is an ArchetypeScorer with no historical data.
type NopScorer struct{}

// ControlAffinity always returns 0.
func (NopScorer) ControlAffinity(model.CompanyProfile, ControlRef) float64 { return 0 }

// Scoring weights for Prioritize. Reuse and threat mitigation dominate;
// archetype affinity nudges rather than decides.
const (
	reuseWeight    = 2.0
	threatWeight   = 1.0
	affinityWeight = 1.5

	// Neighbors below this overlap confidence do not count as evidence reuse.
	reuseFloor = 0.5
)

// Prioritize ranks a target framework's controls for a company. The score
// rewards cross-framework evidence reuse, mitigated threat severity and
// archetype affinity, and penalizes implementation effort scaled by the
// caller's risk tolerance. Ordering is fully deterministic: ties break on
// lower effort, then lexicographic control id.
func (s *Snapshot) Prioritize(profile model.CompanyProfile, targetFramework string, riskTolerance float64, scorer ArchetypeScorer) ([]Recommendation, error) {
	fw, err := s.Framework(targetFramework)
	if err != nil {
		return nil, err
	}
	if scorer == nil {
		scorer = NopScorer{}
	}
	norm := profile.Normalized()

	recs := make([]Recommendation, 0, len(fw.Controls))
	for _, c := range fw.Controls {
		ref := ControlRef{Framework: fw.ID, Control: c.ID}

		reuse := s.evidenceReuse(ref)
		threat := s.threatScore(c)
		affinity := clamp01(scorer.ControlAffinity(norm, ref))

		score := reuseWeight*float64(reuse) +
			threatWeight*threat +
			affinityWeight*affinity -
			riskTolerance*float64(c.Effort)

		recs = append(recs, Recommendation{
			Control:       ref,
			Score:         score,
			EvidenceReuse: reuse,
			ThreatScore:   threat,
			Affinity:      affinity,
			Effort:        c.Effort,
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		if recs[i].Effort != recs[j].Effort {
			return recs[i].Effort < recs[j].Effort
		}
		return recs[i].Control.Control < recs[j].Control.Control
	})
	return recs, nil
}

// evidenceReuse counts distinct foreign frameworks reachable through mapping
// edges at or above the reuse floor.
func (s *Snapshot) evidenceReuse(ref ControlRef) int {
	seen := make(map[string]bool)
	for _, nbr := range s.edges[ref.Key()] {
		if nbr.Weight < reuseFloor || nbr.Ref.Framework == ref.Framework {
			continue
		}
		seen[nbr.Ref.Framework] = true
	}
	return len(seen)
}

// threatScore sums the severities of the threats a control mitigates.
func (s *Snapshot) threatScore(c Control) float64 {
	var sum float64
	for _, id := range c.Threats {
		if t, ok := s.threats[id]; ok {
			sum += float64(t.Severity)
		}
	}
	return sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
