package graph

import (
	"fmt"
	"sort"
)

// Snapshot is an immutable, versioned view of the knowledge graph. Readers
// bind to one snapshot for the lifetime of a request; all lookups are
// read-only after construction.
type Snapshot struct {
	version    int64
	frameworks map[string]Framework
	controls   map[string]Control    // keyed by ControlRef.Key()
	threats    map[string]Threat
	edges      map[string][]Equivalent // directed adjacency, keyed by ControlRef.Key()
}

// NewSnapshot validates a bundle and builds a snapshot from it. Any integrity
// problem (duplicate ids, dangling edges, out-of-range weights) rejects the
// whole bundle.
func NewSnapshot(b Bundle) (*Snapshot, error) {
	s := &Snapshot{
		version:    b.Version,
		frameworks: make(map[string]Framework, len(b.Frameworks)),
		controls:   make(map[string]Control),
		threats:    make(map[string]Threat, len(b.Threats)),
		edges:      make(map[string][]Equivalent),
	}

	var problems []string
	if b.Version <= 0 {
		problems = append(problems, "snapshot version must be positive")
	}

	for _, t := range b.Threats {
		if t.ID == "" {
			problems = append(problems, "threat with empty id")
			continue
		}
		if _, dup := s.threats[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate threat id %s", t.ID))
			continue
		}
		s.threats[t.ID] = t
	}

	for _, fw := range b.Frameworks {
		if fw.ID == "" {
			problems = append(problems, "framework with empty id")
			continue
		}
		if _, dup := s.frameworks[fw.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate framework id %s", fw.ID))
			continue
		}
		s.frameworks[fw.ID] = fw

		for _, c := range fw.Controls {
			key := ControlRef{Framework: fw.ID, Control: c.ID}.Key()
			if c.ID == "" {
				problems = append(problems, fmt.Sprintf("framework %s has control with empty id", fw.ID))
				continue
			}
			if _, dup := s.controls[key]; dup {
				problems = append(problems, fmt.Sprintf("duplicate control id %s", key))
				continue
			}
			for _, th := range c.Threats {
				if _, ok := s.threats[th]; !ok {
					problems = append(problems, fmt.Sprintf("control %s references unknown threat %s", key, th))
				}
			}
			s.controls[key] = c
		}
	}

	for _, m := range b.Mappings {
		if m.Weight < 0 || m.Weight > 1 {
			problems = append(problems, fmt.Sprintf("mapping %s->%s weight %.3f out of range", m.From, m.To, m.Weight))
			continue
		}
		if _, ok := s.controls[m.From.Key()]; !ok {
			problems = append(problems, fmt.Sprintf("mapping references unknown control %s", m.From))
			continue
		}
		if _, ok := s.controls[m.To.Key()]; !ok {
			problems = append(problems, fmt.Sprintf("mapping references unknown control %s", m.To))
			continue
		}
		// Store both directions so neighbor lookup is a single map read.
		s.edges[m.From.Key()] = append(s.edges[m.From.Key()], Equivalent{Ref: m.To, Weight: m.Weight})
		s.edges[m.To.Key()] = append(s.edges[m.To.Key()], Equivalent{Ref: m.From, Weight: m.Weight})
	}

	if len(problems) > 0 {
		return nil, &IntegrityError{Version: b.Version, Problems: problems}
	}

	// Deterministic neighbor order regardless of bundle order.
	for key := range s.edges {
		nbrs := s.edges[key]
		sort.Slice(nbrs, func(i, j int) bool {
			if nbrs[i].Weight != nbrs[j].Weight {
				return nbrs[i].Weight > nbrs[j].Weight
			}
			return nbrs[i].Ref.Key() < nbrs[j].Ref.Key()
		})
	}

	return s, nil
}

// Version returns the snapshot version.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Framework looks up a framework by id.
func (s *Snapshot) Framework(id string) (Framework, error) {
	fw, ok := s.frameworks[id]
	if !ok {
		return Framework{}, &NotFoundError{Kind: "framework", ID: id}
	}
	return fw, nil
}

// HasFramework reports whether the framework id exists in this snapshot.
func (s *Snapshot) HasFramework(id string) bool {
	_, ok := s.frameworks[id]
	return ok
}

// FrameworkIDs returns all framework ids, sorted.
func (s *Snapshot) FrameworkIDs() []string {
	ids := make([]string, 0, len(s.frameworks))
	for id := range s.frameworks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Control looks up a control by qualified reference.
func (s *Snapshot) Control(ref ControlRef) (Control, error) {
	c, ok := s.controls[ref.Key()]
	if !ok {
		return Control{}, &NotFoundError{Kind: "control", ID: ref.Key()}
	}
	return c, nil
}

// Threat looks up a threat by id.
func (s *Snapshot) Threat(id string) (Threat, error) {
	t, ok := s.threats[id]
	if !ok {
		return Threat{}, &NotFoundError{Kind: "threat", ID: id}
	}
	return t, nil
}

// EquivalentControls returns the direct overlap neighbors of a control with
// their overlap confidence, strongest first.
func (s *Snapshot) EquivalentControls(ref ControlRef) ([]Equivalent, error) {
	if _, ok := s.controls[ref.Key()]; !ok {
		return nil, &NotFoundError{Kind: "control", ID: ref.Key()}
	}
	nbrs := s.edges[ref.Key()]
	out := make([]Equivalent, len(nbrs))
	copy(out, nbrs)
	return out, nil
}
