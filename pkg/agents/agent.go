package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/user/comply-core/pkg/graph"
	"github.com/user/comply-core/pkg/model"
)

// Agent assesses one compliance framework for a company profile. It must
// return a finding for every control in its framework (explicit NotApplicable
// rather than omission) and must only read the graph snapshot it is handed.
type Agent interface {
	FrameworkID() string
	Assess(ctx context.Context, profile model.CompanyProfile, snap *graph.Snapshot) ([]model.AgentFinding, error)
}

// Registry maps framework id to exactly one agent. Registration of a second
// agent for the same framework is an error, so the one-agent-per-framework
// contract is checked up front instead of at dispatch time.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Fails on duplicate framework ids.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.FrameworkID()
	if id == "" {
		return fmt.Errorf("agents: agent with empty framework id")
	}
	if _, dup := r.agents[id]; dup {
		return fmt.Errorf("agents: framework %s already has an agent", id)
	}
	r.agents[id] = a
	return nil
}

// Get returns the agent for a framework id.
func (r *Registry) Get(frameworkID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[frameworkID]
	return a, ok
}

// IDs returns all registered framework ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every registered agent's framework exists in the
// snapshot. Run after each snapshot publish.
func (r *Registry) Validate(snap *graph.Snapshot) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.agents {
		if !snap.HasFramework(id) {
			return fmt.Errorf("agents: agent registered for unknown framework %s (snapshot %d)", id, snap.Version())
		}
	}
	return nil
}
