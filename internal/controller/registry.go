package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/internal/demand"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// Registry remembers the agents that contacted the orchestrator and the
// capabilities they last advertised. It serves as the candidate source for
// push placement.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]registeredAgent
	matcher    *demand.Matcher
	now        func() time.Time
	staleAfter time.Duration
}

type registeredAgent struct {
	agent    types.Agent
	lastSeen time.Time
}

// NewRegistry creates a registry. Agents not seen for staleAfter are no
// longer offered as candidates.
func NewRegistry(matcher *demand.Matcher, now func() time.Time, staleAfter time.Duration) *Registry {
	return &Registry{
		agents:     make(map[string]registeredAgent),
		matcher:    matcher,
		now:        now,
		staleAfter: staleAfter,
	}
}

// Observe records agent and its capabilities as of now.
func (r *Registry) Observe(agent types.Agent) {
	caps := make(map[string]string, len(agent.Capabilities))
	for k, v := range agent.Capabilities {
		caps[k] = v
	}
	agent.Capabilities = caps

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = registeredAgent{agent: agent, lastSeen: r.now()}
}

// Touch refreshes the last contact time of a known agent. Unknown agents are
// recorded without capabilities.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		a.agent = types.Agent{ID: agentID, Capabilities: map[string]string{}}
	}
	a.lastSeen = r.now()
	r.agents[agentID] = a
}

// Agents returns every known agent sorted by id.
func (r *Registry) Agents() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListCandidateAgents returns the live agents whose capabilities satisfy
// demands, sorted by id.
func (r *Registry) ListCandidateAgents(ctx context.Context, demands []types.Demand) ([]types.Agent, error) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Agent
	for _, a := range r.agents {
		if now.Sub(a.lastSeen) > r.staleAfter {
			continue
		}
		if !r.matcher.Matches(demands, a.agent.Capabilities) {
			continue
		}
		out = append(out, a.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
