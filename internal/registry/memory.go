package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/surplusnet/surplusnet/internal/market"
)

// Memory is an in-process Registry for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	agents map[string]*market.Agent
	orgs   map[string]*market.Organization
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		agents: make(map[string]*market.Agent),
		orgs:   make(map[string]*market.Organization),
	}
}

// ActiveAgents lists every agent with status active, ordered by id.
func (m *Memory) ActiveAgents(_ context.Context) ([]*market.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*market.Agent
	for _, a := range m.agents {
		if a.Active() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AgentsByRole lists active agents with the given role, ordered by id.
func (m *Memory) AgentsByRole(_ context.Context, role market.Role) ([]*market.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*market.Agent
	for _, a := range m.agents {
		if a.Active() && a.Role == role {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Agent returns one agent by id.
func (m *Memory) Agent(_ context.Context, id string) (*market.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// SaveAgent inserts or replaces an agent.
func (m *Memory) SaveAgent(_ context.Context, a *market.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

// Organization returns one organization by id.
func (m *Memory) Organization(_ context.Context, id string) (*market.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// OrganizationForAgent resolves an agent's organization.
func (m *Memory) OrganizationForAgent(ctx context.Context, agentID string) (*market.Organization, error) {
	a, err := m.Agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return m.Organization(ctx, a.OrgID)
}

// OrganizationsInRegion lists organizations located in a region, ordered by id.
func (m *Memory) OrganizationsInRegion(_ context.Context, region string) ([]*market.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*market.Organization
	for _, o := range m.orgs {
		if region == "" || o.Region == region {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveOrganization inserts or replaces an organization.
func (m *Memory) SaveOrganization(_ context.Context, o *market.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orgs[o.ID] = &cp
	return nil
}
