// Package registry stores the agents and the organizations they act for.
package registry

import (
	"context"
	"errors"

	"github.com/surplusnet/surplusnet/internal/market"
)

// ErrNotFound means no agent or organization has the requested id.
var ErrNotFound = errors.New("registry: not found")

// Registry is the agent/organization persistence contract.
type Registry interface {
	// ActiveAgents lists every agent with status active.
	ActiveAgents(ctx context.Context) ([]*market.Agent, error)

	// AgentsByRole lists active agents with the given role.
	AgentsByRole(ctx context.Context, role market.Role) ([]*market.Agent, error)

	// Agent returns one agent by id.
	Agent(ctx context.Context, id string) (*market.Agent, error)

	// SaveAgent inserts or replaces an agent. Strategies call it after
	// adaptive constraint widening and counter updates.
	SaveAgent(ctx context.Context, a *market.Agent) error

	// Organization returns one organization by id.
	Organization(ctx context.Context, id string) (*market.Organization, error)

	// OrganizationForAgent resolves the organization an agent acts for.
	OrganizationForAgent(ctx context.Context, agentID string) (*market.Organization, error)

	// OrganizationsInRegion lists the organizations physically located in a
	// region. An empty region lists all.
	OrganizationsInRegion(ctx context.Context, region string) ([]*market.Organization, error)

	// SaveOrganization inserts or replaces an organization.
	SaveOrganization(ctx context.Context, o *market.Organization) error
}
