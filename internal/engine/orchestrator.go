// Package engine runs the market cycle: every active agent's strategy, then
// open negotiations, then the coordinators.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/surplusnet/surplusnet/internal/coordinate"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/negotiate"
	"github.com/surplusnet/surplusnet/internal/registry"
	"github.com/surplusnet/surplusnet/internal/strategy"
)

// CycleSummary is what one cycle accomplished.
type CycleSummary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	AgentsRun     int            `json:"agents_run"`
	ActionsByRole map[string]int `json:"actions_by_role"`

	ThreadsAdvanced int `json:"threads_advanced"`
	DealsProposed   int `json:"deals_proposed"`

	Errors  []string `json:"errors,omitempty"`
	Success bool     `json:"success"`
}

// Orchestrator drives one full market cycle at a time. Agents run
// sequentially; a single agent's failure is recorded and skipped, only a
// failure to enumerate agents fails the cycle.
type Orchestrator struct {
	Registry   registry.Registry
	Deps       strategy.Deps
	Negotiator *negotiate.Runner

	MultiParty  *coordinate.MultiParty
	CrossRegion *coordinate.CrossRegion

	Log *slog.Logger

	cycles int
}

// New wires an orchestrator.
func New(reg registry.Registry, deps strategy.Deps, neg *negotiate.Runner, mp *coordinate.MultiParty, cr *coordinate.CrossRegion, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		Registry:    reg,
		Deps:        deps,
		Negotiator:  neg,
		MultiParty:  mp,
		CrossRegion: cr,
		Log:         log,
	}
}

// Cycles returns how many cycles have completed since startup.
func (o *Orchestrator) Cycles() int { return o.cycles }

// RunCycle executes one full market cycle and returns its summary.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleSummary, error) {
	start := time.Now().UTC()
	sum := &CycleSummary{
		StartedAt:     start,
		ActionsByRole: make(map[string]int),
		Success:       true,
	}

	agents, err := o.Registry.ActiveAgents(ctx)
	if err != nil {
		sum.Success = false
		sum.Errors = append(sum.Errors, err.Error())
		sum.Duration = time.Since(start)
		return sum, fmt.Errorf("enumerate agents: %w", err)
	}

	SortAgents(agents)
	for _, agent := range agents {
		if err := ctx.Err(); err != nil {
			sum.Success = false
			sum.Errors = append(sum.Errors, err.Error())
			break
		}
		s := strategy.ForRole(agent.Role, o.Deps)
		if s == nil {
			o.Log.Warn("no strategy for role", "agent_id", agent.ID, "role", agent.Role)
			continue
		}
		actions, err := s.Run(ctx, agent)
		sum.ActionsByRole[string(agent.Role)] += actions
		if err != nil {
			// One agent's failure never takes down the sweep.
			o.Log.Error("agent cycle failed", "agent_id", agent.ID, "role", agent.Role, "error", err)
			sum.Errors = append(sum.Errors, fmt.Sprintf("agent %s: %v", agent.ID, err))
			continue
		}
		sum.AgentsRun++
	}

	if o.Negotiator != nil {
		advanced, created, err := o.Negotiator.AdvanceAll(ctx)
		sum.ThreadsAdvanced = advanced
		sum.DealsProposed += created
		if err != nil {
			o.Log.Error("negotiation sweep failed", "error", err)
			sum.Errors = append(sum.Errors, "negotiate: "+err.Error())
		}
	}

	if o.MultiParty != nil {
		orgs, err := o.Registry.OrganizationsInRegion(ctx, "")
		if err != nil {
			sum.Errors = append(sum.Errors, "organizations: "+err.Error())
		} else {
			structured, err := o.MultiParty.Run(ctx, orgs, o.Deps.Taxonomy(ctx))
			sum.DealsProposed += structured
			if err != nil {
				o.Log.Error("multi-party pass failed", "error", err)
				sum.Errors = append(sum.Errors, "multiparty: "+err.Error())
			}
		}
	}

	if o.CrossRegion != nil {
		proposed, err := o.CrossRegion.Run(ctx)
		sum.DealsProposed += proposed
		if err != nil {
			o.Log.Error("cross-region pass failed", "error", err)
			sum.Errors = append(sum.Errors, "crossregion: "+err.Error())
		}
	}

	sum.Duration = time.Since(start)
	o.cycles++
	o.Log.Info("market cycle complete",
		"agents", sum.AgentsRun,
		"threads", sum.ThreadsAdvanced,
		"deals", sum.DealsProposed,
		"errors", len(sum.Errors),
		"took", sum.Duration,
	)
	return sum, nil
}

// roleOrder fixes the sweep sequence: producers post before traders react,
// coordinators go last so they see the cycle's fresh posts.
var roleOrder = map[market.Role]int{
	market.RoleLocal:             0,
	market.RoleRecycler:          1,
	market.RoleProcessor:         2,
	market.RoleLogistics:         3,
	market.RoleRegionCoordinator: 4,
}

// SortAgents orders agents by role, then by id for determinism.
func SortAgents(agents []*market.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if roleOrder[agents[i].Role] != roleOrder[agents[j].Role] {
			return roleOrder[agents[i].Role] < roleOrder[agents[j].Role]
		}
		return agents[i].ID < agents[j].ID
	})
}
