package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/entropy"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/negotiate"
	"github.com/surplusnet/surplusnet/internal/notify"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/registry"
	"github.com/surplusnet/surplusnet/internal/scan"
	"github.com/surplusnet/surplusnet/internal/score"
	"github.com/surplusnet/surplusnet/internal/strategy"
)

func testOrchestrator(t *testing.T, reg registry.Registry) *Orchestrator {
	t.Helper()
	f := feed.NewMemory()
	ref := refdata.NewStatic([]refdata.Material{{
		Key: "pet-clear", Category: "plastic", Subtype: "pet",
		ReferencePrice:     100,
		QualityMultipliers: [4]float64{1, 0.85, 0.7, 0.5},
		Carbon:             refdata.Carbon{Virgin: 2.5, Recycled: 0.5},
	}})
	deps := strategy.Deps{
		Feed:     f,
		Deals:    deal.NewMemory(),
		Registry: reg,
		Ref:      ref,
		Scanner:  scan.New(f, ref, nil, nil),
		Notify:   notify.Log{},
		Rand:     entropy.Fixed(0.5),
		Distance: score.ConstantDistance(50),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return New(reg, deps, nil, nil, nil, deps.Log)
}

func seedLocalAgent(t *testing.T, reg registry.Registry, orgID, agentID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, reg.SaveOrganization(ctx, &market.Organization{
		ID: orgID, Name: orgID, Region: "north",
		WasteStreams: []market.WasteStream{{
			MaterialKey: "pet-clear", Category: "plastic",
			MonthlyVolume: 40, Unit: "t", QualityTier: 2,
		}},
	}))
	require.NoError(t, reg.SaveAgent(ctx, &market.Agent{
		ID: agentID, OrgID: orgID, Role: market.RoleLocal,
		Region: "north", Status: market.AgentActive,
	}))
}

func TestRunCycleIsolatesAgentFailure(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	seedLocalAgent(t, reg, "org-good", "agent-good")

	// An agent pointing at a missing organization fails its run; the cycle
	// carries on.
	require.NoError(t, reg.SaveAgent(ctx, &market.Agent{
		ID: "agent-orphan", OrgID: "org-ghost", Role: market.RoleLocal,
		Region: "north", Status: market.AgentActive,
	}))

	o := testOrchestrator(t, reg)
	sum, err := o.RunCycle(ctx)
	require.NoError(t, err)

	assert.True(t, sum.Success)
	assert.Equal(t, 1, sum.AgentsRun)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "agent-orphan")
	assert.Equal(t, 1, sum.ActionsByRole[string(market.RoleLocal)])
	assert.Equal(t, 1, o.Cycles())
}

func TestRunCycleIsIdempotentPerPostingState(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	seedLocalAgent(t, reg, "org-a", "agent-a")

	o := testOrchestrator(t, reg)

	sum, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ActionsByRole[string(market.RoleLocal)])

	// The offer is already live; a second sweep takes no new action.
	sum, err = o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.ActionsByRole[string(market.RoleLocal)])
	assert.Equal(t, 2, o.Cycles())
}

type failingRegistry struct {
	registry.Registry
}

func (failingRegistry) ActiveAgents(context.Context) ([]*market.Agent, error) {
	return nil, errors.New("registry offline")
}

func TestRunCycleFailsWhenAgentsCannotBeListed(t *testing.T) {
	reg := failingRegistry{registry.NewMemory()}
	o := testOrchestrator(t, reg)

	sum, err := o.RunCycle(context.Background())
	require.Error(t, err)
	require.NotNil(t, sum)
	assert.False(t, sum.Success)
	assert.NotEmpty(t, sum.Errors)
	assert.Zero(t, o.Cycles())
}

func TestRunCycleCountsNegotiatedDeals(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	f := feed.NewMemory()
	deals := deal.NewMemory()
	ref := refdata.NewStatic([]refdata.Material{{
		Key: "pet-clear", Category: "plastic", Subtype: "pet",
		ReferencePrice:     100,
		QualityMultipliers: [4]float64{1, 0.85, 0.7, 0.5},
	}})

	// The thread parties are paused: only the negotiation sweep touches
	// them, so the summary counters are theirs alone.
	require.NoError(t, reg.SaveOrganization(ctx, &market.Organization{ID: "org-seller", Name: "Seller Co", Region: "north"}))
	require.NoError(t, reg.SaveOrganization(ctx, &market.Organization{ID: "org-buyer", Name: "Buyer Co", Region: "north"}))
	require.NoError(t, reg.SaveAgent(ctx, &market.Agent{
		ID: "seller", OrgID: "org-seller", Role: market.RoleLocal,
		Region: "north", Status: market.AgentPaused,
	}))
	require.NoError(t, reg.SaveAgent(ctx, &market.Agent{
		ID: "buyer", OrgID: "org-buyer", Role: market.RoleRecycler,
		Region: "north", Status: market.AgentPaused,
	}))

	root := &market.FeedPost{
		AuthorID: "seller",
		Kind:     market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey: "pet-clear", Category: "plastic", Subtype: "pet",
			Volume: 50, Unit: "kg", PricePerUnit: 100, QualityTier: 2,
		}},
		Region:     "north",
		Visibility: market.VisibilityRegion,
		Active:     true,
	}
	require.NoError(t, f.Append(ctx, root))

	// Five replies already inside the convergence band: the sweep's next
	// step evaluates the thread and books a bilateral deal.
	prices := []float64{102, 101, 100.5, 100.2, 100}
	authors := []string{"buyer", "seller", "buyer", "seller", "buyer"}
	for i, p := range prices {
		require.NoError(t, f.Append(ctx, &market.FeedPost{
			AuthorID: authors[i],
			Kind:     market.PostReply,
			Payload: market.Payload{Reply: &market.ReplyPayload{
				Message:      "counter",
				CounterOffer: &market.CounterOffer{PricePerUnit: p, Volume: 50},
			}},
			Region:       "north",
			Active:       true,
			ParentID:     root.ID,
			ThreadRootID: root.ID,
		}))
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	neg := negotiate.NewRunner(f, deals, reg, ref, entropy.Fixed(0.5), log)
	deps := strategy.Deps{
		Feed:     f,
		Deals:    deals,
		Registry: reg,
		Ref:      ref,
		Scanner:  scan.New(f, ref, nil, nil),
		Notify:   notify.Log{},
		Rand:     entropy.Fixed(0.5),
		Distance: score.ConstantDistance(50),
		Log:      log,
	}
	o := New(reg, deps, neg, nil, nil, log)

	sum, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.AgentsRun)
	assert.Equal(t, 1, sum.ThreadsAdvanced)
	assert.Equal(t, 1, sum.DealsProposed)

	pending, err := deals.BilateralsByStatus(ctx, market.DealPendingSellerApproval)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// The thread is closed; the next cycle has nothing to count.
	sum, err = o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.ThreadsAdvanced)
	assert.Zero(t, sum.DealsProposed)
}

func TestSortAgentsRunsProducersBeforeCoordinators(t *testing.T) {
	agents := []*market.Agent{
		{ID: "c", Role: market.RoleRegionCoordinator},
		{ID: "b", Role: market.RoleLocal},
		{ID: "d", Role: market.RoleRecycler},
		{ID: "a", Role: market.RoleLocal},
	}
	SortAgents(agents)

	got := make([]string, len(agents))
	for i, a := range agents {
		got[i] = a.ID
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, got)
}
