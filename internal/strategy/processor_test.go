package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
)

func washService(utilization float64) market.ProcessingService {
	return market.ProcessingService{
		Name:            "PET washing",
		InputMaterials:  []string{"pet-clear"},
		OutputMaterials: []string{"rpet-flake"},
		FeePerUnit:      10,
		CapacityUnits:   100,
		UtilizationPct:  utilization,
	}
}

func processorFixture(t *testing.T, deps Deps, utilization float64) *market.Agent {
	t.Helper()
	org := &market.Organization{
		ID: "org-proc", Name: "Wash Works", Region: "north",
		Services: []market.ProcessingService{washService(utilization)},
	}
	agent := &market.Agent{
		ID: "agent-proc", Role: market.RoleProcessor, Region: "north",
	}
	saveOrgWithAgent(t, deps, org, agent)
	return agent
}

func TestProcessorAdvertisesSpareCapacity(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	agent := processorFixture(t, deps, 0)

	proc := &Processor{deps}

	actions, err := proc.Run(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)

	active := true
	posts, err := deps.Feed.Query(ctx, feed.Filter{
		AuthorID: "agent-proc",
		Kinds:    []market.PostKind{market.PostAnnouncement},
		Active:   &active,
	})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "Processing capacity: PET washing", posts[0].Payload.Announcement.Title)
	assert.Equal(t, market.VisibilityGlobal, posts[0].Visibility)
	assert.InDelta(t, 10.0, posts[0].Payload.Announcement.Rate, 1e-9)

	// Second cycle with unchanged capacity is a no-op.
	actions, err = proc.Run(ctx, agent)
	require.NoError(t, err)
	assert.Zero(t, actions)
}

func TestProcessorRetiresFullyBookedService(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	agent := processorFixture(t, deps, 0)

	proc := &Processor{deps}
	_, err := proc.Run(ctx, agent)
	require.NoError(t, err)

	// Capacity fills to 95%: spare drops to 5 units, below the floor.
	org, err := deps.Registry.OrganizationForAgent(ctx, agent.ID)
	require.NoError(t, err)
	org.Services[0].UtilizationPct = 95
	require.NoError(t, deps.Registry.SaveOrganization(ctx, org))

	actions, err := proc.Run(ctx, agent)
	require.NoError(t, err)
	assert.Zero(t, actions)

	active := true
	assert.Zero(t, countPosts(t, deps, feed.Filter{
		AuthorID: "agent-proc",
		Kinds:    []market.PostKind{market.PostAnnouncement},
		Active:   &active,
	}))
}

func TestProcessorChainsBackwardIntoThreeWayDeal(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	agent := processorFixture(t, deps, 0)

	saveOrgWithAgent(t, deps,
		&market.Organization{ID: "org-sell", Name: "Bottler", Region: "north", City: "Oslo"},
		&market.Agent{ID: "agent-sell", Role: market.RoleLocal, Region: "north"})
	saveOrgWithAgent(t, deps,
		&market.Organization{ID: "org-buy", Name: "Molder", Region: "south", City: "Bergen"},
		&market.Agent{ID: "agent-buy", Role: market.RoleLocal, Region: "south"})

	// Two compatible inputs on offer; the cheaper one must win.
	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-sell", Kind: market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey: "pet-clear", Category: "plastic",
			Volume: 80, Unit: "t", PricePerUnit: 55, QualityTier: 2,
		}},
		Region: "north", Active: true,
	}))
	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-sell", Kind: market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey: "pet-clear", Category: "plastic",
			Volume: 80, Unit: "t", PricePerUnit: 40, QualityTier: 2,
		}},
		Region: "north", Active: true,
	}))
	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-buy", Kind: market.PostRequest,
		Payload: market.Payload{Request: &market.RequestPayload{
			MaterialKey: "rpet-flake", Category: "plastic",
			Volume: 60, Unit: "t", MaxPricePerUnit: 100,
		}},
		Region: "south", Active: true,
	}))

	sink := &recordingNotifier{}
	deps.Notify = sink

	proc := &Processor{deps}
	actions, err := proc.Run(ctx, agent)
	require.NoError(t, err)
	// One service announcement plus one structured chain.
	assert.Equal(t, 2, actions)

	children, err := deps.Deals.BilateralsByStatus(ctx, market.DealPendingMultiPartyApproval)
	require.NoError(t, err)
	require.Len(t, children, 2)

	mpd, err := deps.Deals.MultiParty(ctx, children[0].MultiPartyID)
	require.NoError(t, err)

	// The processor approves the chain it proposed; the outside parties
	// are still pending.
	assert.Equal(t, market.MultiPartyPartialApproval, mpd.Status)
	assert.True(t, mpd.Approvals["org-proc"].Approved)
	assert.False(t, mpd.Approvals["org-sell"].Decided)
	assert.False(t, mpd.Approvals["org-buy"].Decided)

	require.Len(t, mpd.Flows, 2)
	in, out := mpd.Flows[0], mpd.Flows[1]
	assert.Equal(t, "org-sell", in.SellerOrgID)
	assert.Equal(t, "org-proc", in.BuyerOrgID)
	assert.InDelta(t, 40.0, in.PricePerUnit, 1e-9)
	assert.Equal(t, "org-proc", out.SellerOrgID)
	assert.Equal(t, "org-buy", out.BuyerOrgID)
	// Output quote: (40 input + 10 fee) × 1.15 margin.
	assert.InDelta(t, 57.5, out.PricePerUnit, 1e-9)
	// Volume clamps to the request's 60, the binding constraint.
	assert.InDelta(t, 60.0, in.Volume, 1e-9)
	assert.InDelta(t, 60.0, out.Volume, 1e-9)

	assert.InDelta(t, 40*60*12, mpd.ValueDistribution["org-sell"], 1e-6)
	assert.InDelta(t, (57.5-40-10)*60*12, mpd.ValueDistribution["org-proc"], 1e-6)
	assert.InDelta(t, (180-57.5)*60*12, mpd.ValueDistribution["org-buy"], 1e-6)

	// Child bilaterals carry the acting agents so approval notifications
	// land with the right people.
	input := children[0]
	if input.MaterialKey != "pet-clear" {
		input = children[1]
	}
	assert.Equal(t, "agent-sell", input.SellerAgentID)
	assert.Equal(t, "agent-proc", input.BuyerAgentID)

	// The chain goes on the feed too.
	chainAds, err := deps.Feed.Query(ctx, feed.Filter{
		AuthorID: "agent-proc",
		Kinds:    []market.PostKind{market.PostAnnouncement},
		Payload: func(pl market.Payload) bool {
			return pl.Announcement != nil &&
				pl.Announcement.Title == "Processing chain proposed: rpet-flake"
		},
	})
	require.NoError(t, err)
	require.Len(t, chainAds, 1)
	assert.InDelta(t, 60.0, chainAds[0].Payload.Announcement.Volume, 1e-9)

	// Each outside party hears its own annual share, not a shared blurb.
	require.Len(t, sink.sent, 2)
	shares := map[string]string{}
	for _, n := range sink.sent {
		shares[n.UserRef] = n.Message
	}
	assert.Contains(t, shares["org-sell"], "28,800")
	assert.Contains(t, shares["org-buy"], "88,200")
}

func TestProcessorLeavesStructuredChainsAlone(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	agent := processorFixture(t, deps, 0)

	saveOrgWithAgent(t, deps,
		&market.Organization{ID: "org-sell", Name: "Bottler", Region: "north"},
		&market.Agent{ID: "agent-sell", Role: market.RoleLocal, Region: "north"})
	saveOrgWithAgent(t, deps,
		&market.Organization{ID: "org-buy", Name: "Molder", Region: "south"},
		&market.Agent{ID: "agent-buy", Role: market.RoleLocal, Region: "south"})

	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-sell", Kind: market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey: "pet-clear", Category: "plastic",
			Volume: 80, Unit: "t", PricePerUnit: 40,
		}},
		Region: "north", Active: true,
	}))
	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-buy", Kind: market.PostRequest,
		Payload: market.Payload{Request: &market.RequestPayload{
			MaterialKey: "rpet-flake", Category: "plastic",
			Volume: 60, Unit: "t", MaxPricePerUnit: 100,
		}},
		Region: "south", Active: true,
	}))

	sink := &recordingNotifier{}
	deps.Notify = sink

	proc := &Processor{deps}
	_, err := proc.Run(ctx, agent)
	require.NoError(t, err)

	// The offer and request are still open on the next cycle, but the chain
	// is already pending approval: nothing new is recorded or sent.
	actions, err := proc.Run(ctx, agent)
	require.NoError(t, err)
	assert.Zero(t, actions)

	recorded, err := deps.Deals.MultiParties(ctx)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)

	children, err := deps.Deals.BilateralsByStatus(ctx, market.DealPendingMultiPartyApproval)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	assert.Len(t, sink.sent, 2, "each party notified once")

	// A cancelled chain frees the participants for a fresh proposal.
	_, err = deps.Deals.RecordApproval(ctx, recorded[0].ID, "org-buy", false)
	require.NoError(t, err)

	actions, err = proc.Run(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)

	all, err := deps.Deals.MultiParties(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestProcessorSkipsUnaffordableOutput(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	agent := processorFixture(t, deps, 0)

	saveOrgWithAgent(t, deps,
		&market.Organization{ID: "org-sell", Name: "Bottler", Region: "north"},
		&market.Agent{ID: "agent-sell", Role: market.RoleLocal, Region: "north"})
	saveOrgWithAgent(t, deps,
		&market.Organization{ID: "org-buy", Name: "Molder", Region: "south"},
		&market.Agent{ID: "agent-buy", Role: market.RoleLocal, Region: "south"})

	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-sell", Kind: market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey: "pet-clear", Category: "plastic",
			Volume: 80, Unit: "t", PricePerUnit: 40,
		}},
		Region: "north", Active: true,
	}))
	// (40 + 10) × 1.15 = 57.5, over the buyer's 50 ceiling.
	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-buy", Kind: market.PostRequest,
		Payload: market.Payload{Request: &market.RequestPayload{
			MaterialKey: "rpet-flake", Category: "plastic",
			Volume: 60, Unit: "t", MaxPricePerUnit: 50,
		}},
		Region: "south", Active: true,
	}))

	proc := &Processor{deps}
	_, err := proc.Run(ctx, agent)
	require.NoError(t, err)

	children, err := deps.Deals.BilateralsByStatus(ctx, market.DealPendingMultiPartyApproval)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestProcessorSkipsThinVolumes(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	agent := processorFixture(t, deps, 0)

	saveOrgWithAgent(t, deps,
		&market.Organization{ID: "org-sell", Name: "Bottler", Region: "north"},
		&market.Agent{ID: "agent-sell", Role: market.RoleLocal, Region: "north"})
	saveOrgWithAgent(t, deps,
		&market.Organization{ID: "org-buy", Name: "Molder", Region: "south"},
		&market.Agent{ID: "agent-buy", Role: market.RoleLocal, Region: "south"})

	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-sell", Kind: market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey: "pet-clear", Category: "plastic",
			Volume: 3, Unit: "t", PricePerUnit: 40,
		}},
		Region: "north", Active: true,
	}))
	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-buy", Kind: market.PostRequest,
		Payload: market.Payload{Request: &market.RequestPayload{
			MaterialKey: "rpet-flake", Category: "plastic",
			Volume: 60, Unit: "t", MaxPricePerUnit: 100,
		}},
		Region: "south", Active: true,
	}))

	proc := &Processor{deps}
	_, err := proc.Run(ctx, agent)
	require.NoError(t, err)

	children, err := deps.Deals.BilateralsByStatus(ctx, market.DealPendingMultiPartyApproval)
	require.NoError(t, err)
	assert.Empty(t, children)
}
