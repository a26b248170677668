package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
)

func TestLocalPostingIsIdempotentAcrossCycles(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	org := &market.Organization{
		ID: "org-1", Name: "Bottler", Region: "north",
		WasteStreams: []market.WasteStream{
			{
				MaterialKey: "pet-clear", Category: "plastic", Subtype: "pet",
				MonthlyVolume: 50, Unit: "kg", QualityTier: 2, DisposalCostPer: 2,
			},
			// Below materiality, never posted.
			{
				MaterialKey: "pet-clear", Category: "plastic",
				MonthlyVolume: 2, Unit: "kg", QualityTier: 2,
			},
		},
	}
	agent := &market.Agent{ID: "agent-1", Role: market.RoleLocal, Region: "north"}
	saveOrgWithAgent(t, deps, org, agent)

	local := &Local{deps}

	actions, err := local.Run(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)

	// Second cycle: everything already posted, no new actions.
	actions, err = local.Run(ctx, agent)
	require.NoError(t, err)
	assert.Zero(t, actions)

	offers, err := deps.Feed.Query(ctx, feed.Filter{Kinds: []market.PostKind{market.PostOffer}})
	require.NoError(t, err)
	require.Len(t, offers, 1)

	// Ask price is reference adjusted for the tier: 100 × 0.85.
	assert.InDelta(t, 85.0, offers[0].Payload.Offer.PricePerUnit, 1e-9)
	assert.Equal(t, 50.0, offers[0].Payload.Offer.Volume)
}

func TestLocalSearchBeforePost(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	buyerOrg := &market.Organization{
		ID: "org-buyer", Region: "north",
		Requirements: []market.Requirement{{
			MaterialKey: "pet-clear", Category: "plastic", Subtype: "pet",
			MonthlyVolume: 30, Unit: "kg", MaxPricePer: 80, QualityCeiling: 3,
		}},
	}
	buyer := &market.Agent{ID: "agent-buyer", Role: market.RoleLocal, Region: "north"}
	saveOrgWithAgent(t, deps, buyerOrg, buyer)

	// Someone already sells a compatible material.
	require.NoError(t, deps.Feed.Append(ctx, &market.FeedPost{
		AuthorID: "agent-other",
		Kind:     market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey: "pet-clear", Category: "plastic",
			Volume: 40, Unit: "kg", PricePerUnit: 90, QualityTier: 2,
		}},
		Region: "north", Active: true,
	}))

	local := &Local{deps}
	_, err := local.Run(ctx, buyer)
	require.NoError(t, err)

	assert.Zero(t, countPosts(t, deps, feed.Filter{
		AuthorID: "agent-buyer",
		Kinds:    []market.PostKind{market.PostRequest},
	}), "an existing compatible offer suppresses the request")
}

func TestLocalPostsRequestWhenNothingOnOffer(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	org := &market.Organization{
		ID: "org-buyer", Region: "north",
		Requirements: []market.Requirement{{
			MaterialKey: "pet-clear", Category: "plastic", Subtype: "pet",
			MonthlyVolume: 30, Unit: "kg", MaxPricePer: 80, QualityCeiling: 3,
		}},
	}
	agent := &market.Agent{ID: "agent-buyer", Role: market.RoleLocal, Region: "north"}
	saveOrgWithAgent(t, deps, org, agent)

	local := &Local{deps}
	actions, err := local.Run(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)

	requests, err := deps.Feed.Query(ctx, feed.Filter{
		AuthorID: "agent-buyer",
		Kinds:    []market.PostKind{market.PostRequest},
	})
	require.NoError(t, err)
	require.Len(t, requests, 1)

	// Bid the reference price when the requirement ceiling sits below it.
	assert.InDelta(t, 100.0, requests[0].Payload.Request.MaxPricePerUnit, 1e-9)
}

func TestLocalCountersHighScoringOffers(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	org := &market.Organization{ID: "org-1", Region: "north"}
	agent := &market.Agent{
		ID: "agent-1", Role: market.RoleLocal, Region: "north",
		Constraints: market.Constraints{Categories: []string{"plastic"}},
	}
	saveOrgWithAgent(t, deps, org, agent)

	// Well under reference, good quality, nearby: scores past 70.
	bargain := &market.FeedPost{
		AuthorID: "agent-seller",
		Kind:     market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey: "pet-clear", Category: "plastic",
			Volume: 50, Unit: "kg", PricePerUnit: 70, QualityTier: 1,
			Processability: 90,
		}},
		Region: "north", Active: true,
	}
	require.NoError(t, deps.Feed.Append(ctx, bargain))

	local := &Local{deps}
	actions, err := local.Run(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)

	replies, err := deps.Feed.Query(ctx, feed.Filter{
		ThreadRootID: bargain.ID,
		Kinds:        []market.PostKind{market.PostReply},
	})
	require.NoError(t, err)
	require.Len(t, replies, 1)

	// Buying direction bids over ask; Fixed jitter pins the multiplier at 1.
	assert.InDelta(t, 70*1.05, replies[0].Payload.Reply.CounterOffer.PricePerUnit, 1e-9)

	// Next cycle does not reply to the same thread again.
	actions, err = local.Run(ctx, agent)
	require.NoError(t, err)
	assert.Zero(t, actions)
}

func TestLocalAdaptWidensPriceBand(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)

	org := &market.Organization{ID: "org-1", Region: "north"}
	agent := &market.Agent{
		ID: "agent-1", Role: market.RoleLocal, Region: "north",
		Constraints: market.Constraints{MinPrice: 50, MaxPrice: 100},
		Performance: market.Performance{DealsProposed: 10, DealsApproved: 2, DealsRejected: 8},
	}
	saveOrgWithAgent(t, deps, org, agent)

	local := &Local{deps}
	_, err := local.Run(ctx, agent)
	require.NoError(t, err)

	assert.InDelta(t, 0.2, agent.Performance.SuccessRate, 1e-9)
	assert.InDelta(t, 45.0, agent.Constraints.MinPrice, 1e-9)
	assert.InDelta(t, 110.0, agent.Constraints.MaxPrice, 1e-9)

	// The widened constraints were persisted.
	saved, err := deps.Registry.Agent(ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 45.0, saved.Constraints.MinPrice, 1e-9)
}
