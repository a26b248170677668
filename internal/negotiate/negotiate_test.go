package negotiate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/entropy"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/registry"
)

type fixture struct {
	feed   *feed.Memory
	deals  *deal.Memory
	reg    *registry.Memory
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := feed.NewMemory()
	d := deal.NewMemory()
	reg := registry.NewMemory()

	require.NoError(t, reg.SaveOrganization(ctx, &market.Organization{ID: "org-seller", Name: "Seller Co", Region: "north"}))
	require.NoError(t, reg.SaveOrganization(ctx, &market.Organization{ID: "org-buyer", Name: "Buyer Co", Region: "north"}))
	require.NoError(t, reg.SaveAgent(ctx, &market.Agent{
		ID: "seller", OrgID: "org-seller", Role: market.RoleLocal,
		Region: "north", Status: market.AgentActive,
	}))
	require.NoError(t, reg.SaveAgent(ctx, &market.Agent{
		ID: "buyer", OrgID: "org-buyer", Role: market.RoleRecycler,
		Region: "north", Status: market.AgentActive,
		Constraints: market.Constraints{Categories: []string{"plastic"}},
	}))

	ref := refdata.NewStatic([]refdata.Material{{
		Key: "pet-clear", Category: "plastic", Subtype: "pet",
		ReferencePrice:     100,
		QualityMultipliers: [4]float64{1, 0.85, 0.7, 0.5},
	}})

	// Fixed(0.5) pins the jitter multiplier at exactly 1.0.
	r := NewRunner(f, d, reg, ref, entropy.Fixed(0.5), nil)
	return &fixture{feed: f, deals: d, reg: reg, runner: r}
}

func (fx *fixture) postOffer(t *testing.T, price float64) *market.FeedPost {
	t.Helper()
	root := &market.FeedPost{
		AuthorID: "seller",
		Kind:     market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			MaterialKey:  "pet-clear",
			Category:     "plastic",
			Subtype:      "pet",
			Volume:       50,
			Unit:         "kg",
			PricePerUnit: price,
			QualityTier:  2,
		}},
		Region:     "north",
		Visibility: market.VisibilityRegion,
		Active:     true,
	}
	require.NoError(t, fx.feed.Append(context.Background(), root))
	return root
}

func (fx *fixture) addReply(t *testing.T, root *market.FeedPost, author string, price float64) {
	t.Helper()
	reply := &market.FeedPost{
		AuthorID: author,
		Kind:     market.PostReply,
		Payload: market.Payload{Reply: &market.ReplyPayload{
			Message:      "counter",
			CounterOffer: &market.CounterOffer{PricePerUnit: price, Volume: 50},
		}},
		Region:       "north",
		Active:       true,
		ParentID:     root.ID,
		ThreadRootID: root.ID,
	}
	require.NoError(t, fx.feed.Append(context.Background(), reply))
}

func TestFullNegotiationConverges(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	root := fx.postOffer(t, 100)

	// Each pass advances the thread one message; the sixth hits the budget
	// and evaluates.
	total := 0
	for i := 0; i < 6; i++ {
		advanced, created, err := fx.runner.AdvanceAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, advanced)
		total += created
	}
	assert.Equal(t, 1, total)

	thread, err := feed.LoadThread(ctx, fx.feed, root.ID)
	require.NoError(t, err)
	assert.False(t, thread.Root.Active, "converged thread must close")
	assert.Equal(t, StateConverged, State(thread))

	deals, err := fx.deals.BilateralsByStatus(ctx, market.DealPendingSellerApproval)
	require.NoError(t, err)
	require.Len(t, deals, 1)

	d := deals[0]
	assert.Equal(t, "seller", d.SellerAgentID)
	assert.Equal(t, "buyer", d.BuyerAgentID)
	assert.Equal(t, "org-seller", d.SellerOrgID)
	assert.Equal(t, root.ID, d.ThreadRootID)
	assert.Equal(t, 50.0, d.Volume)
	// Anchors sit at 100 and 108, so the settled price lands between them.
	assert.Greater(t, d.PricePerUnit, 100.0)
	assert.Less(t, d.PricePerUnit, 108.0)
	assert.InDelta(t, d.PricePerUnit*d.Volume, d.TotalValue, 1e-9)

	// The agreement leaves a deal-proposal record in the thread.
	proposals, err := fx.feed.Query(ctx, feed.Filter{
		ThreadRootID: root.ID,
		Kinds:        []market.PostKind{market.PostDealProposal},
	})
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, d.ID, proposals[0].Payload.DealProposal.DealID)

	// Both parties' proposal counters moved.
	for _, id := range []string{"seller", "buyer"} {
		a, err := fx.reg.Agent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, a.Performance.DealsProposed, "agent %s", id)
	}

	// Once closed, further passes do nothing.
	advanced, created, err := fx.runner.AdvanceAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, advanced)
	assert.Zero(t, created)
}

func TestDivergedThreadAbandons(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	root := fx.postOffer(t, 100)

	// Five replies whose first and last prices are 30% apart.
	prices := []float64{100, 90, 85, 78, 70}
	authors := []string{"buyer", "seller", "buyer", "seller", "buyer"}
	for i, p := range prices {
		fx.addReply(t, root, authors[i], p)
	}

	thread, err := feed.LoadThread(ctx, fx.feed, root.ID)
	require.NoError(t, err)
	require.Equal(t, 6, thread.MessageCount())

	made, err := fx.runner.Advance(ctx, thread)
	require.NoError(t, err)
	assert.False(t, made)

	reloaded, err := feed.LoadThread(ctx, fx.feed, root.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Root.Active)
	assert.Equal(t, StateAbandoned, State(reloaded))

	deals, err := fx.deals.BilateralsByStatus(ctx, market.DealPendingSellerApproval)
	require.NoError(t, err)
	assert.Empty(t, deals)
}

func TestIncompletePayloadCountsValidationMiss(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// Root with no material category: convergence succeeds, deal creation
	// cannot.
	root := &market.FeedPost{
		AuthorID: "seller",
		Kind:     market.PostOffer,
		Payload: market.Payload{Offer: &market.OfferPayload{
			Volume:       50,
			Unit:         "kg",
			PricePerUnit: 100,
		}},
		Region: "north",
		Active: true,
	}
	require.NoError(t, fx.feed.Append(ctx, root))
	for i, p := range []float64{100, 99, 98, 97, 96} {
		author := "buyer"
		if i%2 == 1 {
			author = "seller"
		}
		fx.addReply(t, root, author, p)
	}

	thread, err := feed.LoadThread(ctx, fx.feed, root.ID)
	require.NoError(t, err)

	made, err := fx.runner.Advance(ctx, thread)
	require.NoError(t, err)
	assert.False(t, made)
	assert.Equal(t, 1, fx.runner.ValidationMisses)

	reloaded, err := fx.feed.Get(ctx, root.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Active, "thread closes even when the deal cannot be built")
}

func TestOpenPicksCategoryMatchedBuyer(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// A logistics agent never opens negotiations, even when it matches.
	require.NoError(t, fx.reg.SaveAgent(ctx, &market.Agent{
		ID: "trucker", OrgID: "org-buyer", Role: market.RoleLogistics,
		Region: "north", Status: market.AgentActive,
	}))

	root := fx.postOffer(t, 100)
	_, _, err := fx.runner.AdvanceAll(ctx)
	require.NoError(t, err)

	thread, err := feed.LoadThread(ctx, fx.feed, root.ID)
	require.NoError(t, err)
	require.Len(t, thread.Replies, 1)
	assert.Equal(t, "buyer", thread.Replies[0].AuthorID)
	assert.Equal(t, StateActive, State(thread))
}
