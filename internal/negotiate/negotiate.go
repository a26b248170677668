// Package negotiate drives bilateral negotiation threads: counter-offer
// rounds over the feed, convergence evaluation, and deal creation.
package negotiate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/entropy"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/registry"
	"github.com/surplusnet/surplusnet/internal/score"
)

// ThreadState classifies a negotiation thread.
type ThreadState string

const (
	StateOpened    ThreadState = "opened"    // root post, no replies yet
	StateActive    ThreadState = "active"    // counter-offers in flight
	StateConverged ThreadState = "converged" // prices met, deal created
	StateAbandoned ThreadState = "abandoned" // prices never met, thread closed
)

// maxMessages is the total message budget of a thread (root + replies)
// before the convergence check: three full counter-offer rounds.
const maxMessages = 2 * score.MaxRounds

// openerMarkup shapes the very first counter-offer target: 8% above the
// original asking price.
const openerMarkup = 1.08

// Lookback bounds which threads one advancement pass touches.
const Lookback = 24 * time.Hour

// Runner advances every open negotiation thread one step per invocation.
type Runner struct {
	Feed     feed.Store
	Deals    deal.Store
	Registry registry.Registry
	Ref      refdata.Service
	Rand     entropy.Source
	Log      *slog.Logger

	// ValidationMisses counts deal creations aborted on incomplete payloads
	// during the current pass. Not an error count.
	ValidationMisses int
}

// NewRunner wires a runner with defaults for the optional fields.
func NewRunner(f feed.Store, d deal.Store, reg registry.Registry, ref refdata.Service, src entropy.Source, log *slog.Logger) *Runner {
	if src == nil {
		src = entropy.Crypto{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Feed: f, Deals: d, Registry: reg, Ref: ref, Rand: src, Log: log}
}

// State classifies a loaded thread.
func State(t *feed.Thread) ThreadState {
	if !t.Root.Active {
		if len(t.CounterOfferPrices()) >= 2 && t.MessageCount() >= maxMessages {
			return StateConverged
		}
		return StateAbandoned
	}
	if len(t.Replies) == 0 {
		return StateOpened
	}
	return StateActive
}

// AdvanceAll runs one advancement pass over every active thread rooted in an
// offer or request created inside the lookback window. Returns the number of
// threads stepped and the number of bilateral deals created.
func (r *Runner) AdvanceAll(ctx context.Context) (advanced, created int, err error) {
	active := true
	roots, err := r.Feed.Query(ctx, feed.Filter{
		Kinds:  []market.PostKind{market.PostOffer, market.PostRequest},
		Active: &active,
		Since:  time.Now().Add(-Lookback),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list open threads: %w", err)
	}

	for _, root := range roots {
		thread, err := feed.LoadThread(ctx, r.Feed, root.ID)
		if err != nil {
			r.Log.Warn("load thread failed", "root_id", root.ID, "error", err)
			continue
		}
		madeDeal, err := r.Advance(ctx, thread)
		if err != nil {
			r.Log.Warn("advance thread failed", "root_id", root.ID, "error", err)
			continue
		}
		advanced++
		if madeDeal {
			created++
		}
	}
	return advanced, created, nil
}

// Advance moves one thread a single step: open it with a first counter-offer,
// continue the exchange, or evaluate convergence at the message budget.
// Reports whether a deal was created.
func (r *Runner) Advance(ctx context.Context, t *feed.Thread) (bool, error) {
	switch {
	case t.MessageCount() >= maxMessages:
		return r.evaluate(ctx, t)
	case len(t.Replies) == 0:
		return false, r.open(ctx, t)
	default:
		return false, r.continueThread(ctx, t)
	}
}

// rootPrice extracts the original asking/bidding price and volume.
func rootPrice(root *market.FeedPost) (price, volume float64, ok bool) {
	switch {
	case root.Payload.Offer != nil:
		return root.Payload.Offer.PricePerUnit, root.Payload.Offer.Volume, true
	case root.Payload.Request != nil:
		return root.Payload.Request.MaxPricePerUnit, root.Payload.Request.Volume, true
	}
	return 0, 0, false
}

// open selects an interested counter-agent and posts the first counter-offer.
func (r *Runner) open(ctx context.Context, t *feed.Thread) error {
	price, volume, ok := rootPrice(t.Root)
	if !ok {
		return nil
	}

	counter, err := r.pickCounterAgent(ctx, t.Root)
	if err != nil {
		return err
	}
	if counter == nil {
		return nil // nobody interested this pass
	}

	target := price * openerMarkup
	offer := score.CounterOffer(price, target, 1, r.Rand)
	return r.postReply(ctx, t, counter.ID, offer, volume, "opening counter-offer")
}

// pickCounterAgent finds one active agent whose constraints match the root
// post's material category. Role fit: offers attract buyers (recyclers and
// processors first), requests attract any seller-capable agent.
func (r *Runner) pickCounterAgent(ctx context.Context, root *market.FeedPost) (*market.Agent, error) {
	agents, err := r.Registry.ActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	category := root.Payload.Category()
	var fallback *market.Agent
	for _, a := range agents {
		if a.ID == root.AuthorID {
			continue
		}
		if a.Role == market.RoleLogistics || a.Role == market.RoleRegionCoordinator {
			continue
		}
		if !a.Constraints.AcceptsCategory(category) {
			continue
		}
		if root.Kind == market.PostOffer && (a.Role == market.RoleRecycler || a.Role == market.RoleProcessor) {
			return a, nil
		}
		if fallback == nil {
			fallback = a
		}
	}
	return fallback, nil
}

// continueThread posts the next counter-offer, alternating the responder
// between the root author and the first replier.
func (r *Runner) continueThread(ctx context.Context, t *feed.Thread) error {
	price, volume, ok := rootPrice(t.Root)
	if !ok {
		return nil
	}

	last := t.LastReply()
	lastPrice := price
	if last.Payload.Reply != nil && last.Payload.Reply.CounterOffer != nil {
		lastPrice = last.Payload.Reply.CounterOffer.PricePerUnit
		if v := last.Payload.Reply.CounterOffer.Volume; v > 0 {
			volume = v
		}
	}

	// Alternate responder: replies from the first replier are answered by
	// the root author and vice versa.
	participants := t.Participants()
	responder := t.Root.AuthorID
	if last.AuthorID == t.Root.AuthorID && len(participants) > 1 {
		responder = participants[1]
	}

	// Each side pulls the price toward its own anchor; the closing
	// percentage grows with the round, so positions tighten.
	round := len(t.Replies) + 1
	if round > score.MaxRounds {
		round = score.MaxRounds
	}
	target := price * openerMarkup
	if responder == t.Root.AuthorID {
		target = price
	}

	offer := score.CounterOffer(lastPrice, target, round, r.Rand)
	return r.postReply(ctx, t, responder, offer, volume, fmt.Sprintf("counter-offer round %d", round))
}

func (r *Runner) postReply(ctx context.Context, t *feed.Thread, authorID string, price, volume float64, message string) error {
	reply := &market.FeedPost{
		ID:       uuid.NewString(),
		AuthorID: authorID,
		Kind:     market.PostReply,
		Payload: market.Payload{
			Reply: &market.ReplyPayload{
				Message: message,
				CounterOffer: &market.CounterOffer{
					PricePerUnit: price,
					Volume:       volume,
				},
			},
		},
		Region:       t.Root.Region,
		Visibility:   t.Root.Visibility,
		Active:       true,
		ParentID:     t.LastID(),
		ThreadRootID: t.Root.ID,
	}
	if err := r.Feed.Append(ctx, reply); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	if err := r.Feed.Update(ctx, t.Root.ID, feed.Patch{ReplyCountDelta: 1}); err != nil {
		return fmt.Errorf("bump reply count: %w", err)
	}
	return nil
}

// evaluate runs the convergence check on a thread at its message budget and
// closes the thread either way.
func (r *Runner) evaluate(ctx context.Context, t *feed.Thread) (bool, error) {
	prices := t.CounterOfferPrices()

	closed := false
	closeThread := func() error {
		if closed {
			return nil
		}
		closed = true
		inactive := false
		return r.Feed.Update(ctx, t.Root.ID, feed.Patch{Active: &inactive})
	}

	if len(prices) < 2 || !score.Converged(prices[0], prices[len(prices)-1]) {
		r.Log.Info("thread abandoned",
			"root_id", t.Root.ID,
			"messages", t.MessageCount(),
		)
		return false, closeThread()
	}

	d, ok := r.dealFromThread(ctx, t)
	if !ok {
		// Incomplete payload mid-negotiation is an expected state, not an
		// error; the thread still closes.
		r.ValidationMisses++
		return false, closeThread()
	}

	if err := r.Deals.SaveBilateral(ctx, d); err != nil {
		return false, fmt.Errorf("save deal: %w", err)
	}
	r.recordProposed(ctx, d.SellerAgentID, d.BuyerAgentID)

	// Leave a record of the agreement in the thread before it closes.
	proposal := &market.FeedPost{
		ID:       uuid.NewString(),
		AuthorID: d.SellerAgentID,
		Kind:     market.PostDealProposal,
		Payload: market.Payload{DealProposal: &market.DealProposalPayload{
			DealID:   d.ID,
			DealKind: "bilateral",
			Summary: fmt.Sprintf("%s: %.0f %s at %.2f per unit",
				d.Category, d.Volume, d.Unit, d.PricePerUnit),
		}},
		Region:       t.Root.Region,
		Visibility:   t.Root.Visibility,
		Active:       true,
		ParentID:     t.LastID(),
		ThreadRootID: t.Root.ID,
	}
	if err := r.Feed.Append(ctx, proposal); err != nil {
		return true, fmt.Errorf("post deal proposal: %w", err)
	}

	if err := closeThread(); err != nil {
		return true, err
	}

	r.Log.Info("thread converged",
		"root_id", t.Root.ID,
		"deal_id", d.ID,
		"price_per_unit", d.PricePerUnit,
		"volume", d.Volume,
	)
	return true, nil
}

// recordProposed books one proposed deal against each party's performance
// counters. Adaptive constraint widening feeds off these. Bookkeeping
// failures are logged, never fatal to the deal.
func (r *Runner) recordProposed(ctx context.Context, agentIDs ...string) {
	for _, id := range agentIDs {
		a, err := r.Registry.Agent(ctx, id)
		if err != nil {
			r.Log.Warn("record proposed deal failed", "agent_id", id, "error", err)
			continue
		}
		a.Performance.DealsProposed++
		if err := r.Registry.SaveAgent(ctx, a); err != nil {
			r.Log.Warn("record proposed deal failed", "agent_id", id, "error", err)
		}
	}
}

// dealFromThread builds a bilateral deal from the root post and the final
// counter-offer. Returns false when required fields are missing or a party
// cannot be resolved.
func (r *Runner) dealFromThread(ctx context.Context, t *feed.Thread) (*market.BilateralDeal, bool) {
	last := t.LastReply()
	if last == nil || last.Payload.Reply == nil || last.Payload.Reply.CounterOffer == nil {
		return nil, false
	}
	co := last.Payload.Reply.CounterOffer

	var key, category, subtype, unit string
	switch {
	case t.Root.Payload.Offer != nil:
		o := t.Root.Payload.Offer
		key, category, subtype, unit = o.MaterialKey, o.Category, o.Subtype, o.Unit
	case t.Root.Payload.Request != nil:
		req := t.Root.Payload.Request
		key, category, subtype, unit = req.MaterialKey, req.Category, req.Subtype, req.Unit
	default:
		return nil, false
	}

	if category == "" || co.PricePerUnit <= 0 || co.Volume <= 0 {
		return nil, false
	}
	if subtype == "" {
		// A missing subtype must still resolve through the reference service.
		mat, err := r.Ref.Lookup(ctx, key)
		if err != nil {
			return nil, false
		}
		subtype = mat.Subtype
	}

	// The root author sells on an offer and buys on a request.
	sellerID, buyerID := t.Root.AuthorID, last.AuthorID
	if t.Root.Kind == market.PostRequest {
		sellerID, buyerID = last.AuthorID, t.Root.AuthorID
	}

	sellerOrg, err := r.Registry.OrganizationForAgent(ctx, sellerID)
	if err != nil {
		return nil, false
	}
	buyerOrg, err := r.Registry.OrganizationForAgent(ctx, buyerID)
	if err != nil {
		return nil, false
	}

	now := time.Now().UTC()
	return &market.BilateralDeal{
		ID:            uuid.NewString(),
		SellerAgentID: sellerID,
		SellerOrgID:   sellerOrg.ID,
		BuyerAgentID:  buyerID,
		BuyerOrgID:    buyerOrg.ID,
		MaterialKey:   key,
		Category:      category,
		Subtype:       subtype,
		Volume:        co.Volume,
		Unit:          unit,
		PricePerUnit:  co.PricePerUnit,
		TotalValue:    co.PricePerUnit * co.Volume,
		Status:        market.DealPendingSellerApproval,
		ThreadRootID:  t.Root.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, true
}
