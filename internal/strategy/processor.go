package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/score"
)

const (
	// procMinSpare is the monthly spare capacity below which a service is
	// considered fully booked and stops advertising.
	procMinSpare = 10.0

	// procMargin is the markup a processor adds over its input-plus-fee
	// cost when quoting transformed output.
	procMargin = 1.15

	// procMinVolume is the smallest monthly volume worth chaining.
	procMinVolume = 5.0
)

// Processor sells transformation capacity and chains backward from open
// requests: when someone wants a material the processor can produce, it
// finds the cheapest compatible input offer and structures a three-party
// deal around itself.
type Processor struct {
	Deps
}

func (p *Processor) Role() market.Role { return market.RoleProcessor }

func (p *Processor) Run(ctx context.Context, agent *market.Agent) (int, error) {
	org, err := p.Registry.OrganizationForAgent(ctx, agent.ID)
	if err != nil {
		return 0, fmt.Errorf("load organization: %w", err)
	}

	actions, err := p.advertiseServices(ctx, agent, org)
	if err != nil {
		return actions, err
	}

	chained, err := p.chainBackward(ctx, agent, org)
	actions += chained
	return actions, err
}

// advertiseServices keeps one announcement live per service with meaningful
// spare capacity, and retires the announcement once capacity fills up.
func (p *Processor) advertiseServices(ctx context.Context, agent *market.Agent, org *market.Organization) (int, error) {
	actions := 0
	for _, svc := range org.Services {
		key := "service:" + strings.ToLower(svc.Name)
		if svc.SpareCapacity() < procMinSpare {
			if err := p.retireAnnouncement(ctx, agent.ID, svc.Name); err != nil {
				return actions, err
			}
			continue
		}
		post := &market.FeedPost{
			AuthorID: agent.ID,
			Kind:     market.PostAnnouncement,
			Payload: market.Payload{Announcement: &market.AnnouncementPayload{
				Title: "Processing capacity: " + svc.Name,
				Body: fmt.Sprintf("%s accepts %s and produces %s; %s units/month available at %s per unit.",
					svc.Name,
					strings.Join(svc.InputMaterials, ", "),
					strings.Join(svc.OutputMaterials, ", "),
					humanize.CommafWithDigits(svc.SpareCapacity(), 0),
					humanize.CommafWithDigits(svc.FeePerUnit, 2)),
				Rate: svc.FeePerUnit,
			}},
			Region:     agent.Region,
			Visibility: market.VisibilityGlobal,
			Active:     true,
			ExpiresAt:  time.Now().UTC().Add(postTTL),
		}
		inserted, err := p.Feed.AppendUnique(ctx, post, key)
		if err != nil {
			return actions, fmt.Errorf("advertise service %q: %w", svc.Name, err)
		}
		if inserted {
			actions++
		}
	}
	return actions, nil
}

// retireAnnouncement deactivates the agent's live announcement for one
// service name.
func (p *Processor) retireAnnouncement(ctx context.Context, agentID, svcName string) error {
	active := true
	posts, err := p.Feed.Query(ctx, feed.Filter{
		AuthorID: agentID,
		Kinds:    []market.PostKind{market.PostAnnouncement},
		Active:   &active,
		Payload: func(pl market.Payload) bool {
			return pl.Announcement != nil && strings.Contains(pl.Announcement.Title, svcName)
		},
	})
	if err != nil {
		return fmt.Errorf("query service announcements: %w", err)
	}
	inactive := false
	for _, post := range posts {
		if err := p.Feed.Update(ctx, post.ID, feed.Patch{Active: &inactive}); err != nil {
			return fmt.Errorf("retire announcement: %w", err)
		}
	}
	return nil
}

// chainBackward scans open requests for materials the processor can produce
// and tries to close each one with a sourced input and a three-party deal.
func (p *Processor) chainBackward(ctx context.Context, agent *market.Agent, org *market.Organization) (int, error) {
	outputs := org.OutputMaterials()
	if len(outputs) == 0 {
		return 0, nil
	}
	taxonomy := p.Taxonomy(ctx)

	active := true
	requests, err := p.Feed.Query(ctx, feed.Filter{
		Kinds:         []market.PostKind{market.PostRequest},
		Active:        &active,
		ExcludeAuthor: agent.ID,
	})
	if err != nil {
		return 0, fmt.Errorf("query open requests: %w", err)
	}

	existing, err := p.Deals.MultiParties(ctx)
	if err != nil {
		return 0, fmt.Errorf("list multi-party deals: %w", err)
	}
	seen := market.LiveChainKeys(existing, time.Now().UTC())

	actions := 0
	for _, reqPost := range requests {
		if reqPost.Expired(time.Now().UTC()) || reqPost.Payload.Request == nil {
			continue
		}
		req := reqPost.Payload.Request

		output, svc := p.serviceProducing(org, req.MaterialKey, req.Category, taxonomy)
		if svc == nil {
			continue
		}
		input := p.inputFor(output, svc)
		if input == "" {
			continue
		}

		offerPost := p.cheapestInputOffer(ctx, agent.ID, input, taxonomy)
		if offerPost == nil {
			continue
		}
		offer := offerPost.Payload.Offer

		outputPrice := (offer.PricePerUnit + svc.FeePerUnit) * procMargin
		if req.MaxPricePerUnit > 0 && outputPrice > req.MaxPricePerUnit {
			continue
		}
		volume := min3(offer.Volume, req.Volume, svc.SpareCapacity())
		if volume < procMinVolume {
			continue
		}

		structured, err := p.structureThreeWay(ctx, agent, org, offerPost, reqPost, *svc, input, output, outputPrice, volume, seen)
		if err != nil {
			return actions, err
		}
		if structured {
			actions++
		}
	}
	return actions, nil
}

// serviceProducing returns the first (output, service) pair whose output is
// compatible with the requested material.
func (p *Processor) serviceProducing(org *market.Organization, wantKey, wantCategory string, taxonomy score.TaxonomyFn) (string, *market.ProcessingService) {
	want := wantKey
	if want == "" {
		want = wantCategory
	}
	for i := range org.Services {
		svc := &org.Services[i]
		for _, out := range svc.OutputMaterials {
			if score.Compatible(out, want, taxonomy) {
				return out, svc
			}
		}
	}
	return "", nil
}

// inputFor resolves which input material yields an output: the configured
// mapping first, then substring overlap against the service's inputs.
func (p *Processor) inputFor(output string, svc *market.ProcessingService) string {
	if in, ok := p.OutputInput[output]; ok {
		return in
	}
	out := strings.ToLower(output)
	for _, in := range svc.InputMaterials {
		low := strings.ToLower(in)
		if strings.Contains(out, low) || strings.Contains(low, out) {
			return in
		}
	}
	if len(svc.InputMaterials) == 1 {
		return svc.InputMaterials[0]
	}
	return ""
}

// cheapestInputOffer returns the lowest-priced active offer compatible with
// the input material, or nil when none exists.
func (p *Processor) cheapestInputOffer(ctx context.Context, agentID, input string, taxonomy score.TaxonomyFn) *market.FeedPost {
	active := true
	offers, err := p.Feed.Query(ctx, feed.Filter{
		Kinds:         []market.PostKind{market.PostOffer},
		Active:        &active,
		ExcludeAuthor: agentID,
		Payload: func(pl market.Payload) bool {
			if pl.Offer == nil {
				return false
			}
			return score.Compatible(pl.Offer.MaterialKey, input, taxonomy) ||
				score.Compatible(pl.Offer.Category, input, taxonomy)
		},
	})
	if err != nil {
		p.Log.Warn("input offer query failed", "input", input, "error", err)
		return nil
	}

	var best *market.FeedPost
	now := time.Now().UTC()
	for _, o := range offers {
		if o.Expired(now) {
			continue
		}
		if best == nil || o.Payload.Offer.PricePerUnit < best.Payload.Offer.PricePerUnit {
			best = o
		}
	}
	return best
}

// structureThreeWay records the supplier→processor→buyer deal: a multi-party
// record with two child bilaterals, the processor's own approval already in,
// a feed announcement, and both outside parties notified of their share.
// Returns false when either counterparty cannot be resolved, or when the
// same chain is already on the table.
func (p *Processor) structureThreeWay(
	ctx context.Context,
	agent *market.Agent,
	org *market.Organization,
	offerPost, reqPost *market.FeedPost,
	svc market.ProcessingService,
	input, output string,
	outputPrice, volume float64,
	seen map[string]bool,
) (bool, error) {
	sellerOrg, err := p.Registry.OrganizationForAgent(ctx, offerPost.AuthorID)
	if err != nil {
		p.Log.Warn("supplier organization missing", "agent_id", offerPost.AuthorID, "error", err)
		return false, nil
	}
	buyerOrg, err := p.Registry.OrganizationForAgent(ctx, reqPost.AuthorID)
	if err != nil {
		p.Log.Warn("buyer organization missing", "agent_id", reqPost.AuthorID, "error", err)
		return false, nil
	}
	if sellerOrg.ID == buyerOrg.ID || sellerOrg.ID == org.ID || buyerOrg.ID == org.ID {
		return false, nil
	}

	req := reqPost.Payload.Request
	chainKey := market.ChainKey(req.Category, sellerOrg.ID, org.ID, buyerOrg.ID)
	if seen[chainKey] {
		return false, nil
	}

	offer := offerPost.Payload.Offer
	inputPrice := offer.PricePerUnit

	carbon := 0.0
	if mat, lookupErr := p.Ref.Lookup(ctx, offer.MaterialKey); lookupErr == nil {
		carbon = (mat.Carbon.Virgin - mat.Carbon.Recycled) * volume * 12
	}
	virgin := p.referencePrice(ctx, req.MaterialKey)

	flows := []market.Flow{
		{
			SellerOrgID:  sellerOrg.ID,
			BuyerOrgID:   org.ID,
			MaterialKey:  offer.MaterialKey,
			Category:     offer.Category,
			Subtype:      offer.Subtype,
			Volume:       volume,
			Unit:         offer.Unit,
			PricePerUnit: inputPrice,
		},
		{
			SellerOrgID:   org.ID,
			BuyerOrgID:    buyerOrg.ID,
			MaterialKey:   req.MaterialKey,
			Category:      req.Category,
			Subtype:       req.Subtype,
			Volume:        volume,
			Unit:          req.Unit,
			PricePerUnit:  outputPrice,
			CarbonSavings: carbon,
		},
	}
	dist := map[string]float64{
		sellerOrg.ID: inputPrice * volume * 12,
		org.ID:       (outputPrice - inputPrice - svc.FeePerUnit) * volume * 12,
		buyerOrg.ID:  (virgin - outputPrice) * volume * 12,
	}
	total := 0.0
	for _, v := range dist {
		total += v
	}

	now := time.Now().UTC()
	mpd := &market.MultiPartyDeal{
		ID:                uuid.NewString(),
		OrgIDs:            []string{sellerOrg.ID, org.ID, buyerOrg.ID},
		Flows:             flows,
		ValueDistribution: dist,
		Approvals: map[string]market.Approval{
			sellerOrg.ID: {},
			org.ID:       {},
			buyerOrg.ID:  {},
		},
		Status:             market.MultiPartyProposed,
		TotalAnnualValue:   total,
		AnnualCarbonSaving: carbon,
		CreatedAt:          now,
		ExpiresAt:          now.Add(postTTL),
	}
	if err := p.Deals.SaveMultiParty(ctx, mpd); err != nil {
		return false, fmt.Errorf("save processed-material deal: %w", err)
	}

	for i, f := range flows {
		child := &market.BilateralDeal{
			ID:           uuid.NewString(),
			SellerOrgID:  f.SellerOrgID,
			BuyerOrgID:   f.BuyerOrgID,
			MaterialKey:  f.MaterialKey,
			Category:     f.Category,
			Subtype:      f.Subtype,
			Volume:       f.Volume,
			Unit:         f.Unit,
			PricePerUnit: f.PricePerUnit,
			TotalValue:   f.PricePerUnit * f.Volume,
			Status:       market.DealPendingMultiPartyApproval,
			MultiPartyID: mpd.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		switch i {
		case 0:
			child.SellerAgentID = offerPost.AuthorID
			child.BuyerAgentID = agent.ID
		case 1:
			child.SellerAgentID = agent.ID
			child.BuyerAgentID = reqPost.AuthorID
		}
		if err := p.Deals.SaveBilateral(ctx, child); err != nil {
			return false, fmt.Errorf("save child deal: %w", err)
		}
	}

	// Proposing the chain is approving it.
	if _, err := p.Deals.RecordApproval(ctx, mpd.ID, org.ID, true); err != nil {
		return false, fmt.Errorf("record own approval: %w", err)
	}
	seen[chainKey] = true

	announcement := &market.FeedPost{
		AuthorID: agent.ID,
		Kind:     market.PostAnnouncement,
		Payload: market.Payload{Announcement: &market.AnnouncementPayload{
			Title: "Processing chain proposed: " + output,
			Body: fmt.Sprintf("%s → %s via %s: %s units/month across three parties, pending approval.",
				input, output, svc.Name,
				humanize.CommafWithDigits(volume, 0)),
			Category: req.Category,
			Volume:   volume,
			Unit:     req.Unit,
			Rate:     outputPrice,
		}},
		Region:     agent.Region,
		Visibility: market.VisibilityGlobal,
		Active:     true,
		ExpiresAt:  now.Add(postTTL),
	}
	if _, err := p.Feed.AppendUnique(ctx, announcement, "chain:"+chainKey); err != nil {
		return false, fmt.Errorf("announce chain: %w", err)
	}

	for _, oid := range []string{sellerOrg.ID, buyerOrg.ID} {
		msg := fmt.Sprintf("A processed-material chain (%s → %s via %s) is waiting for your approval; %s units/month, worth about %s to you per year.",
			input, output, svc.Name,
			humanize.CommafWithDigits(volume, 0),
			humanize.CommafWithDigits(dist[oid], 0))
		p.Notify.Notify(ctx, oid, "Processing chain proposal", msg, mpd.ID)
	}

	p.Log.Info("three-party chain structured",
		"deal_id", mpd.ID,
		"processor", org.ID,
		"supplier", sellerOrg.ID,
		"buyer", buyerOrg.ID,
		"output", output,
		"volume", volume,
	)
	return true, nil
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
