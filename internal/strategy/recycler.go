package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
)

// Recyclers stop buying a category once their plants are nearly full.
const recyclerUtilizationCutoff = 80.0

// idleCapacityPremium scales how much extra a recycler pays when idle:
// at 0% utilization the premium is 20% over reference.
const idleCapacityPremium = 0.2

// Distance-tiered bid thresholds: the further away the material, the better
// the opportunity has to be.
const (
	bidScoreNear = 60 // within 100 distance units
	bidScoreMid  = 75 // within 500
	bidScoreFar  = 85 // beyond
)

// recyclerBidMarkup is how far over asking a recycler bids to win material.
const recyclerBidMarkup = 1.10

// Recycler maintains standing buy requests for its accepted categories and
// bids on offers anywhere, with thresholds that tighten with distance.
type Recycler struct {
	Deps
}

// Role returns the role this strategy drives.
func (s *Recycler) Role() market.Role { return market.RoleRecycler }

// Run executes one cycle for one recycler agent.
func (s *Recycler) Run(ctx context.Context, agent *market.Agent) (int, error) {
	org, err := s.Registry.OrganizationForAgent(ctx, agent.ID)
	if err != nil {
		return 0, fmt.Errorf("resolve organization: %w", err)
	}

	actions, err := s.maintainStandingRequests(ctx, agent, org)
	if err != nil {
		return actions, err
	}

	n, err := s.bidOnOffers(ctx, agent, org)
	actions += n
	if err != nil {
		return actions, err
	}

	agent.Performance.SuccessRate = successRate(agent.Performance)
	if err := s.Registry.SaveAgent(ctx, agent); err != nil {
		return actions, fmt.Errorf("persist agent: %w", err)
	}
	return actions, nil
}

// standingPrice is the cycle's bid for a category: a premium over reference
// proportional to idle capacity.
func standingPrice(referencePrice, utilizationPct float64) float64 {
	return referencePrice * (1 + (100-utilizationPct)/100*idleCapacityPremium)
}

// maintainStandingRequests keeps one standing buy request per accepted
// category, re-priced each cycle. A category at or over the utilization
// cutoff gets no request; its stale standing request is retired.
func (s *Recycler) maintainStandingRequests(ctx context.Context, agent *market.Agent, org *market.Organization) (int, error) {
	utilization := 0.0
	if org.Recycler != nil {
		utilization = org.Recycler.UtilizationPct
	}

	actions := 0
	for _, category := range agent.Constraints.Categories {
		if utilization >= recyclerUtilizationCutoff {
			if err := s.retireOldStanding(ctx, agent.ID, category, ""); err != nil {
				return actions, err
			}
			continue
		}

		key := s.materialKeyForCategory(org, category)
		price := standingPrice(s.referencePrice(ctx, key), utilization)

		// One standing request per category; the content key carries the
		// price so an unchanged cycle is a no-op and a re-price inserts a
		// replacement.
		contentKey := fmt.Sprintf("standing:%s:%.2f", strings.ToLower(category), price)

		post := &market.FeedPost{
			AuthorID: agent.ID,
			Kind:     market.PostRequest,
			Payload: market.Payload{Request: &market.RequestPayload{
				MaterialKey:     key,
				Category:        category,
				Volume:          agent.Constraints.MaxVolume,
				Unit:            "t",
				MaxPricePerUnit: price,
				QualityCeiling:  agent.Constraints.QualityCeiling,
				Standing:        true,
			}},
			Region:     market.RegionGlobal,
			Visibility: market.VisibilityGlobal,
			Active:     true,
			ExpiresAt:  time.Now().Add(postTTL),
		}
		inserted, err := s.Feed.AppendUnique(ctx, post, contentKey)
		if err != nil {
			return actions, fmt.Errorf("post standing request: %w", err)
		}
		if !inserted {
			continue
		}
		actions++

		if err := s.retireOldStanding(ctx, agent.ID, category, post.ID); err != nil {
			return actions, err
		}
	}
	return actions, nil
}

// retireOldStanding deactivates superseded standing requests for a category.
// An empty keepID retires every one of them.
func (s *Recycler) retireOldStanding(ctx context.Context, agentID, category, keepID string) error {
	active := true
	stale, err := s.Feed.Query(ctx, feed.Filter{
		AuthorID: agentID,
		Kinds:    []market.PostKind{market.PostRequest},
		Active:   &active,
		Payload: func(p market.Payload) bool {
			return p.Request != nil && p.Request.Standing && strings.EqualFold(p.Request.Category, category)
		},
	})
	if err != nil {
		return fmt.Errorf("query standing requests: %w", err)
	}

	inactive := false
	for _, post := range stale {
		if post.ID == keepID {
			continue
		}
		if err := s.Feed.Update(ctx, post.ID, feed.Patch{Active: &inactive}); err != nil {
			return fmt.Errorf("retire standing request: %w", err)
		}
	}
	return nil
}

// materialKeyForCategory picks a reference key for a category: the first
// requirement in that category, else the category name itself.
func (s *Recycler) materialKeyForCategory(org *market.Organization, category string) string {
	for _, req := range org.Requirements {
		if strings.EqualFold(req.Category, category) {
			return req.MaterialKey
		}
	}
	return category
}

// bidThreshold returns the minimum score to bid at a distance.
func bidThreshold(distance float64) int {
	switch {
	case distance <= 100:
		return bidScoreNear
	case distance <= 500:
		return bidScoreMid
	default:
		return bidScoreFar
	}
}

// bidOnOffers scans offers in every region and replies with a bid where the
// score clears the distance tier.
func (s *Recycler) bidOnOffers(ctx context.Context, agent *market.Agent, org *market.Organization) (int, error) {
	opps, err := s.Scanner.Opportunities(ctx, agent)
	if err != nil {
		return 0, err
	}
	agent.Performance.OpportunitiesScanned += len(opps)

	actions := 0
	for _, opp := range opps {
		offer := opp.Post.Payload.Offer
		if offer == nil {
			continue
		}

		distance := s.Distance(org.Region, opp.Post.Region)
		if opp.Score <= bidThreshold(distance) {
			continue
		}

		replied, err := s.hasRepliedTo(ctx, agent.ID, opp.Post.ID)
		if err != nil {
			return actions, err
		}
		if replied {
			continue
		}

		bid := offer.PricePerUnit * recyclerBidMarkup
		if org.Recycler != nil {
			if ceiling, ok := org.Recycler.MaxBuyPrice[strings.ToLower(offer.Category)]; ok {
				bid = math.Min(bid, ceiling)
			}
		}

		if err := s.postCounterReply(ctx, agent, opp, bid, offer.Volume, "recycler bid"); err != nil {
			return actions, fmt.Errorf("post bid: %w", err)
		}
		actions++
	}
	return actions, nil
}

func successRate(p market.Performance) float64 {
	if p.DealsProposed == 0 {
		return p.SuccessRate
	}
	return float64(p.DealsApproved) / float64(p.DealsProposed)
}
