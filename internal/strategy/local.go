package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/surplusnet/surplusnet/internal/entropy"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/score"
)

// Materiality threshold: waste streams below this monthly volume are not
// worth posting.
const materialityVolume = 5.0

// counterOfferScore is the opportunity score above which a local agent
// replies with a counter-offer.
const counterOfferScore = 70

// Adaptive learning bounds: widen price constraints when the agent keeps
// losing deals.
const (
	wideningSuccessRate = 0.50
	wideningRejections  = 3
	wideningFactor      = 0.10
)

// Local drives manufacturer and other local-business agents: sell surplus
// waste streams, cover requirements, chase high-scoring opportunities, and
// adapt constraints to outcomes.
type Local struct {
	Deps
}

// Role returns the role this strategy drives.
func (s *Local) Role() market.Role { return market.RoleLocal }

// Run executes one cycle for one local agent.
func (s *Local) Run(ctx context.Context, agent *market.Agent) (int, error) {
	org, err := s.Registry.OrganizationForAgent(ctx, agent.ID)
	if err != nil {
		return 0, fmt.Errorf("resolve organization: %w", err)
	}

	actions := 0

	n, err := s.postStreamOffers(ctx, agent, org)
	actions += n
	if err != nil {
		return actions, err
	}

	n, err = s.postRequirementRequests(ctx, agent, org)
	actions += n
	if err != nil {
		return actions, err
	}

	n, err = s.chaseOpportunities(ctx, agent)
	actions += n
	if err != nil {
		return actions, err
	}

	if err := s.adapt(ctx, agent); err != nil {
		return actions, err
	}
	return actions, nil
}

// postStreamOffers posts one offer per material waste stream that has no
// active offer yet. Asking price is the reference price adjusted for the
// stream's quality tier.
func (s *Local) postStreamOffers(ctx context.Context, agent *market.Agent, org *market.Organization) (int, error) {
	actions := 0
	for _, ws := range org.WasteStreams {
		if ws.MonthlyVolume < materialityVolume {
			continue
		}

		mat, err := s.Ref.Lookup(ctx, ws.MaterialKey)
		if err != nil {
			if errors.Is(err, refdata.ErrNotFound) {
				continue // unknown material, nothing to price
			}
			return actions, fmt.Errorf("lookup %s: %w", ws.MaterialKey, err)
		}
		askPrice := mat.PriceForTier(ws.QualityTier)

		post := &market.FeedPost{
			AuthorID: agent.ID,
			Kind:     market.PostOffer,
			Payload: market.Payload{Offer: &market.OfferPayload{
				MaterialKey:    ws.MaterialKey,
				Category:       ws.Category,
				Subtype:        ws.Subtype,
				Volume:         ws.MonthlyVolume,
				Unit:           ws.Unit,
				PricePerUnit:   askPrice,
				QualityTier:    ws.QualityTier,
				Contamination:  ws.Contamination,
				Processability: ws.Processability,
			}},
			Region:     agent.Region,
			Visibility: market.VisibilityRegion,
			Active:     true,
			ExpiresAt:  time.Now().Add(postTTL),
		}
		inserted, err := s.Feed.AppendUnique(ctx, post, "offer:"+strings.ToLower(ws.MaterialKey))
		if err != nil {
			return actions, fmt.Errorf("post offer: %w", err)
		}
		if inserted {
			actions++
		}
	}
	return actions, nil
}

// postRequirementRequests covers each unmet requirement. Policy is
// search-before-post: an existing matching offer on the feed means no
// request is posted; the opportunity pass will reply to that offer instead.
func (s *Local) postRequirementRequests(ctx context.Context, agent *market.Agent, org *market.Organization) (int, error) {
	actions := 0
	taxonomy := s.Taxonomy(ctx)

	for _, req := range org.Requirements {
		active := true
		offers, err := s.Feed.Query(ctx, feed.Filter{
			Region:        agent.Region,
			Kinds:         []market.PostKind{market.PostOffer},
			Active:        &active,
			ExcludeAuthor: agent.ID,
			Payload: func(p market.Payload) bool {
				return p.Offer != nil && score.Compatible(p.Offer.MaterialKey, req.MaterialKey, taxonomy)
			},
		})
		if err != nil {
			return actions, fmt.Errorf("search offers: %w", err)
		}
		if len(offers) > 0 {
			continue // someone is already selling it
		}

		askPrice := req.MaxPricePer
		if ref := s.referencePrice(ctx, req.MaterialKey); ref > askPrice {
			askPrice = ref
		}

		post := &market.FeedPost{
			AuthorID: agent.ID,
			Kind:     market.PostRequest,
			Payload: market.Payload{Request: &market.RequestPayload{
				MaterialKey:     req.MaterialKey,
				Category:        req.Category,
				Subtype:         req.Subtype,
				Volume:          req.MonthlyVolume,
				Unit:            req.Unit,
				MaxPricePerUnit: askPrice,
				QualityCeiling:  req.QualityCeiling,
			}},
			Region:     agent.Region,
			Visibility: market.VisibilityRegion,
			Active:     true,
			ExpiresAt:  time.Now().Add(postTTL),
		}
		inserted, err := s.Feed.AppendUnique(ctx, post, "request:"+strings.ToLower(req.MaterialKey))
		if err != nil {
			return actions, fmt.Errorf("post request: %w", err)
		}
		if inserted {
			actions++
		}
	}
	return actions, nil
}

// chaseOpportunities replies with a counter-offer to every opportunity
// scoring above the threshold that the agent has not replied to yet. Buyers
// bid slightly above ask to win the material; sellers concede slightly.
func (s *Local) chaseOpportunities(ctx context.Context, agent *market.Agent) (int, error) {
	opps, err := s.Scanner.Opportunities(ctx, agent)
	if err != nil {
		return 0, err
	}
	agent.Performance.OpportunitiesScanned += len(opps)

	actions := 0
	for _, opp := range opps {
		if opp.Score <= counterOfferScore {
			break // sorted descending, nothing better follows
		}
		replied, err := s.hasRepliedTo(ctx, agent.ID, opp.Post.ID)
		if err != nil {
			return actions, err
		}
		if replied {
			continue
		}

		var askPrice, volume float64
		if opp.Post.Payload.Offer != nil {
			askPrice, volume = opp.Post.Payload.Offer.PricePerUnit, opp.Post.Payload.Offer.Volume
		} else if opp.Post.Payload.Request != nil {
			askPrice, volume = opp.Post.Payload.Request.MaxPricePerUnit, opp.Post.Payload.Request.Volume
		} else {
			continue
		}

		jitter := entropy.Jitter(s.Rand, 0.95, 1.05)
		price := askPrice * 1.05 * jitter // buying: bid a touch over ask
		if opp.Direction == score.DirectionSell {
			price = askPrice * 0.95 * jitter // selling: concede a touch
		}

		if err := s.postCounterReply(ctx, agent, opp, price, volume, "interested, see counter-offer"); err != nil {
			return actions, fmt.Errorf("post counter-offer: %w", err)
		}
		actions++
	}
	return actions, nil
}

// adapt recomputes the success rate and widens the price band by 10% on both
// ends when the agent keeps getting rejected, then persists the agent.
func (s *Local) adapt(ctx context.Context, agent *market.Agent) error {
	perf := &agent.Performance
	if perf.DealsProposed > 0 {
		perf.SuccessRate = float64(perf.DealsApproved) / float64(perf.DealsProposed)
	}

	if perf.DealsProposed > 0 && perf.SuccessRate < wideningSuccessRate && perf.DealsRejected > wideningRejections {
		c := &agent.Constraints
		c.MinPrice *= 1 - wideningFactor
		c.MaxPrice *= 1 + wideningFactor
		s.Log.Info("widened price constraints",
			"agent_id", agent.ID,
			"success_rate", perf.SuccessRate,
			"min_price", c.MinPrice,
			"max_price", c.MaxPrice,
		)
	}

	if err := s.Registry.SaveAgent(ctx, agent); err != nil {
		return fmt.Errorf("persist agent: %w", err)
	}
	return nil
}
