// Package scan turns the raw feed into ranked opportunities for one agent.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/score"
)

// Lookback is how far back the scanner reads the feed.
const Lookback = 7 * 24 * time.Hour

// Opportunity is one scored candidate post.
type Opportunity struct {
	Post      *market.FeedPost
	Score     int
	Direction score.Direction
}

// Scanner reads recent posts and scores them against an agent's constraints.
type Scanner struct {
	Feed     feed.Store
	Ref      refdata.Service
	Distance score.DistanceFunc
	Log      *slog.Logger
}

// New creates a scanner with the constant-distance placeholder when no
// distance function is supplied.
func New(f feed.Store, ref refdata.Service, dist score.DistanceFunc, log *slog.Logger) *Scanner {
	if dist == nil {
		dist = score.ConstantDistance(50)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{Feed: f, Ref: ref, Distance: dist, Log: log}
}

// Opportunities returns scored candidates for the agent, best first.
// Candidates are recent active offers and requests in the agent's region
// (all regions for a global agent), excluding the agent's own posts, that
// pass the hard constraints.
func (s *Scanner) Opportunities(ctx context.Context, agent *market.Agent) ([]Opportunity, error) {
	active := true
	posts, err := s.Feed.Query(ctx, feed.Filter{
		Region:        agent.Region,
		Kinds:         []market.PostKind{market.PostOffer, market.PostRequest},
		Active:        &active,
		Since:         time.Now().Add(-Lookback),
		ExcludeAuthor: agent.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}

	now := time.Now()
	var out []Opportunity
	for _, post := range posts {
		if post.Expired(now) {
			continue
		}
		opp, ok := s.scoreOne(ctx, agent, post)
		if !ok {
			continue
		}
		out = append(out, opp)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// scoreOne evaluates a single candidate. Returns false when the post fails
// hard constraints or carries no scorable payload.
func (s *Scanner) scoreOne(ctx context.Context, agent *market.Agent, post *market.FeedPost) (Opportunity, bool) {
	in := score.OpportunityInput{
		MinVolume:        agent.Constraints.MinVolume,
		MaxVolume:        agent.Constraints.MaxVolume,
		MaxContamination: agent.Constraints.MaxContamination,
		Distance:         s.Distance(agent.Region, post.Region),
	}

	var key, category string
	switch {
	case post.Payload.Offer != nil:
		o := post.Payload.Offer
		in.Direction = score.DirectionBuy
		in.PricePerUnit = o.PricePerUnit
		in.QualityTier = o.QualityTier
		in.Volume = o.Volume
		in.Contamination = o.Contamination
		in.Processability = o.Processability
		key, category = o.MaterialKey, o.Category
	case post.Payload.Request != nil:
		r := post.Payload.Request
		in.Direction = score.DirectionSell
		in.PricePerUnit = r.MaxPricePerUnit
		in.QualityTier = r.QualityCeiling
		in.Volume = r.Volume
		key, category = r.MaterialKey, r.Category
	default:
		return Opportunity{}, false
	}

	if !score.PassesHardConstraints(agent.Constraints, category, in.Volume, in.QualityTier) {
		return Opportunity{}, false
	}
	in.CategoryMatch = agent.Constraints.AcceptsCategory(category) && len(agent.Constraints.Categories) > 0

	in.ReferencePrice = s.referencePrice(ctx, key, in.PricePerUnit)

	return Opportunity{
		Post:      post,
		Score:     score.Opportunity(in),
		Direction: in.Direction,
	}, true
}

// referencePrice looks up the reference price, falling back to the quoted
// price on a lookup miss so the price factor stays neutral.
func (s *Scanner) referencePrice(ctx context.Context, key string, quoted float64) float64 {
	if key == "" {
		return quoted
	}
	mat, err := s.Ref.Lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, refdata.ErrNotFound) {
			s.Log.Warn("reference lookup failed", "key", key, "error", err)
		}
		return quoted
	}
	return mat.ReferencePrice
}
