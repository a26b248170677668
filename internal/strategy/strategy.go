// Package strategy implements the per-role agent behaviors. Each strategy
// runs once per cycle for one agent, posting offers, requests, and replies
// to the shared feed, and returns how many actions it took.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/entropy"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/notify"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/registry"
	"github.com/surplusnet/surplusnet/internal/scan"
	"github.com/surplusnet/surplusnet/internal/score"
)

// Default post lifetime. Expiry is advisory: expired posts drop out of
// scans, nothing purges them.
const postTTL = 14 * 24 * time.Hour

// defaultReferencePrice is the fallback when the reference service misses.
const defaultReferencePrice = 100.0

// Deps bundles the shared collaborators every strategy uses.
type Deps struct {
	Feed     feed.Store
	Deals    deal.Store
	Registry registry.Registry
	Ref      refdata.Service
	Scanner  *scan.Scanner
	Notify   notify.Notifier
	Rand     entropy.Source
	Distance score.DistanceFunc
	Log      *slog.Logger

	// OutputInput maps a processor output material to the input material it
	// is made from. Backward chaining falls back to substring overlap when
	// a key is absent.
	OutputInput map[string]string
}

// Strategy is one role's per-cycle behavior.
type Strategy interface {
	Role() market.Role
	Run(ctx context.Context, agent *market.Agent) (int, error)
}

// ForRole returns the strategy driving a role, or nil for unknown roles.
func ForRole(role market.Role, deps Deps) Strategy {
	if deps.Rand == nil {
		deps.Rand = entropy.Crypto{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Distance == nil {
		deps.Distance = score.ConstantDistance(50)
	}
	switch role {
	case market.RoleLocal:
		return &Local{deps}
	case market.RoleRecycler:
		return &Recycler{deps}
	case market.RoleProcessor:
		return &Processor{deps}
	case market.RoleLogistics:
		return &Logistics{deps}
	case market.RoleRegionCoordinator:
		return &RegionCoordinator{deps}
	}
	return nil
}

// referencePrice resolves a material's reference price, treating a lookup
// miss as a soft failure with a default price.
func (d Deps) referencePrice(ctx context.Context, key string) float64 {
	mat, err := d.Ref.Lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, refdata.ErrNotFound) {
			d.Log.Warn("reference lookup failed", "key", key, "error", err)
		}
		return defaultReferencePrice
	}
	return mat.ReferencePrice
}

// Taxonomy adapts the reference service into a compatibility resolver.
func (d Deps) Taxonomy(ctx context.Context) score.TaxonomyFn {
	return func(name string) (refdata.Material, bool) {
		mat, err := d.Ref.Lookup(ctx, name)
		if err != nil {
			return refdata.Material{}, false
		}
		return mat, true
	}
}

// hasOwnActivePost reports whether the agent already has an active post of
// the given kind whose payload passes the predicate.
func (d Deps) hasOwnActivePost(ctx context.Context, agentID string, kind market.PostKind, match func(market.Payload) bool) (bool, error) {
	active := true
	posts, err := d.Feed.Query(ctx, feed.Filter{
		AuthorID: agentID,
		Kinds:    []market.PostKind{kind},
		Active:   &active,
		Payload:  match,
	})
	if err != nil {
		return false, fmt.Errorf("query own posts: %w", err)
	}
	return len(posts) > 0, nil
}

// hasRepliedTo reports whether the agent already replied in a thread.
func (d Deps) hasRepliedTo(ctx context.Context, agentID, rootID string) (bool, error) {
	posts, err := d.Feed.Query(ctx, feed.Filter{
		AuthorID:     agentID,
		ThreadRootID: rootID,
		Kinds:        []market.PostKind{market.PostReply},
	})
	if err != nil {
		return false, fmt.Errorf("query replies: %w", err)
	}
	return len(posts) > 0, nil
}

// postCounterReply appends a counter-offer reply to an opportunity's thread.
func (d Deps) postCounterReply(ctx context.Context, agent *market.Agent, opp scan.Opportunity, price, volume float64, msg string) error {
	rootID := opp.Post.ID
	if opp.Post.ThreadRootID != "" {
		rootID = opp.Post.ThreadRootID
	}
	reply := &market.FeedPost{
		AuthorID: agent.ID,
		Kind:     market.PostReply,
		Payload: market.Payload{
			Reply: &market.ReplyPayload{
				Message:      msg,
				CounterOffer: &market.CounterOffer{PricePerUnit: price, Volume: volume},
			},
		},
		Region:       opp.Post.Region,
		Visibility:   opp.Post.Visibility,
		Active:       true,
		ParentID:     opp.Post.ID,
		ThreadRootID: rootID,
	}
	if err := d.Feed.Append(ctx, reply); err != nil {
		return err
	}
	return d.Feed.Update(ctx, rootID, feed.Patch{ReplyCountDelta: 1})
}
