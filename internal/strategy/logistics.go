package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
)

// logMinConsolidation is how many pending shipments a lane needs before a
// consolidated rate is worth announcing.
const logMinConsolidation = 2

// backhaulDiscount prices return legs at half the base rate.
const backhaulDiscount = 0.5

// Logistics watches deals waiting on transport and sells lane capacity:
// consolidated rates on lanes with multiple pending shipments, and
// discounted backhaul space on its scheduled routes.
type Logistics struct {
	Deps
}

func (l *Logistics) Role() market.Role { return market.RoleLogistics }

func (l *Logistics) Run(ctx context.Context, agent *market.Agent) (int, error) {
	org, err := l.Registry.OrganizationForAgent(ctx, agent.ID)
	if err != nil {
		return 0, fmt.Errorf("load organization: %w", err)
	}
	if org.Logistics == nil {
		return 0, nil
	}

	actions, err := l.consolidateLanes(ctx, agent, org)
	if err != nil {
		return actions, err
	}

	posted, err := l.offerBackhaul(ctx, agent, org)
	actions += posted
	return actions, err
}

// lane is an origin-city to destination-city shipping pair.
type lane struct {
	origin, dest string
}

// consolidateLanes groups deals pending logistics by city pair and
// announces a discounted consolidated rate on every lane carrying enough
// shipments to share a truck.
func (l *Logistics) consolidateLanes(ctx context.Context, agent *market.Agent, org *market.Organization) (int, error) {
	pending, err := l.Deals.BilateralsByStatus(ctx, market.DealPendingLogistics)
	if err != nil {
		return 0, fmt.Errorf("list deals pending logistics: %w", err)
	}

	volumes := make(map[lane]float64)
	counts := make(map[lane]int)
	for _, d := range pending {
		seller, err := l.Registry.Organization(ctx, d.SellerOrgID)
		if err != nil {
			l.Log.Warn("seller organization missing", "deal_id", d.ID, "org_id", d.SellerOrgID)
			continue
		}
		buyer, err := l.Registry.Organization(ctx, d.BuyerOrgID)
		if err != nil {
			l.Log.Warn("buyer organization missing", "deal_id", d.ID, "org_id", d.BuyerOrgID)
			continue
		}
		if seller.City == "" || buyer.City == "" || seller.City == buyer.City {
			continue
		}
		k := lane{origin: seller.City, dest: buyer.City}
		volumes[k] += d.Volume
		counts[k]++
	}

	lanes := make([]lane, 0, len(counts))
	for k := range counts {
		lanes = append(lanes, k)
	}
	sort.Slice(lanes, func(i, j int) bool {
		if lanes[i].origin != lanes[j].origin {
			return lanes[i].origin < lanes[j].origin
		}
		return lanes[i].dest < lanes[j].dest
	})

	rate := org.Logistics.BaseRatePerUnit * (1 - org.Logistics.ConsolidationDiscount)
	actions := 0
	for _, k := range lanes {
		if counts[k] < logMinConsolidation {
			continue
		}
		post := &market.FeedPost{
			AuthorID: agent.ID,
			Kind:     market.PostAnnouncement,
			Payload: market.Payload{Announcement: &market.AnnouncementPayload{
				Title: fmt.Sprintf("Consolidated freight: %s → %s", k.origin, k.dest),
				Body: fmt.Sprintf("%d shipments (%s units) are waiting on this lane. Shared-load rate %s per unit, %s off the standard rate.",
					counts[k],
					humanize.CommafWithDigits(volumes[k], 0),
					humanize.CommafWithDigits(rate, 2),
					humanize.CommafWithDigits(org.Logistics.ConsolidationDiscount*100, 0)+"%"),
				Volume: volumes[k],
				Rate:   rate,
			}},
			Region:     agent.Region,
			Visibility: market.VisibilityGlobal,
			Active:     true,
			ExpiresAt:  time.Now().UTC().Add(postTTL),
		}
		key := fmt.Sprintf("consolidate:%s:%s:%d", strings.ToLower(k.origin), strings.ToLower(k.dest), counts[k])
		inserted, err := l.Feed.AppendUnique(ctx, post, key)
		if err != nil {
			return actions, fmt.Errorf("announce consolidated lane: %w", err)
		}
		if inserted {
			actions++
		}
	}
	return actions, nil
}

// offerBackhaul posts discounted return-leg capacity for scheduled routes
// whose return lane has a plausible paying load: an organization at the
// route's origin with an active request on the feed. The truck drives back
// regardless, so any paying load beats empty.
func (l *Logistics) offerBackhaul(ctx context.Context, agent *market.Agent, org *market.Organization) (int, error) {
	demand, err := l.requestingCities(ctx)
	if err != nil {
		return 0, err
	}

	rate := org.Logistics.BaseRatePerUnit * backhaulDiscount
	actions := 0
	for _, r := range org.Logistics.Routes {
		if r.OriginCity == "" || r.DestinationCity == "" {
			continue
		}
		if !demand[strings.ToLower(r.OriginCity)] {
			continue
		}
		post := &market.FeedPost{
			AuthorID: agent.ID,
			Kind:     market.PostAnnouncement,
			Payload: market.Payload{Announcement: &market.AnnouncementPayload{
				Title: fmt.Sprintf("Backhaul space: %s → %s", r.DestinationCity, r.OriginCity),
				Body: fmt.Sprintf("Return capacity on the %s–%s run at %s per unit, half the standard rate.",
					r.DestinationCity, r.OriginCity,
					humanize.CommafWithDigits(rate, 2)),
				Rate: rate,
			}},
			Region:     agent.Region,
			Visibility: market.VisibilityGlobal,
			Active:     true,
			ExpiresAt:  time.Now().UTC().Add(postTTL),
		}
		key := "backhaul:" + strings.ToLower(r.DestinationCity) + ":" + strings.ToLower(r.OriginCity)
		inserted, err := l.Feed.AppendUnique(ctx, post, key)
		if err != nil {
			return actions, fmt.Errorf("offer backhaul: %w", err)
		}
		if inserted {
			actions++
		}
	}
	return actions, nil
}

// requestingCities collects the cities of organizations with an unexpired
// active request on the feed. A return leg ending in one of them can carry a
// real load.
func (l *Logistics) requestingCities(ctx context.Context) (map[string]bool, error) {
	active := true
	requests, err := l.Feed.Query(ctx, feed.Filter{
		Kinds:  []market.PostKind{market.PostRequest},
		Active: &active,
	})
	if err != nil {
		return nil, fmt.Errorf("query open requests: %w", err)
	}

	cities := make(map[string]bool)
	now := time.Now().UTC()
	for _, p := range requests {
		if p.Expired(now) {
			continue
		}
		org, err := l.Registry.OrganizationForAgent(ctx, p.AuthorID)
		if err != nil || org.City == "" {
			continue
		}
		cities[strings.ToLower(org.City)] = true
	}
	return cities, nil
}
