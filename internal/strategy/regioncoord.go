package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/surplusnet/surplusnet/internal/coordinate"
	"github.com/surplusnet/surplusnet/internal/market"
)

// RegionCoordinator publishes a per-cycle digest of its region's material
// balance so participants can see where supply and demand are out of step.
// Cross-region matching itself runs at the orchestrator level, over every
// coordinated region at once.
type RegionCoordinator struct {
	Deps
}

func (r *RegionCoordinator) Role() market.Role { return market.RoleRegionCoordinator }

func (r *RegionCoordinator) Run(ctx context.Context, agent *market.Agent) (int, error) {
	if agent.Region == "" {
		return 0, nil
	}
	orgs, err := r.Registry.OrganizationsInRegion(ctx, agent.Region)
	if err != nil {
		return 0, fmt.Errorf("list organizations in %s: %w", agent.Region, err)
	}
	if len(orgs) == 0 {
		return 0, nil
	}

	balances := coordinate.AggregateRegion(agent.Region, orgs)
	sort.Slice(balances, func(i, j int) bool { return balances[i].Category < balances[j].Category })

	var surplus, deficit []string
	for _, b := range balances {
		switch {
		case b.Surplus():
			surplus = append(surplus, fmt.Sprintf("%s (+%s %s)",
				b.Category, humanize.CommafWithDigits(b.Supply-b.Demand, 0), b.Unit))
		case b.Deficit():
			deficit = append(deficit, fmt.Sprintf("%s (−%s %s)",
				b.Category, humanize.CommafWithDigits(b.Demand-b.Supply, 0), b.Unit))
		}
	}
	if len(surplus) == 0 && len(deficit) == 0 {
		return 0, nil
	}

	var parts []string
	if len(surplus) > 0 {
		parts = append(parts, "Surplus: "+strings.Join(surplus, ", ")+".")
	}
	if len(deficit) > 0 {
		parts = append(parts, "Unmet demand: "+strings.Join(deficit, ", ")+".")
	}

	now := time.Now().UTC()
	post := &market.FeedPost{
		AuthorID: agent.ID,
		Kind:     market.PostAnnouncement,
		Payload: market.Payload{Announcement: &market.AnnouncementPayload{
			Title: "Material balance: " + agent.Region,
			Body:  strings.Join(parts, " "),
		}},
		Region:     agent.Region,
		Visibility: market.VisibilityRegion,
		Active:     true,
		ExpiresAt:  now.Add(postTTL),
	}
	// One digest per region per day.
	key := "digest:" + agent.Region + ":" + now.Format("2006-01-02")
	inserted, err := r.Feed.AppendUnique(ctx, post, key)
	if err != nil {
		return 0, fmt.Errorf("publish region digest: %w", err)
	}
	if inserted {
		return 1, nil
	}
	return 0, nil
}
