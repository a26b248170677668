package coordinate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/registry"
	"github.com/surplusnet/surplusnet/internal/score"
)

// balanceThreshold: a region's surplus or deficit must exceed this volume
// before it enters cross-region matching.
const balanceThreshold = 10.0

// coordinationFee is the fixed cut the coordinating agents take.
const coordinationFee = 0.03

// Balance is one region's aggregate position in one material category.
type Balance struct {
	Region   string
	Category string
	Supply   float64 // total waste-stream volume
	Demand   float64 // total requirement volume

	AvgPrice       float64 // volume-weighted average disposal-side price
	AvgQualityTier float64
	MaxPrice       float64 // highest requirement price ceiling
	QualityCeiling int     // loosest requirement ceiling

	SellerOrgIDs []string
	BuyerOrgIDs  []string
	Unit         string
}

// Surplus reports whether supply exceeds demand by more than the threshold.
func (b Balance) Surplus() bool { return b.Supply-b.Demand > balanceThreshold }

// Deficit reports whether demand exceeds supply by more than the threshold.
func (b Balance) Deficit() bool { return b.Demand-b.Supply > balanceThreshold }

// Match pairs one region's surplus with another region's deficit.
type Match struct {
	Surplus Balance
	Deficit Balance
}

// CrossRegion matches regional surpluses to deficits in other regions.
type CrossRegion struct {
	Feed     feed.Store
	Deals    deal.Store
	Registry registry.Registry
	Distance score.DistanceFunc

	// TransportCost estimates per-unit transport between two regions.
	// Defaults to a per-distance-unit rate over the distance function.
	TransportCost func(from, to string) float64

	Log *slog.Logger
}

// NewCrossRegion wires a cross-region coordinator.
func NewCrossRegion(f feed.Store, d deal.Store, reg registry.Registry, dist score.DistanceFunc, log *slog.Logger) *CrossRegion {
	if dist == nil {
		dist = score.ConstantDistance(50)
	}
	if log == nil {
		log = slog.Default()
	}
	c := &CrossRegion{Feed: f, Deals: d, Registry: reg, Distance: dist, Log: log}
	c.TransportCost = func(from, to string) float64 {
		return c.Distance(from, to) * 0.1
	}
	return c
}

// AggregateRegion computes a region's balance per material category from the
// waste streams and requirements of every organization located there.
func AggregateRegion(region string, orgs []*market.Organization) []Balance {
	byCategory := make(map[string]*Balance)
	get := func(category, unit string) *Balance {
		k := strings.ToLower(category)
		b, ok := byCategory[k]
		if !ok {
			b = &Balance{Region: region, Category: k, Unit: unit}
			byCategory[k] = b
		}
		return b
	}

	for _, org := range orgs {
		if org.Region != region {
			continue
		}
		for _, ws := range org.WasteStreams {
			b := get(ws.Category, ws.Unit)
			// Volume-weighted running averages.
			totalBefore := b.Supply
			b.Supply += ws.MonthlyVolume
			if b.Supply > 0 {
				b.AvgPrice = (b.AvgPrice*totalBefore + ws.DisposalCostPer*ws.MonthlyVolume) / b.Supply
				b.AvgQualityTier = (b.AvgQualityTier*totalBefore + float64(ws.QualityTier)*ws.MonthlyVolume) / b.Supply
			}
			if !containsID(b.SellerOrgIDs, org.ID) {
				b.SellerOrgIDs = append(b.SellerOrgIDs, org.ID)
			}
		}
		for _, req := range org.Requirements {
			b := get(req.Category, req.Unit)
			b.Demand += req.MonthlyVolume
			if req.MaxPricePer > b.MaxPrice {
				b.MaxPrice = req.MaxPricePer
			}
			if req.QualityCeiling > b.QualityCeiling {
				b.QualityCeiling = req.QualityCeiling
			}
			if !containsID(b.BuyerOrgIDs, org.ID) {
				b.BuyerOrgIDs = append(b.BuyerOrgIDs, org.ID)
			}
		}
	}

	out := make([]Balance, 0, len(byCategory))
	for _, b := range byCategory {
		out = append(out, *b)
	}
	return out
}

// FindMatches pairs surpluses with deficits of the same category across
// different regions. Feasibility: the deficit side must tolerate the surplus
// side's average quality, and landed cost (price + transport) must clear the
// deficit side's price ceiling.
func (c *CrossRegion) FindMatches(balances []Balance) []Match {
	var matches []Match
	for _, s := range balances {
		if !s.Surplus() {
			continue
		}
		for _, d := range balances {
			if !d.Deficit() || d.Region == s.Region || d.Category != s.Category {
				continue
			}
			if d.QualityCeiling > 0 && float64(d.QualityCeiling) < s.AvgQualityTier {
				continue
			}
			transport := c.TransportCost(s.Region, d.Region)
			if s.AvgPrice+transport >= d.MaxPrice {
				continue
			}
			matches = append(matches, Match{Surplus: s, Deficit: d})
		}
	}
	return matches
}

// Negotiate turns one match into a cross-region deal and announces it to
// both regions: an export opportunity on one side, an import opportunity on
// the other.
func (c *CrossRegion) Negotiate(ctx context.Context, m Match, sourceCoordinator, destCoordinator string) (*market.CrossRegionDeal, error) {
	volume := m.Surplus.Supply - m.Surplus.Demand
	if deficit := m.Deficit.Demand - m.Deficit.Supply; deficit < volume {
		volume = deficit
	}
	transport := c.TransportCost(m.Surplus.Region, m.Deficit.Region)
	price := m.Surplus.AvgPrice + transport

	d := &market.CrossRegionDeal{
		ID:                uuid.NewString(),
		SourceRegion:      m.Surplus.Region,
		DestinationRegion: m.Deficit.Region,
		SourceCoordinator: sourceCoordinator,
		DestCoordinator:   destCoordinator,
		Category:          m.Surplus.Category,
		Volume:            volume,
		Unit:              m.Surplus.Unit,
		PricePerUnit:      price,
		TransportPerUnit:  transport,
		TotalAnnualValue:  price * volume * 12,
		CoordinationFee:   coordinationFee,
		SellerOrgIDs:      m.Surplus.SellerOrgIDs,
		BuyerOrgIDs:       m.Deficit.BuyerOrgIDs,
		Status:            market.CrossRegionProposed,
		CreatedAt:         time.Now().UTC(),
	}
	if err := c.Deals.SaveCrossRegion(ctx, d); err != nil {
		return nil, fmt.Errorf("save cross-region deal: %w", err)
	}

	exportBody := fmt.Sprintf("%s %s of surplus %s can move to %s at %s per unit (transport included).",
		humanize.CommafWithDigits(volume, 1), d.Unit, d.Category, d.DestinationRegion,
		humanize.CommafWithDigits(price, 2))
	importBody := fmt.Sprintf("%s %s of %s is available from %s at %s per unit landed.",
		humanize.CommafWithDigits(volume, 1), d.Unit, d.Category, d.SourceRegion,
		humanize.CommafWithDigits(price, 2))

	if err := c.announce(ctx, sourceCoordinator, d.SourceRegion, "Export opportunity: "+d.Category, exportBody, d); err != nil {
		return d, err
	}
	if err := c.announce(ctx, destCoordinator, d.DestinationRegion, "Import opportunity: "+d.Category, importBody, d); err != nil {
		return d, err
	}

	c.Log.Info("cross-region deal proposed",
		"deal_id", d.ID,
		"source", d.SourceRegion,
		"destination", d.DestinationRegion,
		"category", d.Category,
		"volume", volume,
	)
	return d, nil
}

func (c *CrossRegion) announce(ctx context.Context, authorID, region, title, body string, d *market.CrossRegionDeal) error {
	post := &market.FeedPost{
		AuthorID: authorID,
		Kind:     market.PostAnnouncement,
		Payload: market.Payload{Announcement: &market.AnnouncementPayload{
			Title:    title,
			Body:     body,
			Category: d.Category,
			Volume:   d.Volume,
			Unit:     d.Unit,
			Rate:     d.PricePerUnit,
		}},
		Region:     region,
		Visibility: market.VisibilityRegion,
		Active:     true,
	}
	// Keyed on the route, not the deal id, so a standing imbalance keeps a
	// single live announcement per side.
	inserted, err := c.Feed.AppendUnique(ctx, post, "crossregion:"+d.RouteKey())
	if err != nil {
		return fmt.Errorf("announce cross-region deal: %w", err)
	}
	_ = inserted
	return nil
}

// Run aggregates every coordinated region, matches surpluses to deficits,
// and negotiates each match. Only regions with an active coordinator agent
// participate. Returns the number of deals proposed.
func (c *CrossRegion) Run(ctx context.Context) (int, error) {
	coordinators, err := c.Registry.AgentsByRole(ctx, market.RoleRegionCoordinator)
	if err != nil {
		return 0, fmt.Errorf("list coordinators: %w", err)
	}
	coordinatorFor := make(map[string]string, len(coordinators))
	for _, a := range coordinators {
		if _, ok := coordinatorFor[a.Region]; !ok {
			coordinatorFor[a.Region] = a.ID
		}
	}
	if len(coordinatorFor) < 2 {
		return 0, nil // matching needs at least two coordinated regions
	}

	orgs, err := c.Registry.OrganizationsInRegion(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list organizations: %w", err)
	}

	var balances []Balance
	for region := range coordinatorFor {
		balances = append(balances, AggregateRegion(region, orgs)...)
	}

	open, err := c.openRoutes(ctx)
	if err != nil {
		return 0, err
	}

	proposed := 0
	for _, m := range c.FindMatches(balances) {
		// A standing imbalance produces one deal per route, not one per
		// pass: skip routes with a deal still in flight.
		key := market.CrossRegionKey(m.Surplus.Region, m.Deficit.Region, m.Surplus.Category)
		if open[key] {
			continue
		}
		d, err := c.Negotiate(ctx, m, coordinatorFor[m.Surplus.Region], coordinatorFor[m.Deficit.Region])
		if err != nil {
			return proposed, err
		}
		open[d.RouteKey()] = true
		proposed++
	}
	return proposed, nil
}

// openRoutes collects the route keys of every cross-region deal not yet
// completed.
func (c *CrossRegion) openRoutes(ctx context.Context) (map[string]bool, error) {
	deals, err := c.Deals.CrossRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cross-region deals: %w", err)
	}
	open := make(map[string]bool, len(deals))
	for _, d := range deals {
		if d.Status != market.CrossRegionCompleted {
			open[d.RouteKey()] = true
		}
	}
	return open, nil
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
