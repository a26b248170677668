// Package coordinate assembles deals no pairwise negotiation can reach:
// multi-party chains across 3+ organizations and cross-region surplus-to-
// deficit matches.
package coordinate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/notify"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/registry"
	"github.com/surplusnet/surplusnet/internal/score"
)

// Viability thresholds: a chain below both is not worth the coordination
// overhead of a structured deal.
const (
	minAnnualValue  = 25000.0
	minAnnualCarbon = 50.0
)

// virginDiscount prices a flow between the seller's disposal cost and a
// discounted virgin price, splitting the savings.
const virginDiscount = 0.8

// proposalTTL is how long a structured deal waits for approvals.
const proposalTTL = 30 * 24 * time.Hour

// ErrNotViable means a chain's estimated value and carbon savings are both
// below the structuring thresholds.
var ErrNotViable = errors.New("coordinate: chain below viability thresholds")

// Link is one adjacency in a chain: a seller's waste stream feeding a
// buyer's requirement.
type Link struct {
	Seller *market.Organization
	Buyer  *market.Organization
	Stream market.WasteStream
	Req    market.Requirement
}

// Chain is an ordered run of organizations connected by links.
type Chain struct {
	Links []Link
}

// Orgs returns the chain's organizations in flow order.
func (c Chain) Orgs() []*market.Organization {
	if len(c.Links) == 0 {
		return nil
	}
	out := []*market.Organization{c.Links[0].Seller}
	for _, l := range c.Links {
		out = append(out, l.Buyer)
	}
	return out
}

// MultiParty structures chains of organizations into approval-gated deals.
type MultiParty struct {
	Deals    deal.Store
	Registry registry.Registry
	Ref      refdata.Service
	Notify   notify.Notifier
	Log      *slog.Logger
}

// NewMultiParty wires a multi-party coordinator.
func NewMultiParty(d deal.Store, reg registry.Registry, ref refdata.Service, n notify.Notifier, log *slog.Logger) *MultiParty {
	if log == nil {
		log = slog.Default()
	}
	if n == nil {
		n = notify.Log{}
	}
	return &MultiParty{Deals: d, Registry: reg, Ref: ref, Notify: n, Log: log}
}

// link finds the first stream→requirement match between two organizations.
func link(seller, buyer *market.Organization, taxonomy score.TaxonomyFn) (Link, bool) {
	for _, ws := range seller.WasteStreams {
		for _, req := range buyer.Requirements {
			if score.Compatible(ws.MaterialKey, req.MaterialKey, taxonomy) ||
				score.Compatible(ws.Category, req.Category, taxonomy) {
				return Link{Seller: seller, Buyer: buyer, Stream: ws, Req: req}, true
			}
		}
	}
	return Link{}, false
}

// FindChains discovers three-organization chains: A's waste feeds B, and B's
// waste feeds C. Longer chains come from repeated structuring passes.
func FindChains(orgs []*market.Organization, taxonomy score.TaxonomyFn) []Chain {
	var chains []Chain
	for _, a := range orgs {
		for _, b := range orgs {
			if b.ID == a.ID {
				continue
			}
			ab, ok := link(a, b, taxonomy)
			if !ok {
				continue
			}
			for _, c := range orgs {
				if c.ID == a.ID || c.ID == b.ID {
					continue
				}
				bc, ok := link(b, c, taxonomy)
				if !ok {
					continue
				}
				chains = append(chains, Chain{Links: []Link{ab, bc}})
			}
		}
	}
	return chains
}

// buildFlow turns one link into a deal flow with the split-the-savings price.
func (m *MultiParty) buildFlow(ctx context.Context, l Link) market.Flow {
	volume := l.Stream.MonthlyVolume
	if l.Req.MonthlyVolume < volume {
		volume = l.Req.MonthlyVolume
	}
	price := (l.Stream.DisposalCostPer + virginDiscount*l.Req.VirginCostPer) / 2

	carbon := 0.0
	if mat, err := m.Ref.Lookup(ctx, l.Stream.MaterialKey); err == nil {
		carbon = (mat.Carbon.Virgin - mat.Carbon.Recycled) * volume * 12
	}

	return market.Flow{
		SellerOrgID:           l.Seller.ID,
		BuyerOrgID:            l.Buyer.ID,
		MaterialKey:           l.Stream.MaterialKey,
		Category:              l.Stream.Category,
		Subtype:               l.Stream.Subtype,
		Volume:                volume,
		Unit:                  l.Stream.Unit,
		PricePerUnit:          price,
		SellerDisposalSavings: l.Stream.DisposalCostPer * volume,
		BuyerVirginSavings:    l.Req.VirginCostPer * volume,
		CarbonSavings:         carbon,
	}
}

// distributeValue computes each organization's estimated annual value: the
// seller side earns disposal savings plus selling revenue, the buyer side
// earns the virgin-minus-purchase spread, each annualized.
func distributeValue(flows []market.Flow) map[string]float64 {
	dist := make(map[string]float64)
	for _, f := range flows {
		revenue := f.PricePerUnit * f.Volume
		dist[f.SellerOrgID] += (f.SellerDisposalSavings + revenue) * 12
		dist[f.BuyerOrgID] += (f.BuyerVirginSavings - revenue) * 12
	}
	return dist
}

// Structure builds the multi-party deal record for a chain: one child
// bilateral deal per flow, approvals initialized to pending, every
// participant notified of its share. Returns ErrNotViable below thresholds.
func (m *MultiParty) Structure(ctx context.Context, chain Chain) (*market.MultiPartyDeal, error) {
	if len(chain.Links) < 2 {
		return nil, errors.New("coordinate: chain needs at least three organizations")
	}

	flows := make([]market.Flow, 0, len(chain.Links))
	for _, l := range chain.Links {
		flows = append(flows, m.buildFlow(ctx, l))
	}

	dist := distributeValue(flows)
	total := 0.0
	for _, v := range dist {
		total += v
	}
	carbon := 0.0
	for _, f := range flows {
		carbon += f.CarbonSavings
	}

	if total < minAnnualValue && carbon < minAnnualCarbon {
		return nil, ErrNotViable
	}

	orgs := chain.Orgs()
	orgIDs := make([]string, 0, len(orgs))
	approvals := make(map[string]market.Approval, len(orgs))
	for _, o := range orgs {
		orgIDs = append(orgIDs, o.ID)
		approvals[o.ID] = market.Approval{}
	}

	now := time.Now().UTC()
	mpd := &market.MultiPartyDeal{
		ID:                 uuid.NewString(),
		OrgIDs:             orgIDs,
		Flows:              flows,
		ValueDistribution:  dist,
		Approvals:          approvals,
		Status:             market.MultiPartyProposed,
		TotalAnnualValue:   total,
		AnnualCarbonSaving: carbon,
		CreatedAt:          now,
		ExpiresAt:          now.Add(proposalTTL),
	}
	if err := m.Deals.SaveMultiParty(ctx, mpd); err != nil {
		return nil, fmt.Errorf("save multi-party deal: %w", err)
	}

	agentByOrg, err := m.agentIndex(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range flows {
		child := &market.BilateralDeal{
			ID:            uuid.NewString(),
			SellerAgentID: agentByOrg[f.SellerOrgID],
			SellerOrgID:   f.SellerOrgID,
			BuyerAgentID:  agentByOrg[f.BuyerOrgID],
			BuyerOrgID:    f.BuyerOrgID,
			MaterialKey:   f.MaterialKey,
			Category:      f.Category,
			Subtype:       f.Subtype,
			Volume:        f.Volume,
			Unit:          f.Unit,
			PricePerUnit:  f.PricePerUnit,
			TotalValue:    f.PricePerUnit * f.Volume,
			Status:        market.DealPendingMultiPartyApproval,
			MultiPartyID:  mpd.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.Deals.SaveBilateral(ctx, child); err != nil {
			return nil, fmt.Errorf("save child deal: %w", err)
		}
	}

	for _, o := range orgs {
		share := dist[o.ID]
		m.Notify.Notify(ctx, o.ID,
			"Multi-party exchange proposal",
			fmt.Sprintf("A %d-party material exchange is waiting for your approval; your estimated share is %s per year.",
				len(orgs), humanize.CommafWithDigits(share, 0)),
			mpd.ID,
		)
	}

	m.Log.Info("multi-party deal structured",
		"deal_id", mpd.ID,
		"participants", len(orgs),
		"annual_value", total,
		"annual_carbon", carbon,
	)
	return mpd, nil
}

// Run discovers and structures every viable chain among the organizations.
// Returns the number of deals structured.
func (m *MultiParty) Run(ctx context.Context, orgs []*market.Organization, taxonomy score.TaxonomyFn) (int, error) {
	existing, err := m.Deals.MultiParties(ctx)
	if err != nil {
		return 0, fmt.Errorf("list multi-party deals: %w", err)
	}
	// One deal per participant set, across passes: a chain already on the
	// table (or in force) is not re-proposed.
	seen := market.LiveChainKeys(existing, time.Now().UTC())

	structured := 0
	for _, chain := range FindChains(orgs, taxonomy) {
		ids := make([]string, 0, len(chain.Links)+1)
		for _, o := range chain.Orgs() {
			ids = append(ids, o.ID)
		}
		sig := market.ChainKey("", ids...)
		if seen[sig] {
			continue
		}
		seen[sig] = true

		if _, err := m.Structure(ctx, chain); err != nil {
			if errors.Is(err, ErrNotViable) {
				continue
			}
			return structured, err
		}
		structured++
	}
	return structured, nil
}

// agentIndex maps organization id → one of its active agents.
func (m *MultiParty) agentIndex(ctx context.Context) (map[string]string, error) {
	agents, err := m.Registry.ActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	idx := make(map[string]string, len(agents))
	for _, a := range agents {
		if _, ok := idx[a.OrgID]; !ok {
			idx[a.OrgID] = a.ID
		}
	}
	return idx, nil
}
