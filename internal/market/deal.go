package market

import (
	"slices"
	"strings"
	"time"
)

// DealStatus is the lifecycle state of a bilateral deal.
type DealStatus string

const (
	DealPendingSellerApproval     DealStatus = "pending_seller_approval"
	DealPendingBuyerApproval      DealStatus = "pending_buyer_approval"
	DealPendingLogistics          DealStatus = "pending_logistics"
	DealPendingMultiPartyApproval DealStatus = "pending_multi_party_approval"
	DealApprovedBothParties       DealStatus = "approved_both_parties"
	DealActive                    DealStatus = "active"
	DealCompleted                 DealStatus = "completed"
	DealCancelled                 DealStatus = "cancelled"
)

// BilateralDeal is one seller→buyer exchange. Deals are created only from a
// converged negotiation thread or as one flow of a multi-party deal.
type BilateralDeal struct {
	ID string `json:"id"`

	SellerAgentID string `json:"seller_agent_id"`
	SellerOrgID   string `json:"seller_org_id"`
	BuyerAgentID  string `json:"buyer_agent_id"`
	BuyerOrgID    string `json:"buyer_org_id"`

	MaterialKey string  `json:"material_key"`
	Category    string  `json:"material_category"`
	Subtype     string  `json:"material_subtype"`
	Volume      float64 `json:"volume"`
	Unit        string  `json:"unit"`

	PricePerUnit float64 `json:"price_per_unit"`
	TotalValue   float64 `json:"total_value"`

	Status DealStatus `json:"status"`

	// Provenance: the negotiation thread that produced the deal, or the
	// multi-party deal it belongs to.
	ThreadRootID string `json:"thread_root_id,omitempty"`
	MultiPartyID string `json:"multi_party_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Flow is one seller→buyer leg of a multi-party deal.
type Flow struct {
	SellerOrgID  string  `json:"seller_org_id"`
	BuyerOrgID   string  `json:"buyer_org_id"`
	MaterialKey  string  `json:"material_key"`
	Category     string  `json:"material_category"`
	Subtype      string  `json:"material_subtype"`
	Volume       float64 `json:"volume"`
	Unit         string  `json:"unit"`
	PricePerUnit float64 `json:"price_per_unit"`

	// Inputs to the annual value split, captured at structuring time.
	SellerDisposalSavings float64 `json:"seller_disposal_savings"` // per month
	BuyerVirginSavings    float64 `json:"buyer_virgin_savings"`    // per month
	CarbonSavings         float64 `json:"carbon_savings"`          // per year
}

// MultiPartyStatus is the aggregate state of a multi-party deal.
type MultiPartyStatus string

const (
	MultiPartyProposed        MultiPartyStatus = "proposed"
	MultiPartyPartialApproval MultiPartyStatus = "partial_approval"
	MultiPartyAllApproved     MultiPartyStatus = "all_approved"
	MultiPartyActive          MultiPartyStatus = "active"
	MultiPartyCancelled       MultiPartyStatus = "cancelled"
)

// Approval records one organization's decision on a multi-party deal.
type Approval struct {
	Approved  bool      `json:"approved"`
	Decided   bool      `json:"decided"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// MultiPartyDeal chains 3+ organizations into one circular exchange.
type MultiPartyDeal struct {
	ID string `json:"id"`

	OrgIDs []string `json:"org_ids"`
	Flows  []Flow   `json:"flows"`

	// org id → estimated annual value of participating.
	ValueDistribution map[string]float64 `json:"value_distribution"`

	Approvals map[string]Approval `json:"approvals"`
	Status    MultiPartyStatus    `json:"status"`

	TotalAnnualValue   float64 `json:"total_annual_value"`
	AnnualCarbonSaving float64 `json:"annual_carbon_saving"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AllApproved reports whether every participant has approved.
func (d *MultiPartyDeal) AllApproved() bool {
	if len(d.OrgIDs) == 0 {
		return false
	}
	for _, org := range d.OrgIDs {
		a, ok := d.Approvals[org]
		if !ok || !a.Approved {
			return false
		}
	}
	return true
}

// Live reports whether the deal still blocks re-proposal of the same chain:
// anything not cancelled, except pending proposals past their expiry.
func (d *MultiPartyDeal) Live(now time.Time) bool {
	switch d.Status {
	case MultiPartyCancelled:
		return false
	case MultiPartyProposed, MultiPartyPartialApproval:
		return d.ExpiresAt.IsZero() || now.Before(d.ExpiresAt)
	}
	return true
}

// ChainKey is the stable identity of a multi-party chain: the participant
// organizations, order-independent, plus an optional material category.
// Coordinators use it to avoid re-proposing a chain already on the table.
func ChainKey(category string, orgIDs ...string) string {
	ids := slices.Clone(orgIDs)
	slices.Sort(ids)
	return strings.ToLower(category) + "|" + strings.Join(ids, "|")
}

// LiveChainKeys collects the chain keys of every deal still on the table:
// the bare participant-set key plus one key per flow category.
func LiveChainKeys(deals []*MultiPartyDeal, now time.Time) map[string]bool {
	keys := make(map[string]bool)
	for _, d := range deals {
		if !d.Live(now) {
			continue
		}
		keys[ChainKey("", d.OrgIDs...)] = true
		for _, f := range d.Flows {
			keys[ChainKey(f.Category, d.OrgIDs...)] = true
		}
	}
	return keys
}

// CrossRegionStatus is the lifecycle of a cross-region deal.
type CrossRegionStatus string

const (
	CrossRegionProposed    CrossRegionStatus = "proposed"
	CrossRegionNegotiating CrossRegionStatus = "negotiating"
	CrossRegionAgreed      CrossRegionStatus = "agreed"
	CrossRegionActive      CrossRegionStatus = "active"
	CrossRegionCompleted   CrossRegionStatus = "completed"
)

// CrossRegionDeal moves surplus from one region's pool to another's deficit.
type CrossRegionDeal struct {
	ID string `json:"id"`

	SourceRegion      string `json:"source_region"`
	DestinationRegion string `json:"destination_region"`
	SourceCoordinator string `json:"source_coordinator_id"`
	DestCoordinator   string `json:"dest_coordinator_id"`

	Category string  `json:"material_category"`
	Volume   float64 `json:"volume"` // monthly
	Unit     string  `json:"unit"`

	PricePerUnit     float64 `json:"price_per_unit"`
	TransportPerUnit float64 `json:"transport_per_unit"`
	TotalAnnualValue float64 `json:"total_annual_value"`
	CoordinationFee  float64 `json:"coordination_fee"` // fraction of deal value

	SellerOrgIDs []string `json:"seller_org_ids"`
	BuyerOrgIDs  []string `json:"buyer_org_ids"`

	Status    CrossRegionStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// RouteKey is the stable identity of a cross-region movement: one category
// over one source→destination lane. Matching dedupes on it so a standing
// imbalance yields one proposal, not one per pass.
func (d *CrossRegionDeal) RouteKey() string {
	return CrossRegionKey(d.SourceRegion, d.DestinationRegion, d.Category)
}

// CrossRegionKey builds a route key from its parts.
func CrossRegionKey(source, dest, category string) string {
	return strings.ToLower(source) + "|" + strings.ToLower(dest) + "|" + strings.ToLower(category)
}
