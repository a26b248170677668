// Package market provides the marketplace data model: agents, organizations,
// feed posts, and deals.
package market

import (
	"slices"
	"strings"
	"time"
)

// Role determines which strategy drives an agent each cycle.
type Role string

const (
	RoleLocal             Role = "local" // manufacturers and other local businesses
	RoleRecycler          Role = "recycler"
	RoleProcessor         Role = "processor"
	RoleLogistics         Role = "logistics"
	RoleRegionCoordinator Role = "region-coordinator"
)

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	AgentPaused AgentStatus = "paused"
)

// RegionGlobal marks an agent that scans every region rather than its own.
// Query filters treat it as "no region constraint".
const RegionGlobal = ""

// Constraints bound which opportunities an agent will consider.
type Constraints struct {
	Categories       []string `json:"categories"`      // accepted material categories
	MinVolume        float64  `json:"min_volume"`      // per-transaction lower bound
	MaxVolume        float64  `json:"max_volume"`      // per-transaction upper bound
	QualityCeiling   int      `json:"quality_ceiling"` // worst acceptable tier (1=best)
	MinPrice         float64  `json:"min_price"`
	MaxPrice         float64  `json:"max_price"`
	MaxContamination float64  `json:"max_contamination"` // tolerated contamination percent
}

// AcceptsCategory reports whether the category is on the agent's allow-list.
// An empty list accepts everything.
func (c Constraints) AcceptsCategory(category string) bool {
	if len(c.Categories) == 0 {
		return true
	}
	for _, cat := range c.Categories {
		if strings.EqualFold(cat, category) {
			return true
		}
	}
	return false
}

// VolumeFits reports whether a volume is inside the [min,max] band.
func (c Constraints) VolumeFits(volume float64) bool {
	if c.MaxVolume <= 0 {
		return true
	}
	return volume >= c.MinVolume && volume <= c.MaxVolume
}

// Performance tracks an agent's outcomes across cycles.
type Performance struct {
	OpportunitiesScanned int     `json:"opportunities_scanned"`
	DealsProposed        int     `json:"deals_proposed"`
	DealsApproved        int     `json:"deals_approved"`
	DealsRejected        int     `json:"deals_rejected"`
	SuccessRate          float64 `json:"success_rate"` // approved / proposed
}

// Agent is an autonomous decision-maker acting for one organization.
type Agent struct {
	ID     string      `json:"id"`
	OrgID  string      `json:"org_id"`
	Name   string      `json:"name"`
	Role   Role        `json:"role"`
	Region string      `json:"region"`
	Status AgentStatus `json:"status"`

	Constraints Constraints `json:"constraints"`
	Performance Performance `json:"performance"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the agent should run this cycle.
func (a *Agent) Active() bool {
	return a.Status == AgentActive
}

// WasteStream is a recurring surplus material an organization wants to move.
type WasteStream struct {
	MaterialKey     string  `json:"material_key"` // reference-service key
	Category        string  `json:"category"`
	Subtype         string  `json:"subtype"`
	MonthlyVolume   float64 `json:"monthly_volume"`
	Unit            string  `json:"unit"`
	QualityTier     int     `json:"quality_tier"` // 1=best … 4=worst
	Contamination   float64 `json:"contamination"`
	Processability  float64 `json:"processability"`    // 0–100
	DisposalCostPer float64 `json:"disposal_cost_per"` // what disposal costs today, per unit
}

// Requirement is a recurring material need an organization wants to cover.
type Requirement struct {
	MaterialKey    string  `json:"material_key"`
	Category       string  `json:"category"`
	Subtype        string  `json:"subtype"`
	MonthlyVolume  float64 `json:"monthly_volume"`
	Unit           string  `json:"unit"`
	MaxPricePer    float64 `json:"max_price_per"`
	QualityCeiling int     `json:"quality_ceiling"`
	VirginCostPer  float64 `json:"virgin_cost_per"` // current cost of the virgin equivalent
}

// ProcessingService is one transformation a processor sells.
type ProcessingService struct {
	Name            string   `json:"name"`
	InputMaterials  []string `json:"input_materials"`
	OutputMaterials []string `json:"output_materials"`
	FeePerUnit      float64  `json:"fee_per_unit"`
	CapacityUnits   float64  `json:"capacity_units"` // monthly throughput
	UtilizationPct  float64  `json:"utilization_pct"`
}

// SpareCapacity returns the unused share of the service's capacity, in units.
func (s ProcessingService) SpareCapacity() float64 {
	return s.CapacityUnits * (100 - s.UtilizationPct) / 100
}

// Route is one scheduled transport lane for a logistics organization.
type Route struct {
	OriginCity      string `json:"origin_city"`
	DestinationCity string `json:"destination_city"`
}

// RecyclerProfile holds recycler-specific capacity state.
type RecyclerProfile struct {
	UtilizationPct float64            `json:"utilization_pct"`
	MaxBuyPrice    map[string]float64 `json:"max_buy_price"` // category → ceiling
}

// LogisticsProfile holds transport pricing for a logistics organization.
type LogisticsProfile struct {
	BaseRatePerUnit       float64 `json:"base_rate_per_unit"`
	ConsolidationDiscount float64 `json:"consolidation_discount"` // 0–1 fraction
	Routes                []Route `json:"routes"`
}

// Organization is one participating business. Agents act on its behalf;
// its streams and requirements feed the strategies and coordinators.
type Organization struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
	City   string `json:"city"`

	WasteStreams []WasteStream `json:"waste_streams,omitempty"`
	Requirements []Requirement `json:"requirements,omitempty"`

	Services  []ProcessingService `json:"services,omitempty"`
	Recycler  *RecyclerProfile    `json:"recycler,omitempty"`
	Logistics *LogisticsProfile   `json:"logistics,omitempty"`
}

// StreamByCategory returns the organization's waste streams in a category.
func (o *Organization) StreamsByCategory(category string) []WasteStream {
	var out []WasteStream
	for _, ws := range o.WasteStreams {
		if strings.EqualFold(ws.Category, category) {
			out = append(out, ws)
		}
	}
	return out
}

// OutputMaterials lists every material the organization can produce,
// deduplicated. For processors this is the union of service outputs.
func (o *Organization) OutputMaterials() []string {
	var out []string
	for _, svc := range o.Services {
		for _, m := range svc.OutputMaterials {
			if !slices.Contains(out, m) {
				out = append(out, m)
			}
		}
	}
	return out
}
