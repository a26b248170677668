// Package score holds the pure judgment functions of the marketplace:
// opportunity scoring, deal scoring, counter-offer shaping, convergence, and
// material compatibility. Everything here is deterministic given its inputs;
// randomness enters only through an injected entropy source.
package score

import (
	"math"

	"github.com/surplusnet/surplusnet/internal/market"
)

// Direction says which side of a trade the scoring agent would take.
type Direction int

const (
	DirectionBuy  Direction = iota // the candidate post is an offer
	DirectionSell                  // the candidate post is a request
)

// OpportunityInput is everything the opportunity formula looks at.
type OpportunityInput struct {
	Direction Direction

	CategoryMatch bool // candidate category on the agent's preferred list

	PricePerUnit   float64 // candidate's asking or bidding price
	ReferencePrice float64 // market reference for the material

	QualityTier int // 1=best … 4=worst

	Volume    float64
	MinVolume float64
	MaxVolume float64

	Distance float64 // from the pluggable distance function

	Contamination    float64
	MaxContamination float64

	Processability float64 // 0–100
}

// Opportunity factor weights. Each factor is computed independently, summed
// and capped at 100.
const (
	categoryMatchBonus   = 30
	categoryPartialBonus = 15

	priceStrongBonus = 35 // >20% favorable
	priceGoodBonus   = 25 // >10% favorable
	priceSlimBonus   = 15 // favorable but <10%
	priceWeakBonus   = 5  // unfavorable

	volumeFitBonus  = 20
	volumeNearBonus = 10 // within 20% of the band

	proximityNearBonus = 10 // distance < 50
	proximityMidBonus  = 5  // distance < 100

	contaminationPenalty = 20
	processabilityBonus  = 5 // processability > 80
)

// Opportunity computes the 0–100 opportunity score for one candidate post.
func Opportunity(in OpportunityInput) int {
	sum := 0.0

	if in.CategoryMatch {
		sum += categoryMatchBonus
	} else {
		sum += categoryPartialBonus
	}

	sum += priceFactor(in)
	sum += qualityFactor(in.QualityTier)
	sum += volumeFactor(in.Volume, in.MinVolume, in.MaxVolume)
	sum += proximityFactor(in.Distance)

	if in.MaxContamination > 0 && in.Contamination > in.MaxContamination {
		sum -= contaminationPenalty
	}
	if in.Processability > 80 {
		sum += processabilityBonus
	}

	score := int(math.Round(sum))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// priceFactor grades how favorable the candidate's price is against the
// reference. Favorable is direction-dependent: buyers want below reference,
// sellers want above.
func priceFactor(in OpportunityInput) float64 {
	if in.ReferencePrice <= 0 {
		return priceWeakBonus
	}

	// Positive advantage = favorable, as a fraction of reference.
	var advantage float64
	switch in.Direction {
	case DirectionBuy:
		advantage = (in.ReferencePrice - in.PricePerUnit) / in.ReferencePrice
	case DirectionSell:
		advantage = (in.PricePerUnit - in.ReferencePrice) / in.ReferencePrice
	}

	switch {
	case advantage > 0.20:
		return priceStrongBonus
	case advantage > 0.10:
		return priceGoodBonus
	case advantage > 0:
		return priceSlimBonus
	default:
		return priceWeakBonus
	}
}

// qualityFactor maps tier 1 → 25 points down to tier 4 → 6.25.
func qualityFactor(tier int) float64 {
	if tier < 1 {
		tier = 1
	}
	if tier > 4 {
		tier = 4
	}
	return float64(5-tier) * 6.25
}

// volumeFactor rewards volumes inside the agent's band, with partial credit
// within 20% of either edge.
func volumeFactor(volume, min, max float64) float64 {
	if max <= 0 {
		return volumeFitBonus // unconstrained
	}
	if volume >= min && volume <= max {
		return volumeFitBonus
	}
	if volume >= min*0.8 && volume <= max*1.2 {
		return volumeNearBonus
	}
	return 0
}

func proximityFactor(distance float64) float64 {
	switch {
	case distance < 50:
		return proximityNearBonus
	case distance < 100:
		return proximityMidBonus
	default:
		return 0
	}
}

// DealInput feeds the negotiation-time deal score.
type DealInput struct {
	PricePerUnit   float64
	ReferencePrice float64
	Volume         float64
	QualityTier    int
	AnnualValue    float64
}

// Deal scores a concrete deal candidate 0–100. This formula deliberately
// overlaps with Opportunity without being merged into it: scanning judges a
// post in isolation, this judges a near-final deal.
func Deal(in DealInput) int {
	sum := 0.0

	// Price realism: within ±15% of reference is healthy.
	if in.ReferencePrice > 0 {
		dev := math.Abs(in.PricePerUnit-in.ReferencePrice) / in.ReferencePrice
		switch {
		case dev <= 0.15:
			sum += 40
		case dev <= 0.30:
			sum += 25
		default:
			sum += 10
		}
	}

	sum += qualityFactor(in.QualityTier)

	// Volume weight: bigger recurring volumes are worth more attention.
	switch {
	case in.Volume >= 100:
		sum += 20
	case in.Volume >= 25:
		sum += 15
	case in.Volume > 0:
		sum += 10
	}

	if in.AnnualValue >= 25000 {
		sum += 15
	} else if in.AnnualValue >= 10000 {
		sum += 10
	}

	score := int(math.Round(sum))
	if score > 100 {
		score = 100
	}
	return score
}

// DistanceFunc estimates the distance between two regions in abstract
// distance units. The engine never computes real geography; deployments plug
// in whatever estimate they trust.
type DistanceFunc func(regionA, regionB string) float64

// ConstantDistance returns a DistanceFunc that always reports v. It is the
// default placeholder wiring.
func ConstantDistance(v float64) DistanceFunc {
	return func(_, _ string) float64 { return v }
}

// TableDistance builds a DistanceFunc from a symmetric lookup table keyed by
// region pair. Unknown pairs report fallback.
func TableDistance(table map[[2]string]float64, fallback float64) DistanceFunc {
	return func(a, b string) float64 {
		if a == b {
			return 0
		}
		if d, ok := table[[2]string{a, b}]; ok {
			return d
		}
		if d, ok := table[[2]string{b, a}]; ok {
			return d
		}
		return fallback
	}
}

// PassesHardConstraints applies the pre-scoring filter: category allow-list,
// volume bounds (with the same 20% slack the near-band volume factor grants),
// and quality ceiling. A candidate failing any of these is never scored.
func PassesHardConstraints(c market.Constraints, category string, volume float64, qualityTier int) bool {
	if !c.AcceptsCategory(category) {
		return false
	}
	if c.MaxVolume > 0 && (volume < c.MinVolume*0.8 || volume > c.MaxVolume*1.2) {
		return false
	}
	if c.QualityCeiling > 0 && qualityTier > c.QualityCeiling {
		return false
	}
	return true
}
