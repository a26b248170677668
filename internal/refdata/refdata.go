// Package refdata supplies market reference data for materials: base prices,
// quality multipliers, and carbon footprints.
package refdata

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound means the material key is unknown to the reference service.
// Callers treat it as a soft failure and skip or fall back to defaults.
var ErrNotFound = errors.New("refdata: material not found")

// Carbon holds per-unit carbon footprint figures.
type Carbon struct {
	Virgin   float64 `json:"virgin"`
	Recycled float64 `json:"recycled"`
}

// Material is one reference-database entry.
type Material struct {
	Key      string `json:"key"`
	Category string `json:"category"`
	Subtype  string `json:"subtype"`

	ReferencePrice float64 `json:"reference_price"` // per unit, tier-1 quality

	// 1-indexed by quality tier; tier 1 is best.
	QualityMultipliers [4]float64 `json:"quality_multipliers"`

	Carbon Carbon `json:"carbon"`
}

// PriceForTier returns the reference price adjusted for a quality tier.
// Out-of-range tiers clamp to the worst tier.
func (m Material) PriceForTier(tier int) float64 {
	if tier < 1 {
		tier = 1
	}
	if tier > 4 {
		tier = 4
	}
	return m.ReferencePrice * m.QualityMultipliers[tier-1]
}

// Service looks up material reference data.
type Service interface {
	Lookup(ctx context.Context, key string) (Material, error)
}

// Static is an in-process Service over a fixed table. It backs tests and
// deployments without a reference upstream.
type Static struct {
	materials map[string]Material
}

// NewStatic builds a Static service from a list of materials. Keys are
// matched case-insensitively.
func NewStatic(materials []Material) *Static {
	m := make(map[string]Material, len(materials))
	for _, mat := range materials {
		m[strings.ToLower(mat.Key)] = mat
	}
	return &Static{materials: m}
}

// Lookup returns the material for a key, or ErrNotFound.
func (s *Static) Lookup(_ context.Context, key string) (Material, error) {
	mat, ok := s.materials[strings.ToLower(key)]
	if !ok {
		return Material{}, ErrNotFound
	}
	return mat, nil
}

// DefaultTable is a starter reference table covering the common industrial
// surplus categories. Real deployments point at the reference service.
func DefaultTable() []Material {
	std := [4]float64{1.0, 0.85, 0.7, 0.5}
	return []Material{
		{Key: "pet-clear", Category: "plastic", Subtype: "PET", ReferencePrice: 420, QualityMultipliers: std, Carbon: Carbon{Virgin: 2.2, Recycled: 0.45}},
		{Key: "hdpe-natural", Category: "plastic", Subtype: "HDPE", ReferencePrice: 510, QualityMultipliers: std, Carbon: Carbon{Virgin: 1.9, Recycled: 0.4}},
		{Key: "ldpe-film", Category: "plastic", Subtype: "LDPE", ReferencePrice: 300, QualityMultipliers: std, Carbon: Carbon{Virgin: 2.1, Recycled: 0.5}},
		{Key: "occ-cardboard", Category: "paper", Subtype: "OCC", ReferencePrice: 95, QualityMultipliers: std, Carbon: Carbon{Virgin: 0.9, Recycled: 0.3}},
		{Key: "mixed-paper", Category: "paper", Subtype: "mixed", ReferencePrice: 60, QualityMultipliers: std, Carbon: Carbon{Virgin: 0.9, Recycled: 0.35}},
		{Key: "steel-scrap", Category: "metal", Subtype: "steel", ReferencePrice: 250, QualityMultipliers: std, Carbon: Carbon{Virgin: 1.8, Recycled: 0.5}},
		{Key: "alu-scrap", Category: "metal", Subtype: "aluminium", ReferencePrice: 1350, QualityMultipliers: std, Carbon: Carbon{Virgin: 11.5, Recycled: 0.6}},
		{Key: "clear-glass", Category: "glass", Subtype: "clear", ReferencePrice: 45, QualityMultipliers: std, Carbon: Carbon{Virgin: 0.85, Recycled: 0.55}},
		{Key: "wood-pallet", Category: "wood", Subtype: "pallet", ReferencePrice: 70, QualityMultipliers: std, Carbon: Carbon{Virgin: 0.45, Recycled: 0.1}},
		{Key: "textile-cotton", Category: "textile", Subtype: "cotton", ReferencePrice: 380, QualityMultipliers: std, Carbon: Carbon{Virgin: 5.9, Recycled: 1.2}},
	}
}
