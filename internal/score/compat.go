package score

import (
	"strings"

	"github.com/surplusnet/surplusnet/internal/refdata"
)

// TaxonomyFn resolves a material name to its reference-database entry, or
// reports that the name is unknown.
type TaxonomyFn func(name string) (refdata.Material, bool)

// Compatible decides whether a produced material can satisfy a required
// material. Precedence order, first hit wins:
//
//  1. exact key match (case-insensitive)
//  2. substring containment either way
//  3. shared taxonomy attribute: same reference category, subtype, or key
//     after both names resolve through the reference database
func Compatible(produced, required string, taxonomy TaxonomyFn) bool {
	p := strings.ToLower(strings.TrimSpace(produced))
	r := strings.ToLower(strings.TrimSpace(required))
	if p == "" || r == "" {
		return false
	}

	if p == r {
		return true
	}

	if strings.Contains(p, r) || strings.Contains(r, p) {
		return true
	}

	if taxonomy == nil {
		return false
	}
	pm, okP := taxonomy(p)
	rm, okR := taxonomy(r)
	if !okP || !okR {
		return false
	}
	if strings.EqualFold(pm.Key, rm.Key) {
		return true
	}
	if pm.Category != "" && strings.EqualFold(pm.Category, rm.Category) {
		return true
	}
	if pm.Subtype != "" && strings.EqualFold(pm.Subtype, rm.Subtype) {
		return true
	}
	return false
}

// CompatibleAny reports whether any produced material satisfies the
// requirement.
func CompatibleAny(produced []string, required string, taxonomy TaxonomyFn) bool {
	for _, p := range produced {
		if Compatible(p, required, taxonomy) {
			return true
		}
	}
	return false
}
