package deal

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/surplusnet/surplusnet/internal/market"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	// OnDecision, when set, observes every recorded approval decision.
	OnDecision DecisionFunc

	mu          sync.Mutex
	bilaterals  map[string]*market.BilateralDeal
	multiParty  map[string]*market.MultiPartyDeal
	crossRegion map[string]*market.CrossRegionDeal
}

// NewMemory creates an empty in-memory deal store.
func NewMemory() *Memory {
	return &Memory{
		bilaterals:  make(map[string]*market.BilateralDeal),
		multiParty:  make(map[string]*market.MultiPartyDeal),
		crossRegion: make(map[string]*market.CrossRegionDeal),
	}
}

// SaveBilateral inserts or replaces a bilateral deal.
func (m *Memory) SaveBilateral(_ context.Context, d *market.BilateralDeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.bilaterals[d.ID] = &cp
	return nil
}

// Bilateral returns one bilateral deal by id.
func (m *Memory) Bilateral(_ context.Context, id string) (*market.BilateralDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.bilaterals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// BilateralsByStatus lists bilateral deals in a lifecycle state, ordered by id.
func (m *Memory) BilateralsByStatus(_ context.Context, status market.DealStatus) ([]*market.BilateralDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*market.BilateralDeal
	for _, d := range m.bilaterals {
		if d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveMultiParty inserts or replaces a multi-party deal.
func (m *Memory) SaveMultiParty(_ context.Context, d *market.MultiPartyDeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.Approvals = make(map[string]market.Approval, len(d.Approvals))
	for k, v := range d.Approvals {
		cp.Approvals[k] = v
	}
	m.multiParty[d.ID] = &cp
	return nil
}

// MultiParty returns one multi-party deal by id.
func (m *Memory) MultiParty(_ context.Context, id string) (*market.MultiPartyDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.multiParty[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	cp.Approvals = make(map[string]market.Approval, len(d.Approvals))
	for k, v := range d.Approvals {
		cp.Approvals[k] = v
	}
	return &cp, nil
}

// MultiParties lists every multi-party deal, ordered by id.
func (m *Memory) MultiParties(_ context.Context) ([]*market.MultiPartyDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*market.MultiPartyDeal
	for _, d := range m.multiParty {
		cp := *d
		cp.Approvals = make(map[string]market.Approval, len(d.Approvals))
		for k, v := range d.Approvals {
			cp.Approvals[k] = v
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordApproval registers one organization's decision. The mutex makes the
// approval-then-activation step atomic.
func (m *Memory) RecordApproval(ctx context.Context, dealID, orgID string, approved bool) (*market.MultiPartyDeal, error) {
	m.mu.Lock()

	d, ok := m.multiParty[dealID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	var children []*market.BilateralDeal
	for _, b := range m.bilaterals {
		if b.MultiPartyID == dealID {
			children = append(children, b)
		}
	}

	err := applyApproval(d, children, orgID, approved, slices.Contains(d.OrgIDs, orgID))
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	cp := *d
	m.mu.Unlock()

	// Outside the lock: the observer may call back into the store.
	if m.OnDecision != nil {
		m.OnDecision(ctx, &cp, orgID, approved)
	}
	return &cp, nil
}

// SaveCrossRegion inserts or replaces a cross-region deal.
func (m *Memory) SaveCrossRegion(_ context.Context, d *market.CrossRegionDeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.crossRegion[d.ID] = &cp
	return nil
}

// CrossRegions lists every cross-region deal, ordered by id.
func (m *Memory) CrossRegions(_ context.Context) ([]*market.CrossRegionDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*market.CrossRegionDeal
	for _, d := range m.crossRegion {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
