// Package deal persists bilateral, multi-party, and cross-region deals, and
// owns the multi-party approval bookkeeping.
package deal

import (
	"context"
	"errors"
	"time"

	"github.com/surplusnet/surplusnet/internal/market"
)

// ErrNotFound means no deal exists with the requested id.
var ErrNotFound = errors.New("deal: not found")

// DecisionFunc observes one organization's recorded decision on a multi-party
// deal. Stores invoke it after the decision is durable; performance
// bookkeeping hangs off it.
type DecisionFunc func(ctx context.Context, d *market.MultiPartyDeal, orgID string, approved bool)

// Store is the deal persistence contract.
type Store interface {
	// SaveBilateral inserts or replaces a bilateral deal.
	SaveBilateral(ctx context.Context, d *market.BilateralDeal) error

	// Bilateral returns one bilateral deal by id.
	Bilateral(ctx context.Context, id string) (*market.BilateralDeal, error)

	// BilateralsByStatus lists bilateral deals in a lifecycle state.
	BilateralsByStatus(ctx context.Context, status market.DealStatus) ([]*market.BilateralDeal, error)

	// SaveMultiParty inserts or replaces a multi-party deal.
	SaveMultiParty(ctx context.Context, d *market.MultiPartyDeal) error

	// MultiParty returns one multi-party deal by id.
	MultiParty(ctx context.Context, id string) (*market.MultiPartyDeal, error)

	// MultiParties lists every multi-party deal.
	MultiParties(ctx context.Context) ([]*market.MultiPartyDeal, error)

	// RecordApproval registers one organization's decision on a multi-party
	// deal. When the last participant approves, the deal and every child
	// bilateral deal become active in the same transaction. Any rejection
	// cancels the deal and its children. Returns the deal after the update.
	RecordApproval(ctx context.Context, dealID, orgID string, approved bool) (*market.MultiPartyDeal, error)

	// SaveCrossRegion inserts or replaces a cross-region deal.
	SaveCrossRegion(ctx context.Context, d *market.CrossRegionDeal) error

	// CrossRegions lists every cross-region deal.
	CrossRegions(ctx context.Context) ([]*market.CrossRegionDeal, error)
}

// applyApproval mutates a multi-party deal and its children for one
// organization's decision. Shared by the store implementations; the caller
// provides atomicity.
func applyApproval(d *market.MultiPartyDeal, children []*market.BilateralDeal, orgID string, approved bool, isParticipant bool) error {
	if !isParticipant {
		return errors.New("deal: organization is not a participant")
	}
	if d.Status == market.MultiPartyActive || d.Status == market.MultiPartyCancelled {
		return errors.New("deal: multi-party deal already finalized")
	}

	a := d.Approvals[orgID]
	a.Approved = approved
	a.Decided = true
	a.DecidedAt = time.Now().UTC()
	d.Approvals[orgID] = a

	if !approved {
		d.Status = market.MultiPartyCancelled
		for _, c := range children {
			c.Status = market.DealCancelled
		}
		return nil
	}

	if d.AllApproved() {
		d.Status = market.MultiPartyActive
		for _, c := range children {
			c.Status = market.DealActive
		}
	} else {
		d.Status = market.MultiPartyPartialApproval
	}
	return nil
}
