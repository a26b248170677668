package engine

import (
	"context"
	"log/slog"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/registry"
)

// DecisionRecorder returns a deal-store decision hook that books approvals
// and rejections against the deciding organization's agents. Adaptive
// constraint widening feeds off these counters. Bookkeeping failures are
// logged, never surfaced to the approval path.
func DecisionRecorder(reg registry.Registry, log *slog.Logger) deal.DecisionFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, d *market.MultiPartyDeal, orgID string, approved bool) {
		agents, err := reg.ActiveAgents(ctx)
		if err != nil {
			log.Warn("record deal decision failed", "deal_id", d.ID, "org_id", orgID, "error", err)
			return
		}
		for _, a := range agents {
			if a.OrgID != orgID {
				continue
			}
			if approved {
				a.Performance.DealsApproved++
			} else {
				a.Performance.DealsRejected++
			}
			if a.Performance.DealsProposed > 0 {
				a.Performance.SuccessRate = float64(a.Performance.DealsApproved) / float64(a.Performance.DealsProposed)
			}
			if err := reg.SaveAgent(ctx, a); err != nil {
				log.Warn("record deal decision failed", "deal_id", d.ID, "agent_id", a.ID, "error", err)
			}
		}
	}
}
