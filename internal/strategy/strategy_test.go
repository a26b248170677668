package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/surplusnet/surplusnet/internal/deal"
	"github.com/surplusnet/surplusnet/internal/entropy"
	"github.com/surplusnet/surplusnet/internal/feed"
	"github.com/surplusnet/surplusnet/internal/market"
	"github.com/surplusnet/surplusnet/internal/notify"
	"github.com/surplusnet/surplusnet/internal/refdata"
	"github.com/surplusnet/surplusnet/internal/registry"
	"github.com/surplusnet/surplusnet/internal/scan"
	"github.com/surplusnet/surplusnet/internal/score"
)

// newTestDeps builds a Deps over in-memory stores with deterministic jitter.
func newTestDeps(t *testing.T) Deps {
	t.Helper()

	f := feed.NewMemory()
	ref := refdata.NewStatic([]refdata.Material{
		{
			Key: "pet-clear", Category: "plastic", Subtype: "pet",
			ReferencePrice:     100,
			QualityMultipliers: [4]float64{1, 0.85, 0.7, 0.5},
			Carbon:             refdata.Carbon{Virgin: 2.5, Recycled: 0.5},
		},
		{
			Key: "rpet-flake", Category: "plastic", Subtype: "pet",
			ReferencePrice:     180,
			QualityMultipliers: [4]float64{1, 0.85, 0.7, 0.5},
			Carbon:             refdata.Carbon{Virgin: 2.5, Recycled: 0.5},
		},
	})

	return Deps{
		Feed:     f,
		Deals:    deal.NewMemory(),
		Registry: registry.NewMemory(),
		Ref:      ref,
		Scanner:  scan.New(f, ref, nil, nil),
		Notify:   notify.Log{},
		Rand:     entropy.Fixed(0.5),
		Distance: score.ConstantDistance(50),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// recordingNotifier keeps delivered notifications for inspection.
type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, userRef, title, message, actionRef string) error {
	r.sent = append(r.sent, notify.Notification{
		UserRef: userRef, Title: title, Message: message, ActionRef: actionRef,
	})
	return nil
}

// saveOrgWithAgent registers an organization and one active agent for it.
func saveOrgWithAgent(t *testing.T, deps Deps, org *market.Organization, agent *market.Agent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, deps.Registry.SaveOrganization(ctx, org))
	agent.OrgID = org.ID
	if agent.Status == "" {
		agent.Status = market.AgentActive
	}
	require.NoError(t, deps.Registry.SaveAgent(ctx, agent))
}

// countPosts is a small query shorthand for assertions.
func countPosts(t *testing.T, deps Deps, f feed.Filter) int {
	t.Helper()
	posts, err := deps.Feed.Query(context.Background(), f)
	require.NoError(t, err)
	return len(posts)
}
